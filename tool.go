package showrun

import (
	"context"
	"encoding/json"
	"fmt"
)

// Resource classes gate expensive steps through the distributed semaphore.
// ResourceNone skips the semaphore entirely.
const (
	ResourceNone    = ""
	ResourceWhisper = "whisper"
	ResourceFFmpeg  = "ffmpeg"
	ResourceLLM     = "llm"
)

// Handler is the pluggable capability behind a tool id. Implementations are
// expected to be effectively idempotent: the same artifact snapshot and
// parameters produce the same outputs up to irrelevant nonces.
//
// A handler distinguishes failures by returning the typed errors from this
// package; anything else is classified Unknown by the dispatcher.
type Handler interface {
	Handle(ctx context.Context, inputs ArtifactMap, params map[string]any) (ArtifactMap, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inputs ArtifactMap, params map[string]any) (ArtifactMap, error)

func (f HandlerFunc) Handle(ctx context.Context, inputs ArtifactMap, params map[string]any) (ArtifactMap, error) {
	return f(ctx, inputs, params)
}

// Registration is the static contract of one tool id. The behavioural data
// lives here, not on the handler type, which keeps the registry a plain
// catalogue the executor can validate against.
type Registration struct {
	ToolID             string
	Handler            Handler
	ResourceClass      string
	Inputs             []string
	Outputs            []string
	DefaultParams      map[string]any
	ParamSchema        json.RawMessage
	SupportsPreview    bool
	SupportsRetry      bool
	SupportsManualEdit bool
}

// Registry is the static catalogue mapping tool id to its registration.
// Populated once at startup; adding a tool is adding an entry.
type Registry struct {
	byID map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Registration)}
}

// Add registers a tool. Duplicate ids and missing handlers are programming
// errors surfaced immediately.
func (r *Registry) Add(reg Registration) error {
	if reg.ToolID == "" {
		return fmt.Errorf("registry: empty tool id")
	}
	if reg.Handler == nil {
		return fmt.Errorf("registry: tool %s has no handler", reg.ToolID)
	}
	if _, ok := r.byID[reg.ToolID]; ok {
		return fmt.Errorf("registry: tool %s already registered", reg.ToolID)
	}
	r.byID[reg.ToolID] = reg
	return nil
}

// MustAdd is Add for startup wiring, panicking on misregistration.
func (r *Registry) MustAdd(reg Registration) {
	if err := r.Add(reg); err != nil {
		panic(err)
	}
}

// Lookup returns the registration for a tool id.
func (r *Registry) Lookup(toolID string) (Registration, bool) {
	reg, ok := r.byID[toolID]
	return reg, ok
}

// ToolIDs lists registered ids, for diagnostics.
func (r *Registry) ToolIDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// MergedParams overlays preset step overrides on the registration defaults.
func (reg Registration) MergedParams(overrides map[string]any) map[string]any {
	out := make(map[string]any, len(reg.DefaultParams)+len(overrides))
	for k, v := range reg.DefaultParams {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
