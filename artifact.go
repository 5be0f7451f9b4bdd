package showrun

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Well-known artifact kinds. The map is open: tools may introduce new kinds
// as long as they declare them in their registration.
const (
	ArtifactSourceVideo       = "source_video"
	ArtifactTranscript        = "transcript"
	ArtifactScriptAnalysis    = "script_analysis"
	ArtifactScript            = "script"
	ArtifactBurnedVideo       = "burned_video"
	ArtifactThumbnail         = "thumbnail"
	ArtifactCaptionsDraft     = "captions_draft"
	ArtifactQCReport          = "qc_report"
	ArtifactPublishedURL      = "published_url"
	ArtifactPublishedExternal = "published_external_id"
)

// MaxInlineText is the size cap for text artifacts stored inline in the
// artifact map. Larger texts are spilled to the object store by the executor.
const MaxInlineText = 64 << 10

// PreviewKey returns the sandboxed map key a preview run writes instead of
// the canonical kind.
func PreviewKey(kind string) string {
	return "preview/" + kind
}

// ArtifactType discriminates the artifact variant.
type ArtifactType int

const (
	ArtifactScalar ArtifactType = iota
	ArtifactText
	ArtifactBlob
)

// BlobRef points at a binary artifact on the content-addressed object store.
type BlobRef struct {
	URI    string `json:"uri"`
	Mime   string `json:"mime,omitempty"`
	Bytes  int64  `json:"bytes,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// Artifact is one entry of a task's artifact map: a scalar, a text, or a
// blob descriptor. The JSON form is the naked value for scalars and texts
// and a {uri, mime, bytes, sha256} object for blobs.
type Artifact struct {
	Type   ArtifactType
	Scalar any
	Text   string
	Blob   BlobRef
}

// Text returns a text artifact. Callers wanting the inline cap enforced go
// through the executor, which spills oversized texts to the object store.
func TextArtifact(s string) Artifact {
	return Artifact{Type: ArtifactText, Text: s}
}

// ScalarArtifact wraps a number or bool.
func ScalarArtifact(v any) Artifact {
	return Artifact{Type: ArtifactScalar, Scalar: v}
}

// BlobArtifact wraps an object-store descriptor.
func BlobArtifact(ref BlobRef) Artifact {
	return Artifact{Type: ArtifactBlob, Blob: ref}
}

// String renders the artifact for logs and snapshots; blob descriptors
// render as their URI.
func (a Artifact) String() string {
	switch a.Type {
	case ArtifactText:
		return a.Text
	case ArtifactBlob:
		return a.Blob.URI
	default:
		return fmt.Sprint(a.Scalar)
	}
}

func (a Artifact) MarshalJSON() ([]byte, error) {
	switch a.Type {
	case ArtifactText:
		return json.Marshal(a.Text)
	case ArtifactBlob:
		return json.Marshal(a.Blob)
	default:
		return json.Marshal(a.Scalar)
	}
}

func (a *Artifact) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = Artifact{Type: ArtifactText, Text: s}
		return nil
	}
	// An object with a "uri" key is a blob descriptor; any other object is
	// kept as an opaque scalar for forward compatibility.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		if _, ok := probe["uri"]; ok {
			var ref BlobRef
			if err := json.Unmarshal(data, &ref); err != nil {
				return fmt.Errorf("artifact: decode blob descriptor: %w", err)
			}
			*a = Artifact{Type: ArtifactBlob, Blob: ref}
			return nil
		}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("artifact: decode value: %w", err)
	}
	*a = Artifact{Type: ArtifactScalar, Scalar: v}
	return nil
}

// ArtifactMap is a task's named outputs, keyed by artifact kind.
type ArtifactMap map[string]Artifact

// Clone returns a shallow copy. Artifact values are immutable by convention,
// so a shallow copy is enough to isolate a step's working set.
func (m ArtifactMap) Clone() ArtifactMap {
	if m == nil {
		return ArtifactMap{}
	}
	out := make(ArtifactMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge applies outputs over the map, last writer wins. Returns the keys
// that were overwritten so the caller can snapshot prior values.
func (m ArtifactMap) Merge(outputs ArtifactMap) []string {
	var overwritten []string
	for k, v := range outputs {
		if _, ok := m[k]; ok {
			overwritten = append(overwritten, k)
		}
		m[k] = v
	}
	sort.Strings(overwritten)
	return overwritten
}

// Project extracts the declared input kinds. Every declared kind must be
// present: a missing input is a contract violation and fails the step
// permanently.
func (m ArtifactMap) Project(kinds []string) (ArtifactMap, error) {
	out := make(ArtifactMap, len(kinds))
	for _, k := range kinds {
		v, ok := m[k]
		if !ok {
			return nil, &ErrPermanent{Op: "artifact", Message: fmt.Sprintf("missing declared input %q", k)}
		}
		out[k] = v
	}
	return out, nil
}

// Has reports whether a kind is present.
func (m ArtifactMap) Has(kind string) bool {
	_, ok := m[kind]
	return ok
}

// TextOf returns the text of a text artifact, or "" when absent or not text.
func (m ArtifactMap) TextOf(kind string) string {
	a, ok := m[kind]
	if !ok || a.Type != ArtifactText {
		return ""
	}
	return a.Text
}

// ObjectStore is content-addressed blob storage. Put hashes the payload with
// SHA-256 and returns a descriptor whose URI is stable for identical bytes.
type ObjectStore interface {
	Put(ctx context.Context, data []byte, mime string) (BlobRef, error)
	Get(ctx context.Context, ref BlobRef) ([]byte, error)
}
