package observer

import (
	"context"
	"time"

	"github.com/showrun/showrun"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedHandler wraps a showrun.Handler with OTEL instrumentation.
type ObservedHandler struct {
	inner  showrun.Handler
	toolID string
	class  string
	inst   *Instruments
}

// WrapHandler returns an instrumented handler.
func WrapHandler(toolID string, inner showrun.Handler, inst *Instruments) *ObservedHandler {
	return &ObservedHandler{inner: inner, toolID: toolID, inst: inst}
}

// WrapRegistration returns a copy of reg with its handler instrumented.
// Registry wiring stays one line per tool:
//
//	registry.MustAdd(observer.WrapRegistration(reg, inst))
func WrapRegistration(reg showrun.Registration, inst *Instruments) showrun.Registration {
	reg.Handler = &ObservedHandler{
		inner:  reg.Handler,
		toolID: reg.ToolID,
		class:  reg.ResourceClass,
		inst:   inst,
	}
	return reg
}

func (o *ObservedHandler) Handle(ctx context.Context, inputs showrun.ArtifactMap, params map[string]any) (showrun.ArtifactMap, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "step.handle", trace.WithAttributes(
		AttrToolID.String(o.toolID),
	))
	defer span.End()
	start := time.Now()

	out, err := o.inner.Handle(ctx, inputs, params)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = showrun.Classify(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStepStatus.String(status))

	execAttrs := []attribute.KeyValue{
		AttrToolID.String(o.toolID),
		AttrStepStatus.String(status),
	}
	if o.class != "" {
		execAttrs = append(execAttrs, AttrResourceClass.String(o.class))
	}
	o.inst.StepExecutions.Add(ctx, 1, metric.WithAttributes(execAttrs...))
	o.inst.StepDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolID.String(o.toolID),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("step handled"))
	rec.AddAttributes(
		otellog.String("tool.id", o.toolID),
		otellog.String("step.status", status),
		otellog.Int("step.outputs", len(out)),
		otellog.Float64("step.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return out, err
}

var _ showrun.Handler = (*ObservedHandler)(nil)
