// Package scheduling runs named background jobs on cron schedules. The
// worker registers the published-metric refresher here; anything else
// periodic that is not part of the dispatch loop belongs here too.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is a named function run on a cron schedule.
type Job struct {
	Name string
	Spec string
	Run  func(context.Context) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// Runner drives registered jobs until its context is cancelled, then
// waits for in-flight jobs to return.
type Runner struct {
	logger *slog.Logger
	jobs   []Job
}

// New creates an empty Runner.
func New(opts ...Option) *Runner {
	r := &Runner{logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a job. Specs use standard cron syntax; @every and the
// other descriptors are accepted. Invalid specs fail here, not at Run.
func (r *Runner) Add(name, spec string, fn func(context.Context) error) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("scheduling: job %s: parse %q: %w", name, spec, err)
	}
	r.jobs = append(r.jobs, Job{Name: name, Spec: spec, Run: fn})
	return nil
}

// Jobs returns the registered jobs in registration order.
func (r *Runner) Jobs() []Job {
	out := make([]Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

// Run blocks until ctx is cancelled. Jobs receive ctx so they stop with
// the runner; a failing job is logged and retried at its next tick.
func (r *Runner) Run(ctx context.Context) error {
	c := cron.New()
	for _, j := range r.jobs {
		j := j
		_, err := c.AddFunc(j.Spec, func() {
			r.logger.Debug("job start", "job", j.Name)
			if err := j.Run(ctx); err != nil {
				r.logger.Error("job failed", "job", j.Name, "error", err)
				return
			}
			r.logger.Debug("job done", "job", j.Name)
		})
		if err != nil {
			return fmt.Errorf("scheduling: add job %s: %w", j.Name, err)
		}
	}

	c.Start()
	r.logger.Info("scheduler running", "jobs", len(r.jobs))

	<-ctx.Done()
	// Stop schedules nothing new and reports when running jobs finish.
	<-c.Stop().Done()
	r.logger.Info("scheduler stopped")
	return ctx.Err()
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
