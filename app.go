package showrun

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// App is the core orchestrator that connects a Store, Semaphore, Registry,
// and Notifier into a running worker process.
type App struct {
	store     Store
	semaphore Semaphore
	registry  *Registry
	notifier  Notifier
	objects   ObjectStore
	ready     ReadySignal
	tracer    Tracer
	logger    *slog.Logger

	execOpts []ExecutorOption
	dispOpts []DispatcherOption
	wdOpts   []WatchdogOption

	buildOnce  sync.Once
	executor   *Executor
	dispatcher *Dispatcher
	watchdog   *Watchdog
	controller *Controller
	enqueuer   *Enqueuer
}

// Option configures an App.
type Option func(*App)

func WithStore(s Store) Option         { return func(a *App) { a.store = s } }
func WithSemaphore(s Semaphore) Option { return func(a *App) { a.semaphore = s } }
func WithRegistry(r *Registry) Option  { return func(a *App) { a.registry = r } }
func WithNotifier(n Notifier) Option   { return func(a *App) { a.notifier = n } }
func WithObjects(o ObjectStore) Option { return func(a *App) { a.objects = o } }
func WithSignal(s ReadySignal) Option  { return func(a *App) { a.ready = s } }
func WithTracer(t Tracer) Option       { return func(a *App) { a.tracer = t } }
func WithLogger(l *slog.Logger) Option { return func(a *App) { a.logger = l } }

// WithExecutorOptions appends options passed through to the executor.
func WithExecutorOptions(opts ...ExecutorOption) Option {
	return func(a *App) { a.execOpts = append(a.execOpts, opts...) }
}

// WithDispatcherOptions appends options passed through to the dispatcher.
func WithDispatcherOptions(opts ...DispatcherOption) Option {
	return func(a *App) { a.dispOpts = append(a.dispOpts, opts...) }
}

// WithWatchdogOptions appends options passed through to the watchdog.
func WithWatchdogOptions(opts ...WatchdogOption) Option {
	return func(a *App) { a.wdOpts = append(a.wdOpts, opts...) }
}

// New creates an App with the given options.
func New(opts ...Option) *App {
	a := &App{
		registry: NewRegistry(),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.semaphore == nil {
		a.semaphore = NewLocalSemaphore(WithLocalSemaphoreLogger(a.logger))
	}
	if a.ready == nil {
		a.ready = NewLocalSignal()
	}
	return a
}

// AddTool registers a tool with the app's registry.
func (a *App) AddTool(r Registration) error {
	return a.registry.Add(r)
}

// Store returns the app's Store (for admin surfaces that need it).
func (a *App) Store() Store {
	return a.store
}

// Registry returns the app's tool registry.
func (a *App) Registry() *Registry {
	return a.registry
}

// Controller returns the control surface over the app's store.
func (a *App) Controller() *Controller {
	a.build()
	return a.controller
}

// Enqueuer returns the enqueue surface over the app's store.
func (a *App) Enqueuer() *Enqueuer {
	a.build()
	return a.enqueuer
}

// Executor returns the app's executor, for preview runs.
func (a *App) Executor() *Executor {
	a.build()
	return a.executor
}

// Watchdog returns the app's watchdog, for manual sweeps.
func (a *App) Watchdog() *Watchdog {
	a.build()
	return a.watchdog
}

// build wires the components once, defaults first so caller options win.
func (a *App) build() {
	a.buildOnce.Do(func() {
		execOpts := []ExecutorOption{WithExecutorLogger(a.logger)}
		if a.tracer != nil {
			execOpts = append(execOpts, WithExecutorTracer(a.tracer))
		}
		if a.objects != nil {
			execOpts = append(execOpts, WithObjectStore(a.objects))
		}
		execOpts = append(execOpts, a.execOpts...)
		a.executor = NewExecutor(a.store, a.semaphore, a.registry, execOpts...)

		dispOpts := []DispatcherOption{
			WithDispatcherLogger(a.logger),
			WithDispatcherSignal(a.ready),
		}
		if a.notifier != nil {
			dispOpts = append(dispOpts, WithDispatcherNotifier(a.notifier))
		}
		dispOpts = append(dispOpts, a.dispOpts...)
		a.dispatcher = NewDispatcher(a.store, a.executor, dispOpts...)

		wdOpts := []WatchdogOption{WithWatchdogLogger(a.logger)}
		if a.notifier != nil {
			wdOpts = append(wdOpts, WithWatchdogNotifier(a.notifier))
		}
		wdOpts = append(wdOpts, a.wdOpts...)
		a.watchdog = NewWatchdog(a.store, wdOpts...)

		a.controller = NewController(a.store,
			WithControllerLogger(a.logger),
			WithControllerSignal(a.ready))
		a.enqueuer = NewEnqueuer(a.store,
			WithEnqueuerLogger(a.logger),
			WithEnqueuerSignal(a.ready))
	})
}

// Run starts the worker: store init, then the dispatcher pool and the
// watchdog side by side. Blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.store == nil {
		return fmt.Errorf("app requires a Store")
	}
	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	a.build()

	a.logger.Info("worker running", "tools", len(a.registry.ToolIDs()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.dispatcher.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = a.watchdog.Start(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}
