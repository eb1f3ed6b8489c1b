// Package executor owns one run's collection of executions: it
// decides what failure-mode policy applies when a script fails, and
// it hands the map of still-live persistent services forward to the
// next watch iteration's executor.
//
// Grounded on the teacher's run/run.go (the top-level object that
// owns a single `turbo run`'s lifecycle: building the task graph,
// invoking the scheduler, and collecting a summary), restructured
// around the engine's per-script futures instead of a DAG visitor.
package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/google/wireit-sub001/internal/cache"
	"github.com/google/wireit-sub001/internal/config"
	"github.com/google/wireit-sub001/internal/events"
	"github.com/google/wireit-sub001/internal/execution"
	"github.com/google/wireit-sub001/internal/script"
	"github.com/google/wireit-sub001/internal/workerpool"
)

// FailureMode controls how an Executor reacts to a script failing.
type FailureMode string

const (
	// FailureModeNoNew forbids starting new commands once any script
	// has failed; scripts already running are allowed to finish.
	FailureModeNoNew FailureMode = "no-new"
	// FailureModeContinue allows independent scripts (those not
	// depending on the failed one) to keep running to completion.
	FailureModeContinue FailureMode = "continue"
	// FailureModeKill additionally sends every running child a kill
	// signal as soon as any script fails.
	FailureModeKill FailureMode = "kill"
)

// Result is what Execute returns: every root's outcome and the errors
// among them. It does not carry the services still alive at the end of
// the run; those stay in the ServiceManager that Services returns.
type Result struct {
	Outcomes []execution.Outcome
	Errors   []error
}

// Executor runs a set of root scripts to completion (or to failure),
// applying a FailureMode policy, and shares one Engine (so a script
// depended on by two roots only runs once) and one ServiceManager
// (so a service survives past its own root's completion if it is
// persistent).
type Executor struct {
	Resolver    config.Resolver
	Logger      hclog.Logger
	Events      events.Sink
	FailureMode FailureMode

	engine   *execution.Engine
	services *execution.ServiceManager
	aborted  atomic.Bool

	mu     sync.Mutex
	failed bool
}

// New constructs an Executor. services may be nil for a first run, or
// the ServiceManager handed forward from a previous watch iteration so
// persistent services already running are adopted rather than
// restarted.
func New(resolver config.Resolver, pool *workerpool.Pool, logger hclog.Logger, sink events.Sink, services *execution.ServiceManager, mode FailureMode) *Executor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if services == nil {
		services = execution.NewServiceManager(logger, sink)
	}
	if mode == "" {
		mode = FailureModeNoNew
	}

	engine := execution.NewEngine(resolver, nil, pool, logger, sink)
	ex := &Executor{
		Resolver:    resolver,
		Logger:      logger,
		Events:      sink,
		FailureMode: mode,
		engine:      engine,
		services:    services,
	}
	engine.Aborted = &ex.aborted
	return ex
}

// WithCache wires a cache store into the underlying Engine. Kept as a
// post-construction step (rather than a New() parameter) since a
// cache store is optional — WIREIT_CACHE=none disables it entirely.
func (ex *Executor) WithCache(store *cache.Store) {
	ex.engine.Cache = store
}

// Services returns the ServiceManager this Executor used, for hand-off
// to the next watch iteration.
func (ex *Executor) Services() *execution.ServiceManager {
	return ex.services
}

// Execute runs every root to completion (or cancellation), applying
// the configured FailureMode when any of them fails.
func (ex *Executor) Execute(ctx context.Context, roots []script.Reference) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]execution.Outcome, len(roots))
	g, gctx := errgroup.WithContext(ctx)
	for i, root := range roots {
		i, root := i, root
		g.Go(func() error {
			out, err := ex.engine.Run(gctx, root)
			outcomes[i] = out
			if err != nil {
				return err
			}
			if out.FinalState == execution.StandardFailed {
				ex.onFailure(cancel)
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, out := range outcomes {
		if out.Err != nil {
			errs = append(errs, out.Err)
		}
	}
	return Result{Outcomes: outcomes, Errors: errs}
}

// EnsureService starts or adopts a service script as part of this
// run's dependency graph (a Standard Execution that depends on a
// service waits on this instead of calling Engine.Run).
func (ex *Executor) EnsureService(ctx context.Context, cfg *script.ScriptConfig, fp execution.Outcome) execution.ServiceOutcome {
	return ex.services.Ensure(ctx, cfg, fp.Fingerprint)
}

func (ex *Executor) onFailure(cancel context.CancelFunc) {
	ex.mu.Lock()
	already := ex.failed
	ex.failed = true
	ex.mu.Unlock()
	if already {
		return
	}

	switch ex.FailureMode {
	case FailureModeContinue:
		// independent scripts keep running; only block new ones that
		// share the failed script as a dependency, which happens
		// naturally because their future never resolves successfully.
	case FailureModeNoNew:
		ex.aborted.Store(true)
	case FailureModeKill:
		ex.aborted.Store(true)
		ex.services.StopAll()
		cancel()
	}
}
