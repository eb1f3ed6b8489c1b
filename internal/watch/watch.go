// Package watch implements the Watch Controller: it reruns the
// executor whenever a watched package changes, debouncing bursts of
// filesystem activity and handing persistent services forward from
// one iteration to the next.
//
// Grounded on the teacher's internal/daemon + internal/runsummary
// hand-off pattern (a long-lived process re-invoking the run pipeline
// on file events) restructured around this repository's
// internal/executor and internal/filewatcher.
package watch

import (
	"context"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/google/wireit-sub001/internal/config"
	"github.com/google/wireit-sub001/internal/events"
	"github.com/google/wireit-sub001/internal/execution"
	"github.com/google/wireit-sub001/internal/executor"
	"github.com/google/wireit-sub001/internal/filewatcher"
	"github.com/google/wireit-sub001/internal/script"
	"github.com/google/wireit-sub001/internal/turbopath"
	"github.com/google/wireit-sub001/internal/workerpool"
)

// DefaultDebounce is how long the controller waits after the last
// observed file event before starting a new iteration, absorbing the
// burst of events a single save (or an npm install) tends to produce.
const DefaultDebounce = 50 * time.Millisecond

// Controller drives repeated executor instantiation in response to
// filesystem changes under the watched package directories.
type Controller struct {
	Resolver    config.Resolver
	Pool        *workerpool.Pool
	Logger      hclog.Logger
	Events      events.Sink
	FailureMode executor.FailureMode
	Debounce    time.Duration

	changed    chan struct{}
	lastFailed map[script.Reference]execution.Outcome
}

// NewController constructs a Controller ready to Run.
func NewController(resolver config.Resolver, pool *workerpool.Pool, logger hclog.Logger, sink events.Sink) *Controller {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Controller{
		Resolver:    resolver,
		Pool:        pool,
		Logger:      logger.Named("watch"),
		Events:      sink,
		FailureMode: executor.FailureModeNoNew,
		Debounce:    DefaultDebounce,
		changed:     make(chan struct{}, 1),
		lastFailed:  make(map[script.Reference]execution.Outcome),
	}
}

// OnFileWatchEvent implements filewatcher.FileWatchClient. Any event
// schedules a debounced rerun; the content of the event doesn't matter
// because a fresh fingerprint computation on the next iteration is
// what actually decides whether anything needs to run again.
func (c *Controller) OnFileWatchEvent(filewatcher.Event) {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// OnFileWatchError implements filewatcher.FileWatchClient.
func (c *Controller) OnFileWatchError(err error) {
	c.Logger.Warn("file watching reported an error, continuing", "error", err)
}

// OnFileWatchClosed implements filewatcher.FileWatchClient.
func (c *Controller) OnFileWatchClosed() {
	c.Logger.Warn("file watching closed")
}

// Run watches every package directory reachable from roots (via their
// declared dependencies) and reruns the executor on every debounced
// change, until ctx is cancelled (e.g. by SIGINT). On cancellation it
// drains: the in-flight iteration's services are stopped and Run
// returns nil.
func (c *Controller) Run(ctx context.Context, roots []script.Reference) error {
	backend, err := filewatcher.GetPlatformSpecificBackend(c.Logger)
	if err != nil {
		return err
	}
	repoRoot, err := currentRepoRoot()
	if err != nil {
		return err
	}
	fw := filewatcher.New(c.Logger, repoRoot, backend)
	if err := fw.Start(); err != nil {
		return err
	}
	defer fw.Close()
	fw.AddClient(c)

	packageDirs, err := c.watchedPackageDirs(roots)
	if err != nil {
		return err
	}
	for _, dir := range packageDirs {
		if err := fw.AddRoot(repoRoot.UntypedJoin(dir), "**/node_modules/**", "**/.wireit/**"); err != nil {
			return err
		}
	}

	var services *execution.ServiceManager
	for {
		c.Events.Emit(events.Event{Kind: events.KindWatchIterationStart, Time: time.Now()})
		result, iterationServices := c.runIteration(ctx, roots, services)
		services = iterationServices

		succeeded := len(result.Errors) == 0
		for _, outcome := range result.Outcomes {
			if outcome.Err != nil {
				succeeded = false
			}
		}
		c.Events.Emit(events.Event{Kind: events.KindWatchIterationEnd, Time: time.Now(), Succeeded: succeeded})

		select {
		case <-ctx.Done():
			if services != nil {
				services.StopAll()
			}
			return nil
		case <-c.changed:
			c.drainBurst()
		}
	}
}

// runIteration runs one pass of the executor, relabeling any failure
// that recurs with an identical fingerprint to the previous iteration
// as a repeat rather than a new failure, per the "failed-previous-
// watch-iteration" reporting rule. It returns the executor's
// ServiceManager so persistent services can be adopted by the next
// iteration.
func (c *Controller) runIteration(ctx context.Context, roots []script.Reference, services *execution.ServiceManager) (executor.Result, *execution.ServiceManager) {
	ex := executor.New(c.Resolver, c.Pool, c.Logger, c.Events, services, c.FailureMode)
	result := ex.Execute(ctx, roots)

	// Non-persistent services only live as long as the run that
	// requested them; stop them now that this iteration is done, and
	// leave persistent ones running for the next iteration to adopt.
	ex.Services().StopNonPersistent()

	nextFailed := make(map[script.Reference]execution.Outcome)
	for _, outcome := range result.Outcomes {
		if outcome.Err == nil {
			continue
		}
		if prev, ok := c.lastFailed[outcome.Reference]; ok && prev.Fingerprint.Equal(outcome.Fingerprint) {
			c.Events.Emit(events.Event{
				Kind:   events.KindFailure,
				Time:   time.Now(),
				Script: outcome.Reference,
				Reason: "failed-previous-watch-iteration",
			})
		}
		nextFailed[outcome.Reference] = outcome
	}
	c.lastFailed = nextFailed

	return result, ex.Services()
}

// drainBurst absorbs any additional change notifications that arrive
// within the debounce window, so a save that touches many files only
// triggers a single rerun.
func (c *Controller) drainBurst() {
	timer := time.NewTimer(c.Debounce)
	defer timer.Stop()
	for {
		select {
		case <-c.changed:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.Debounce)
		case <-timer.C:
			return
		}
	}
}

func (c *Controller) watchedPackageDirs(roots []script.Reference) ([]string, error) {
	seen := make(map[string]bool)
	var dirs []string
	var visit func(ref script.Reference) error
	visit = func(ref script.Reference) error {
		cfg, err := c.Resolver.ScriptConfig(ref)
		if err != nil {
			return err
		}
		if !seen[cfg.Reference.PackageDir] {
			seen[cfg.Reference.PackageDir] = true
			dirs = append(dirs, cfg.Reference.PackageDir)
		}
		for _, dep := range cfg.Dependencies {
			if err := visit(dep.Script); err != nil {
				return err
			}
		}
		return nil
	}
	for _, root := range roots {
		if err := visit(root); err != nil {
			return nil, err
		}
	}
	return dirs, nil
}

func currentRepoRoot() (turbopath.AbsoluteSystemPath, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return turbopath.AbsoluteSystemPathFromUpstream(cwd), nil
}
