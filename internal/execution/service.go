package execution

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/google/wireit-sub001/internal/childprocess"
	"github.com/google/wireit-sub001/internal/events"
	"github.com/google/wireit-sub001/internal/fingerprint"
	"github.com/google/wireit-sub001/internal/script"
)

// ServiceOutcome is the result of asking the ServiceManager to ensure
// a service script is running.
type ServiceOutcome struct {
	Reference   script.Reference
	FinalState  ServiceState
	Fingerprint fingerprint.Fingerprint
	Err         error
}

// runningService tracks one service script that may outlive the watch
// iteration that started it, since a service whose fingerprint is
// unchanged is adopted by the next iteration rather than restarted.
type runningService struct {
	ref          script.Reference
	fingerprint  fingerprint.Fingerprint
	child        *childprocess.ScriptChildProcess
	state        ServiceState
	ready        chan struct{}
	stopped      chan struct{}
	isPersistent bool
	cascade      bool
}

// ServiceManager owns every service script across the lifetime of a
// watch session. It is constructed once per wireit invocation (not
// once per watch iteration, unlike Engine) precisely so services can
// be adopted across iterations instead of being torn down and
// restarted every time a file changes.
//
// Grounded on the same run/real_run.go sequencing as Engine, but
// services never reach a terminal succeeded state while adopted: they
// stay in ServiceReady until explicitly stopped or until they crash on
// their own.
type ServiceManager struct {
	Logger hclog.Logger
	Events events.Sink

	mu       sync.Mutex
	services map[script.Reference]*runningService
}

// NewServiceManager constructs an empty ServiceManager.
func NewServiceManager(logger hclog.Logger, sink events.Sink) *ServiceManager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &ServiceManager{Logger: logger, Events: sink, services: make(map[script.Reference]*runningService)}
}

func (m *ServiceManager) emit(ref script.Reference, state ServiceState) {
	m.Events.Emit(events.Event{Kind: events.KindStateChange, Time: time.Now(), Script: ref, State: string(state)})
}

// Ensure starts cfg's service if it is not already running with a
// matching fingerprint, or adopts the already-running instance if it
// is.
func (m *ServiceManager) Ensure(ctx context.Context, cfg *script.ScriptConfig, fp fingerprint.Fingerprint) ServiceOutcome {
	ref := cfg.Reference
	m.emit(ref, ServiceInitial)
	m.emit(ref, ServiceCheckingAdoptable)

	m.mu.Lock()
	existing, exists := m.services[ref]
	m.mu.Unlock()

	if exists {
		select {
		case <-existing.stopped:
			// The previous instance crashed or was stopped since the
			// last time anyone checked; fall through and start fresh.
		default:
			if existing.fingerprint.Equal(fp) {
				m.emit(ref, ServiceAdopted)
				return ServiceOutcome{Reference: ref, FinalState: ServiceAdopted, Fingerprint: fp}
			}
			m.stopOne(existing)
		}
	}

	return m.start(ctx, cfg, fp)
}

func (m *ServiceManager) start(ctx context.Context, cfg *script.ScriptConfig, fp fingerprint.Fingerprint) ServiceOutcome {
	ref := cfg.Reference
	m.emit(ref, ServiceLocked)

	cmd := exec.CommandContext(context.Background(), "/bin/sh", "-c", cfg.Command)
	cmd.Dir = ref.PackageDir
	cmd.Stderr = os.Stderr

	var readyLine *regexp.Regexp
	if cfg.Service != nil && cfg.Service.ReadyWhen != nil && cfg.Service.ReadyWhen.LineMatches != "" {
		compiled, err := regexp.Compile(cfg.Service.ReadyWhen.LineMatches)
		if err != nil {
			m.emit(ref, ServiceFailedToStart)
			return ServiceOutcome{Reference: ref, FinalState: ServiceFailedToStart, Err: err}
		}
		readyLine = compiled
	}

	rs := &runningService{ref: ref, fingerprint: fp, ready: make(chan struct{}), stopped: make(chan struct{})}
	if cfg.Service != nil {
		rs.isPersistent = cfg.Service.IsPersistent
		rs.cascade = cfg.Service.Cascade
	}

	pr, pw := io.Pipe()
	cmd.Stdout = io.MultiWriter(os.Stdout, pw)

	child := childprocess.New(cmd, m.Logger.Named(ref.String()))
	rs.child = child

	m.emit(ref, ServiceStarting)
	if err := child.Start(); err != nil {
		m.emit(ref, ServiceFailedToStart)
		return ServiceOutcome{Reference: ref, FinalState: ServiceFailedToStart, Err: err}
	}

	go m.watchStdout(pr, readyLine, rs)
	go m.watchExit(child, rs)

	m.emit(ref, ServiceWaitingForReady)
	select {
	case <-rs.ready:
		m.emit(ref, ServiceReady)
	case <-rs.stopped:
		m.emit(ref, ServiceCrashed)
		return ServiceOutcome{Reference: ref, FinalState: ServiceCrashed, Fingerprint: fp}
	case <-ctx.Done():
		m.stopOne(rs)
		m.emit(ref, ServiceAborted)
		return ServiceOutcome{Reference: ref, FinalState: ServiceAborted, Err: ctx.Err()}
	}

	m.mu.Lock()
	m.services[ref] = rs
	m.mu.Unlock()

	return ServiceOutcome{Reference: ref, FinalState: ServiceReady, Fingerprint: fp}
}

// watchStdout scans the service's stdout for the ready-when line, if
// any, and closes rs.ready the first time it matches. If no
// ReadyWhen was declared, rs.ready is closed as soon as the scanner
// goroutine starts, since a service with no declared readiness signal
// is considered ready the moment it starts.
func (m *ServiceManager) watchStdout(r io.Reader, readyLine *regexp.Regexp, rs *runningService) {
	if readyLine == nil {
		close(rs.ready)
	}
	scanner := bufio.NewScanner(r)
	closed := readyLine == nil
	for scanner.Scan() {
		if readyLine != nil && !closed && readyLine.MatchString(scanner.Text()) {
			closed = true
			close(rs.ready)
		}
	}
}

func (m *ServiceManager) watchExit(child *childprocess.ScriptChildProcess, rs *runningService) {
	<-child.Done()
	close(rs.stopped)
}

func (m *ServiceManager) stopOne(rs *runningService) {
	m.emit(rs.ref, ServiceStopping)
	rs.child.Kill(context.Background())
	<-rs.stopped
	m.mu.Lock()
	delete(m.services, rs.ref)
	m.mu.Unlock()
	m.emit(rs.ref, ServiceStopped)
}

// StopAll performs a cascading shutdown of every running service, in
// no particular order; used when a watch session is draining on
// SIGINT or when the whole run is aborting.
func (m *ServiceManager) StopAll() {
	m.mu.Lock()
	all := make([]*runningService, 0, len(m.services))
	for _, rs := range m.services {
		all = append(all, rs)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, rs := range all {
		rs := rs
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.emit(rs.ref, ServiceCascadingShutdown)
			m.stopOne(rs)
		}()
	}
	wg.Wait()
}

// StopNonPersistent stops every running service not marked
// IsPersistent, leaving persistent services running for adoption by
// the next watch iteration. Called once a watch iteration's run has
// finished, so a non-persistent service's lifetime ends with its last
// consumer's run as spec'd, while a persistent one survives until the
// whole watch session ends (via StopAll).
func (m *ServiceManager) StopNonPersistent() {
	m.mu.Lock()
	var toStop []*runningService
	for _, rs := range m.services {
		if !rs.isPersistent {
			toStop = append(toStop, rs)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, rs := range toStop {
		rs := rs
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.stopOne(rs)
		}()
	}
	wg.Wait()
}

// Detach marks a service as intentionally left running beyond this
// process's lifetime (wireit's --detach equivalent for long-lived
// services), removing it from this manager's bookkeeping without
// stopping it.
func (m *ServiceManager) Detach(ref script.Reference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.services[ref]; ok {
		m.emit(ref, ServiceDetached)
		delete(m.services, ref)
		_ = rs
	}
}
