// Package childprocess adapts the teacher's process.Child (originally
// built for turbo's blocking, run-to-completion task model, itself
// based on hashicorp/consul-template's child process supervisor) to
// wireit's non-blocking script-child-process model: Start returns
// immediately, and callers observe completion through the Done
// channel, so an executor can run other work while a script executes.
package childprocess

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ExitCodeOK is the exit code of a script that exited successfully.
const ExitCodeOK = 0

// KillGracePeriod is how long a script gets to exit after SIGTERM
// before childprocess escalates to SIGKILL, matching the teacher's
// process.Child default kill timeout.
const KillGracePeriod = 10 * time.Second

// Result describes how a script child process finished.
type Result struct {
	ExitCode int
	// Killed is true if the process was terminated by Kill rather
	// than exiting on its own.
	Killed bool
	Err    error
}

// ScriptChildProcess manages one spawned script command: start it,
// observe stdout/stderr, and tear it down with a SIGTERM-then-SIGKILL
// grace period rather than turbo's blocking Manager.Exec call.
type ScriptChildProcess struct {
	cmd    *exec.Cmd
	logger hclog.Logger

	mu      sync.Mutex
	started bool
	done    chan Result
}

// New constructs a ScriptChildProcess for cmd. cmd must not have been
// started yet.
func New(cmd *exec.Cmd, logger hclog.Logger) *ScriptChildProcess {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ScriptChildProcess{cmd: cmd, logger: logger, done: make(chan Result, 1)}
}

// Start launches the child process and returns immediately; use Done
// to observe completion.
func (s *ScriptChildProcess) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	if err := s.cmd.Start(); err != nil {
		s.done <- Result{ExitCode: -1, Err: err}
		close(s.done)
		return err
	}

	go s.supervise()
	return nil
}

func (s *ScriptChildProcess) supervise() {
	err := s.cmd.Wait()
	result := Result{}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Err = err
			result.ExitCode = -1
		}
	}
	s.done <- result
	close(s.done)
}

// Done returns a channel that receives exactly one Result when the
// process exits, whether on its own or via Kill.
func (s *ScriptChildProcess) Done() <-chan Result {
	return s.done
}

// Kill sends a graceful termination signal and, if the process has not
// exited within KillGracePeriod, escalates to an unconditional kill.
// It mirrors the teacher's process.Child.Stop/StopImmediately pair.
func (s *ScriptChildProcess) Kill(ctx context.Context) {
	if s.cmd.Process == nil {
		return
	}
	// SIGTERM first; if it cannot be delivered, kill outright.
	if signalErr := s.cmd.Process.Signal(syscall.SIGTERM); signalErr != nil {
		_ = s.cmd.Process.Kill()
		return
	}

	select {
	case <-s.done:
		return
	case <-time.After(KillGracePeriod):
	case <-ctx.Done():
	}
	_ = s.cmd.Process.Kill()
}

// Pid returns the child's process id, or 0 if it has not started.
func (s *ScriptChildProcess) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
