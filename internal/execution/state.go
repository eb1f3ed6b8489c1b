// Package execution implements the two script execution state
// machines: Standard Execution (run-to-completion scripts) and
// Service Execution (long-running scripts adopted across watch
// iterations).
//
// Grounded on the teacher's run/real_run.go (cache-check, spawn,
// stream, save-outputs sequencing) and runcache/runcache.go
// (RestoreOutputs/SaveOutputs), restructured around per-script
// memoized futures instead of a single DAG walk (core/engine.go's
// Execute), because wireit's dependency graph is discovered
// incrementally per invocation rather than built once up front — see
// DESIGN.md for the full rationale.
package execution

// StandardState is one state of the Standard Execution state machine.
type StandardState string

const (
	StandardInitial            StandardState = "initial"
	StandardExecutingDeps      StandardState = "executing-deps"
	StandardFingerprinting     StandardState = "fingerprinting"
	StandardCheckingFreshness  StandardState = "checking-freshness"
	StandardCheckingCache      StandardState = "checking-cache"
	StandardLocked             StandardState = "locked"
	StandardRunning            StandardState = "running"
	StandardSucceededFresh     StandardState = "succeeded-fresh"
	StandardSucceededFromCache StandardState = "succeeded-from-cache"
	StandardSucceeded          StandardState = "succeeded"
	StandardFailed             StandardState = "failed"
	StandardCancelled          StandardState = "cancelled"
	StandardAborted            StandardState = "aborted"
)

// Terminal reports whether s is one of the states a Standard Execution
// does not transition out of.
func (s StandardState) Terminal() bool {
	switch s {
	case StandardSucceededFresh, StandardSucceededFromCache, StandardSucceeded,
		StandardFailed, StandardCancelled, StandardAborted:
		return true
	default:
		return false
	}
}

// ServiceState is one state of the Service Execution state machine.
type ServiceState string

const (
	ServiceInitial             ServiceState = "initial"
	ServiceExecutingDeps       ServiceState = "executing-deps"
	ServiceFingerprinting      ServiceState = "fingerprinting"
	ServiceCheckingAdoptable   ServiceState = "checking-adoptable"
	ServiceAdopted             ServiceState = "adopted"
	ServiceLocked              ServiceState = "locked"
	ServiceStarting            ServiceState = "starting"
	ServiceWaitingForReady     ServiceState = "waiting-for-ready"
	ServiceReady               ServiceState = "ready"
	ServiceDetached            ServiceState = "detached"
	ServiceStopping            ServiceState = "stopping"
	ServiceCascadingShutdown   ServiceState = "cascading-shutdown"
	ServiceStopped             ServiceState = "stopped"
	ServiceFailedToStart       ServiceState = "failed-to-start"
	ServiceCrashed             ServiceState = "crashed"
	ServiceAborted             ServiceState = "aborted"
)

// Terminal reports whether s is one of the states a Service Execution
// does not transition out of within a single watch iteration (Adopted
// services instead continue into the next iteration's FSM instance).
func (s ServiceState) Terminal() bool {
	switch s {
	case ServiceStopped, ServiceFailedToStart, ServiceCrashed, ServiceAborted:
		return true
	default:
		return false
	}
}
