// Package events defines the domain event stream the execution engine
// emits for an (external) presentation layer to render. This is
// distinct from the structured diagnostic logging every package does
// through an injected hclog.Logger: events are the user-facing
// contract, logs are for debugging wireit itself.
package events

import (
	"time"

	"github.com/google/wireit-sub001/internal/script"
)

// Kind tags which variant of Event this is.
type Kind string

const (
	// KindStateChange fires whenever a script's execution state
	// machine transitions.
	KindStateChange Kind = "state-change"
	// KindOutput fires for a chunk of a running script's stdout or
	// stderr.
	KindOutput Kind = "output"
	// KindCacheHit fires when a script's result was restored from
	// cache instead of being run.
	KindCacheHit Kind = "cache-hit"
	// KindFingerprintDiff fires when a script is about to run because
	// its fingerprint changed, explaining what changed.
	KindFingerprintDiff Kind = "fingerprint-diff"
	// KindFailure fires when a script fails.
	KindFailure Kind = "failure"
	// KindWatchIterationStart fires at the start of each watch
	// iteration.
	KindWatchIterationStart Kind = "watch-iteration-start"
	// KindWatchIterationEnd fires at the end of each watch iteration,
	// reporting whether it succeeded.
	KindWatchIterationEnd Kind = "watch-iteration-end"
)

// Event is a single domain event, tagged by Kind with only the
// corresponding field populated.
type Event struct {
	Kind      Kind
	Time      time.Time
	Script    script.Reference
	State     string
	Stream    string // "stdout" or "stderr", for KindOutput
	Data      []byte // for KindOutput
	Reason    string // free-form explanation, for KindFingerprintDiff/KindFailure
	Succeeded bool   // for KindWatchIterationEnd
}

// Sink receives the event stream. Presentation layers implement this;
// the engine only ever writes to it.
type Sink interface {
	Emit(Event)
}

// ChannelSink is a Sink backed by a buffered channel, for callers that
// want to consume events from a separate goroutine (the typical shape
// for a presentation layer driving a terminal UI).
type ChannelSink chan Event

// Emit implements Sink. It never blocks indefinitely: if the channel
// is full, the event is dropped rather than stalling script execution,
// since a slow or absent presentation layer must never be able to wedge
// the engine.
func (c ChannelSink) Emit(e Event) {
	select {
	case c <- e:
	default:
	}
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) ChannelSink {
	return make(ChannelSink, buffer)
}

// NopSink discards every event; useful for tests and for running the
// engine headless.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}
