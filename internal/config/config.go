// Package config exposes the surface the (external) package.json config
// parser is expected to produce. Parsing itself is out of scope for
// this engine; this package only defines the Resolver contract the
// executor depends on, plus a minimal in-memory implementation used by
// tests and by the cmd/wireit demonstration binary.
package config

import (
	"fmt"

	"github.com/google/wireit-sub001/internal/script"
)

// Resolver looks up a script's fully-resolved configuration by
// reference. A real implementation would parse package.json (and any
// package.json files it transitively references through
// dependencies); that parser is an external collaborator of this
// engine.
type Resolver interface {
	ScriptConfig(ref script.Reference) (*script.ScriptConfig, error)
}

// ErrUnknownScript is returned by StaticResolver when asked for a
// script it was not configured with.
type ErrUnknownScript struct {
	Reference script.Reference
}

func (e *ErrUnknownScript) Error() string {
	return fmt.Sprintf("config: no script configuration for %s", e.Reference)
}

// StaticResolver is a Resolver backed by a fixed, in-memory map. It
// exists for tests and for driving the engine without a real
// package.json parser wired up.
type StaticResolver map[script.Reference]*script.ScriptConfig

// ScriptConfig implements Resolver.
func (r StaticResolver) ScriptConfig(ref script.Reference) (*script.ScriptConfig, error) {
	cfg, ok := r[ref]
	if !ok {
		return nil, &ErrUnknownScript{Reference: ref}
	}
	return cfg, nil
}
