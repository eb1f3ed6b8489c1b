// Package script defines wireit's external data model: the shape of a
// script as it exists after package.json parsing has already happened
// upstream. Nothing in this package touches a filesystem or a JSON
// decoder; it is the contract between the (external) config parser and
// the execution engine.
package script

import "fmt"

// Reference identifies a script: the package directory it lives in,
// and its name within that package's configuration.
type Reference struct {
	PackageDir string
	Name       string
}

// String renders a Reference the way log lines and error messages
// throughout the engine expect to see it.
func (r Reference) String() string {
	return fmt.Sprintf("%s:%s", r.PackageDir, r.Name)
}

// Clean controls when wireit is allowed to delete a script's declared
// output files before running it.
type Clean string

const (
	// CleanTrue removes output files before every run.
	CleanTrue Clean = "true"
	// CleanFalse never removes output files.
	CleanFalse Clean = "false"
	// CleanIfFileDeleted removes output files only when the previous
	// fingerprint recorded an output that the filesystem no longer
	// has, i.e. the user deleted it out from under wireit.
	CleanIfFileDeleted Clean = "if-file-deleted"
)

// Dependency is one entry in a script's `dependencies` list: a
// reference to another script, optionally made conditional by a cascade
// setting.
type Dependency struct {
	Script Reference
	// Cascade controls whether this dependency's fingerprint
	// participates in the dependent script's own fingerprint. When
	// false, the dependency is still awaited before the dependent
	// runs, but changes to it (a different command, different inputs,
	// a different result) do not by themselves invalidate the
	// dependent's cached result.
	Cascade bool
}

// Pattern is a single glob pattern as written in `files`/`output`. A
// leading `!` negates (excludes) matches of the remainder of the
// pattern; a leading `/` anchors the pattern to the package directory
// instead of matching at any depth.
type Pattern string

// Negated reports whether this pattern excludes matches.
func (p Pattern) Negated() bool {
	return len(p) > 0 && p[0] == '!'
}

// Anchored reports whether this pattern is anchored to the package
// root rather than matching at any directory depth.
func (p Pattern) Anchored() bool {
	body := string(p)
	if p.Negated() {
		body = body[1:]
	}
	return len(body) > 0 && body[0] == '/'
}

// Body strips the leading `!` and `/` markers, returning the raw glob
// expression to hand to a glob matcher.
func (p Pattern) Body() string {
	body := string(p)
	if p.Negated() {
		body = body[1:]
	}
	if len(body) > 0 && body[0] == '/' {
		body = body[1:]
	}
	return body
}

// EnvSpec declares which environment variables are fingerprint inputs
// for a script.
type EnvSpec struct {
	// Names lists specific environment variable names to include.
	Names []string
	// External lists names that are fingerprint inputs but are not
	// considered to make the script "not fully tracked" when unset.
	External []string
}

// ServiceSpec configures a script as a long-running service rather
// than a one-shot standard script.
type ServiceSpec struct {
	// ReadyWhen describes how wireit decides the service has finished
	// starting up; nil means "ready as soon as the process starts".
	ReadyWhen *ReadyCondition
	// Cascade controls whether this service unexpectedly exiting
	// should fail the scripts that depend on it, the same way
	// Dependency.Cascade controls fingerprint participation for a
	// standard dependency. Only meaningful outside of watch mode.
	Cascade bool
	// IsPersistent marks a service as surviving past the run that
	// started it: it keeps running until the whole watch session ends
	// rather than stopping once its last consumer's run completes.
	IsPersistent bool
}

// ReadyCondition describes a condition used to detect service
// readiness.
type ReadyCondition struct {
	// LineMatches, if set, is a regular expression; the service is
	// considered ready the moment a line of its combined stdout/stderr
	// output matches it.
	LineMatches string
}

// ScriptConfig is the fully-resolved, post-parse configuration for a
// single script.
type ScriptConfig struct {
	Reference Reference

	// Command is the shell command line to execute. Empty for a script
	// that exists only to sequence its dependencies.
	Command string

	// ExtraArgs are appended arguments passed through to Command at
	// invocation time (e.g. from a CLI's `-- --watch` passthrough).
	// They are a fingerprint input distinct from Command itself, since
	// the same command run with different extra arguments can produce
	// different output.
	ExtraArgs []string

	Dependencies []Dependency

	// Files are fingerprint input glob patterns, relative to
	// PackageDir. A nil slice (as distinct from an empty one) marks
	// the script as not fully tracked with respect to file inputs.
	Files []Pattern

	// Output are glob patterns describing files this script produces,
	// used both for caching and for Clean.
	Output []Pattern

	Env EnvSpec

	Clean Clean

	// Service is non-nil if this script is a long-running service
	// rather than a standard, run-to-completion script.
	Service *ServiceSpec
}

// FullyTracked reports whether this script declares its input file
// patterns, i.e. whether Files is non-nil. It looks at this script's
// own configuration only: neither Output nor the tracking state of its
// dependencies is considered.
func (c *ScriptConfig) FullyTracked() bool {
	return c.Files != nil
}

// IsService reports whether this script is a service rather than a
// standard script.
func (c *ScriptConfig) IsService() bool {
	return c.Service != nil
}
