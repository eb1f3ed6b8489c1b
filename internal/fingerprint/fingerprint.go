// Package fingerprint computes the canonical digest used to decide
// whether a script's previous result is still fresh. A Fingerprint is
// a deterministic function of everything that can change a script's
// output: its command, its own declared inputs, and the fingerprints
// of the things it depends on.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/wireit-sub001/internal/manifest"
)

// ErrNotFullyTracked describes a script (or one of its dependencies)
// that has not declared enough input information for wireit to trust a
// fingerprint comparison. Compute does not return it.
var ErrNotFullyTracked = errors.New("fingerprint: script is not fully tracked")

// Fingerprint is the canonical digest of a script's fingerprintable
// state, plus the raw field values it was computed from so a
// Difference can explain exactly what changed.
type Fingerprint struct {
	Digest string
	fields fields
}

// fields holds the ordered inputs that make up a fingerprint, one per
// spec-defined fingerprint field (service_config bundles ready_when,
// is_persistent and cascade into a single nested value). Field order
// is part of the digest's definition: changing the order here changes
// every fingerprint this engine has ever produced, so it must never be
// reordered casually.
type fields struct {
	// 1. The platform this script ran on.
	Platform string `json:"platform"`
	// 2. The CPU architecture this script ran on.
	Architecture string `json:"architecture"`
	// 3. Wireit's own version, so an engine upgrade invalidates stale
	// results if its behavior changed.
	WireitVersion string `json:"wireitVersion"`
	// 4. The script's command line.
	Command string `json:"command"`
	// 5. Extra arguments appended to Command at invocation time.
	ExtraArgs []string `json:"extraArgs"`
	// 6. Whether this script is a service, and if so its service
	// configuration. Nil for a standard script.
	ServiceConfig *serviceConfigFields `json:"serviceConfig"`
	// 7. The declared Clean policy.
	Clean string `json:"clean"`
	// 8. The resolved environment variable key=value pairs.
	Env []string `json:"env"`
	// 9. Names of environment variables that were declared but unset.
	MissingEnv []string `json:"missingEnv"`
	// 10. The file input manifest: sorted (path, entry) pairs.
	Files []manifestEntry `json:"files"`
	// 11. Whether the file input set is "fully tracked".
	FilesFullyTracked bool `json:"filesFullyTracked"`
	// 12. The output glob patterns, verbatim, in declaration order.
	OutputGlobs []string `json:"outputGlobs"`
	// 13. Fingerprints of this script's own dependencies, keyed by
	// dependency reference string, sorted by key. A cascade:false
	// dependency's digest is folded in as cascadeExcludedDigest
	// instead of its real digest, so changes to it do not change this
	// script's own digest.
	Dependencies []dependencyDigest `json:"dependencies"`
	// 14. Whether every dependency (transitively) is fully tracked.
	DependenciesFullyTracked bool `json:"dependenciesFullyTracked"`
}

// serviceConfigFields is the fingerprint representation of
// script.ServiceSpec: spec field 8, folded into fields as a single
// nested value rather than four flat fields.
type serviceConfigFields struct {
	ReadyWhen    string `json:"readyWhen,omitempty"`
	IsPersistent bool   `json:"isPersistent"`
	Cascade      bool   `json:"cascade"`
}

type manifestEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Hash string `json:"hash,omitempty"`
}

// cascadeExcludedDigest is folded into a dependent's fingerprint in
// place of a cascade:false dependency's real digest, so that
// dependency's own changes never invalidate the dependent while its
// presence (and Cascade flag) still participate in the digest.
const cascadeExcludedDigest = "cascade-excluded"

type dependencyDigest struct {
	Reference string `json:"reference"`
	Digest    string `json:"digest"`
	Cascade   bool   `json:"cascade"`
}

// Input collects everything Compute needs to build a Fingerprint for
// a single script. It is deliberately flat rather than referencing
// script.ScriptConfig directly, so this package does not need to know
// how dependency fingerprints were themselves produced.
type Input struct {
	Platform      string
	Architecture  string
	WireitVersion string
	Command       string
	ExtraArgs     []string
	Clean         string

	// Service is non-nil when the script being fingerprinted is a
	// service; its fields become the serviceConfig fingerprint field.
	Service *ServiceConfigInput

	Env        map[string]string
	MissingEnv []string

	Files             []manifest.Entry
	FilesFullyTracked bool

	OutputGlobs []string

	// Dependencies maps a dependency's reference string to its
	// already-computed Fingerprint and whether that dependency is
	// cascading for this script.
	Dependencies map[string]DependencyInput
}

// ServiceConfigInput mirrors script.ServiceSpec without this package
// depending on the script package.
type ServiceConfigInput struct {
	ReadyWhen    string
	IsPersistent bool
	Cascade      bool
}

// DependencyInput pairs an already-computed dependency Fingerprint
// with whether that dependency is cascading, i.e. whether its digest
// should participate in the dependent's own fingerprint.
type DependencyInput struct {
	Fingerprint Fingerprint
	Cascade     bool
}

// Compute builds the Fingerprint for in. It never returns
// ErrNotFullyTracked itself — whether the result can be trusted is
// reported by FullyTracked() on the returned Fingerprint, which also
// accounts for dependencies; Compute always produces a digest, because even a
// not-fully-tracked script must record a best-effort fingerprint to
// report meaningful differences on the next run.
func Compute(in Input) Fingerprint {
	f := fields{
		Platform:          in.Platform,
		Architecture:      in.Architecture,
		WireitVersion:     in.WireitVersion,
		Command:           in.Command,
		ExtraArgs:         append([]string(nil), in.ExtraArgs...),
		Clean:             in.Clean,
		FilesFullyTracked: in.FilesFullyTracked,
		OutputGlobs:       append([]string(nil), in.OutputGlobs...),
	}
	if in.Service != nil {
		f.ServiceConfig = &serviceConfigFields{
			ReadyWhen:    in.Service.ReadyWhen,
			IsPersistent: in.Service.IsPersistent,
			Cascade:      in.Service.Cascade,
		}
	}

	envKeys := make([]string, 0, len(in.Env))
	for k := range in.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		f.Env = append(f.Env, k+"="+in.Env[k])
	}
	f.MissingEnv = append([]string(nil), in.MissingEnv...)
	sort.Strings(f.MissingEnv)

	f.Files = make([]manifestEntry, 0, len(in.Files))
	for _, e := range in.Files {
		f.Files = append(f.Files, manifestEntry{Path: e.Path, Type: string(e.Type), Hash: e.Hash})
	}
	sort.Slice(f.Files, func(i, j int) bool { return f.Files[i].Path < f.Files[j].Path })

	depsFullyTracked := true
	depKeys := make([]string, 0, len(in.Dependencies))
	for k := range in.Dependencies {
		depKeys = append(depKeys, k)
	}
	sort.Strings(depKeys)
	for _, k := range depKeys {
		dep := in.Dependencies[k]
		digest := cascadeExcludedDigest
		if dep.Cascade {
			digest = dep.Fingerprint.Digest
		}
		f.Dependencies = append(f.Dependencies, dependencyDigest{Reference: k, Digest: digest, Cascade: dep.Cascade})
		if !dep.Fingerprint.fields.FilesFullyTracked || !dep.Fingerprint.fields.DependenciesFullyTracked {
			depsFullyTracked = false
		}
	}
	f.DependenciesFullyTracked = depsFullyTracked

	digest := digestOf(f)
	return Fingerprint{Digest: digest, fields: f}
}

// digestOf marshals fields to canonical JSON (struct field order is
// fixed and map-free, so json.Marshal output is deterministic here)
// and returns the hex-encoded SHA-256 of the result.
func digestOf(f fields) string {
	// json.Marshal is deterministic for this type: every field is
	// either a scalar or a slice built in a fixed, pre-sorted order
	// above, never a map.
	b, err := json.Marshal(f)
	if err != nil {
		// fields contains nothing that can fail to marshal.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FullyTracked reports whether this fingerprint was computed from a
// fully tracked script: every declared input was enumerable, and every
// dependency was itself fully tracked.
func (f Fingerprint) FullyTracked() bool {
	return f.fields.FilesFullyTracked && f.fields.DependenciesFullyTracked
}

// Equal reports whether two fingerprints have the same digest.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Digest == other.Digest
}

// Difference describes one field-level change between two
// fingerprints of the same script, for diagnostic reporting.
type Difference struct {
	Field string
	Prev  string
	Next  string
}

// Diff explains why prev and next differ, for presentation layers that
// want to tell a user "rebuilding because X changed". Returns nil if
// the fingerprints are equal.
func Diff(prev, next Fingerprint) []Difference {
	if prev.Equal(next) {
		return nil
	}
	var diffs []Difference
	add := func(field, a, b string) {
		if a != b {
			diffs = append(diffs, Difference{Field: field, Prev: a, Next: b})
		}
	}
	add("command", prev.fields.Command, next.fields.Command)
	add("clean", prev.fields.Clean, next.fields.Clean)
	if len(prev.fields.Env) != len(next.fields.Env) || !stringSliceEqual(prev.fields.Env, next.fields.Env) {
		diffs = append(diffs, Difference{Field: "env", Prev: joinSlice(prev.fields.Env), Next: joinSlice(next.fields.Env)})
	}
	if !filesEqual(prev.fields.Files, next.fields.Files) {
		diffs = append(diffs, Difference{Field: "files"})
	}
	if !depsEqual(prev.fields.Dependencies, next.fields.Dependencies) {
		diffs = append(diffs, Difference{Field: "dependencies"})
	}
	if len(diffs) == 0 {
		// Digest differs but no individual field we compare explains
		// it (e.g. platform, architecture or wireit version changed).
		add("platform", prev.fields.Platform, next.fields.Platform)
		add("architecture", prev.fields.Architecture, next.fields.Architecture)
		add("wireitVersion", prev.fields.WireitVersion, next.fields.WireitVersion)
	}
	return diffs
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinSlice(s []string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func filesEqual(a, b []manifestEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func depsEqual(a, b []dependencyDigest) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
