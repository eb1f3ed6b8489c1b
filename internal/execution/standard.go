package execution

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"

	"github.com/google/wireit-sub001/internal/cache"
	"github.com/google/wireit-sub001/internal/childprocess"
	"github.com/google/wireit-sub001/internal/config"
	"github.com/google/wireit-sub001/internal/env"
	"github.com/google/wireit-sub001/internal/events"
	"github.com/google/wireit-sub001/internal/fingerprint"
	"github.com/google/wireit-sub001/internal/manifest"
	"github.com/google/wireit-sub001/internal/script"
	"github.com/google/wireit-sub001/internal/turbopath"
	"github.com/google/wireit-sub001/internal/workerpool"
)

// ErrCascadingFailure is returned for a script whose dependency failed.
// Any dependency failure cancels its dependents unconditionally;
// script.Dependency.Cascade governs fingerprint participation, not
// whether a failure propagates.
var ErrCascadingFailure = errors.New("execution: a dependency failed")

// Outcome is the result of running a single script to completion (or
// discovering it was already fresh / cached).
type Outcome struct {
	Reference   script.Reference
	FinalState  StandardState
	Fingerprint fingerprint.Fingerprint
	Err         error
}

// future memoizes exactly one script's execution outcome, shared by
// every other script that depends on it. This is the mechanism that
// replaces a single up-front DAG walk: each script recursively
// triggers its own dependencies the first time it is asked for, and
// every subsequent request for the same script reuses the same
// in-flight or completed future.
type future struct {
	done chan struct{}
	out  Outcome
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(out Outcome) {
	f.out = out
	close(f.done)
}

func (f *future) wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Engine drives Standard Execution for a run, memoizing one future per
// script reference so a script with multiple dependents only runs
// once.
type Engine struct {
	Resolver   config.Resolver
	Cache      *cache.Store
	Pool       *workerpool.Pool
	Logger     hclog.Logger
	Events     events.Sink
	WireitVersion string
	Platform      string
	Architecture  string
	Env           map[string]string

	mu      sync.Mutex
	futures map[script.Reference]*future
	// Aborted, if set, is consulted before starting any new script so
	// an Executor's failure-mode policy can halt the run in flight.
	Aborted *atomic.Bool
}

// NewEngine constructs an Engine. Its Aborted field starts nil; an
// Executor sets it after construction to apply its failure-mode policy.
func NewEngine(resolver config.Resolver, store *cache.Store, pool *workerpool.Pool, logger hclog.Logger, sink events.Sink) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Engine{
		Resolver: resolver,
		Cache:    store,
		Pool:     pool,
		Logger:   logger,
		Events:   sink,
		futures:  make(map[script.Reference]*future),
	}
}

// Run executes ref (and transitively, everything it depends on),
// memoized for the lifetime of this Engine.
func (e *Engine) Run(ctx context.Context, ref script.Reference) (Outcome, error) {
	e.mu.Lock()
	f, exists := e.futures[ref]
	if !exists {
		f = newFuture()
		e.futures[ref] = f
	}
	e.mu.Unlock()

	if !exists {
		go e.drive(ctx, ref, f)
	}
	return f.wait(ctx)
}

func (e *Engine) emit(ref script.Reference, state StandardState) {
	e.Events.Emit(events.Event{Kind: events.KindStateChange, Time: time.Now(), Script: ref, State: string(state)})
}

func (e *Engine) drive(ctx context.Context, ref script.Reference, f *future) {
	out := e.run(ctx, ref)
	f.resolve(out)
}

func (e *Engine) run(ctx context.Context, ref script.Reference) Outcome {
	e.emit(ref, StandardInitial)
	cfg, err := e.Resolver.ScriptConfig(ref)
	if err != nil {
		e.emit(ref, StandardFailed)
		return Outcome{Reference: ref, FinalState: StandardFailed, Err: err}
	}

	e.emit(ref, StandardExecutingDeps)
	depFingerprints, depErr := e.runDependencies(ctx, cfg)
	if depErr != nil {
		e.emit(ref, StandardFailed)
		return Outcome{Reference: ref, FinalState: StandardFailed, Err: depErr}
	}

	e.emit(ref, StandardFingerprinting)
	entries, filesFullyTracked, expandErr := manifest.Expand(ctx, cfg.Reference.PackageDir, cfg.Files)
	if expandErr != nil {
		e.emit(ref, StandardFailed)
		return Outcome{Reference: ref, FinalState: StandardFailed, Err: expandErr}
	}
	fp := e.computeFingerprint(cfg, entries, filesFullyTracked, depFingerprints)

	stateDir := e.stateDir(cfg)
	if mkErr := stateDir.MkdirAll(0775); mkErr != nil {
		e.emit(ref, StandardFailed)
		return Outcome{Reference: ref, FinalState: StandardFailed, Err: mkErr}
	}

	e.emit(ref, StandardCheckingFreshness)
	if prev, ok := e.readPreviousFingerprint(stateDir); ok && prev.Equal(fp) && fp.FullyTracked() && outputsPresent(cfg) {
		e.emit(ref, StandardSucceededFresh)
		return Outcome{Reference: ref, FinalState: StandardSucceededFresh, Fingerprint: fp}
	}

	if e.Cache != nil && fp.FullyTracked() {
		e.emit(ref, StandardCheckingCache)
		if hit, cacheErr := e.tryCache(ctx, cfg, fp, stateDir, entries); cacheErr != nil {
			e.Logger.Warn("cache fetch failed", "script", ref, "error", cacheErr)
		} else if hit {
			e.emit(ref, StandardSucceededFromCache)
			return Outcome{Reference: ref, FinalState: StandardSucceededFromCache, Fingerprint: fp}
		}
	}

	if cfg.Command == "" {
		// A script with no command exists only to sequence its
		// dependencies; once they've run, it is trivially successful.
		e.persistSuccess(stateDir, fp, entries)
		e.emit(ref, StandardSucceeded)
		return Outcome{Reference: ref, FinalState: StandardSucceeded, Fingerprint: fp}
	}

	if acquireErr := e.acquirePoolSlot(ctx); acquireErr != nil {
		e.emit(ref, StandardCancelled)
		return Outcome{Reference: ref, FinalState: StandardCancelled, Err: acquireErr}
	}
	defer e.Pool.Release()

	e.emit(ref, StandardLocked)
	lock, lockErr := acquireLock(stateDir)
	if lockErr != nil {
		e.emit(ref, StandardFailed)
		return Outcome{Reference: ref, FinalState: StandardFailed, Err: lockErr}
	}
	defer releaseLock(lock)

	if applyCleanErr := e.applyClean(cfg, stateDir); applyCleanErr != nil {
		e.emit(ref, StandardFailed)
		return Outcome{Reference: ref, FinalState: StandardFailed, Err: applyCleanErr}
	}

	e.emit(ref, StandardRunning)
	runErr := e.runCommand(ctx, cfg)
	if runErr != nil {
		e.emit(ref, StandardFailed)
		return Outcome{Reference: ref, FinalState: StandardFailed, Err: runErr}
	}

	if e.Cache != nil && fp.FullyTracked() {
		if putErr := e.saveToCache(ctx, cfg, fp); putErr != nil {
			e.Logger.Warn("cache store failed", "script", ref, "error", putErr)
		}
	}
	e.persistSuccess(stateDir, fp, entries)
	e.emit(ref, StandardSucceeded)
	return Outcome{Reference: ref, FinalState: StandardSucceeded, Fingerprint: fp}
}

// runDependencies runs every declared dependency, in no particular
// order beyond what each one's own dependency chain requires, and
// returns enough of each outcome for computeFingerprint to fold cascade
// participation in correctly. A dependency failing always fails the
// dependent: Cascade controls fingerprint participation, not whether a
// failure propagates.
func (e *Engine) runDependencies(ctx context.Context, cfg *script.ScriptConfig) (map[string]fingerprint.DependencyInput, error) {
	result := make(map[string]fingerprint.DependencyInput, len(cfg.Dependencies))
	for _, dep := range cfg.Dependencies {
		out, err := e.Run(ctx, dep.Script)
		if err != nil {
			return nil, err
		}
		result[dep.Script.String()] = fingerprint.DependencyInput{Fingerprint: out.Fingerprint, Cascade: dep.Cascade}
		if out.Err != nil || out.FinalState == StandardFailed {
			return nil, errors.Wrapf(ErrCascadingFailure, "dependency %s failed", dep.Script)
		}
	}
	return result, nil
}

func (e *Engine) computeFingerprint(cfg *script.ScriptConfig, entries []manifest.Entry, filesFullyTracked bool, deps map[string]fingerprint.DependencyInput) fingerprint.Fingerprint {
	envVarMap := env.EnvironmentVariableMap{}
	var missing []string
	for _, name := range cfg.Env.Names {
		if v, ok := lookupEnv(e.Env, name); ok {
			envVarMap[name] = v
		} else {
			missing = append(missing, name)
		}
	}
	for _, name := range cfg.Env.External {
		if v, ok := lookupEnv(e.Env, name); ok {
			envVarMap[name] = v
		}
	}
	// Fingerprint env values by their secret hash, not their plaintext,
	// so a Difference explaining why a script reran never surfaces the
	// actual value of an env var like an API token.
	envValues := make(map[string]string, len(envVarMap))
	for _, pair := range envVarMap.ToSecretHashable() {
		name, hashed, _ := strings.Cut(pair, "=")
		envValues[name] = hashed
	}

	outputGlobs := make([]string, len(cfg.Output))
	for i, p := range cfg.Output {
		outputGlobs[i] = string(p)
	}

	var svc *fingerprint.ServiceConfigInput
	if cfg.Service != nil {
		svc = &fingerprint.ServiceConfigInput{IsPersistent: cfg.Service.IsPersistent, Cascade: cfg.Service.Cascade}
		if cfg.Service.ReadyWhen != nil {
			svc.ReadyWhen = cfg.Service.ReadyWhen.LineMatches
		}
	}

	return fingerprint.Compute(fingerprint.Input{
		Platform:          e.Platform,
		Architecture:      e.Architecture,
		WireitVersion:     e.WireitVersion,
		Command:           cfg.Command,
		ExtraArgs:         cfg.ExtraArgs,
		Service:           svc,
		Clean:             string(cfg.Clean),
		Env:               envValues,
		MissingEnv:        missing,
		Files:             entries,
		FilesFullyTracked: filesFullyTracked,
		OutputGlobs:       outputGlobs,
		Dependencies:      deps,
	})
}

func lookupEnv(env map[string]string, name string) (string, bool) {
	if env != nil {
		v, ok := env[name]
		return v, ok
	}
	v, ok := os.LookupEnv(name)
	return v, ok
}

func (e *Engine) stateDir(cfg *script.ScriptConfig) turbopath.AbsoluteSystemPath {
	base := turbopath.AbsoluteSystemPathFromUpstream(cfg.Reference.PackageDir)
	return base.UntypedJoin(".wireit", scriptDirName(cfg.Reference.Name))
}

// stateFileName and manifestFileName are the two files wireit persists
// per script on a successful run: state holds the last successful
// fingerprint digest, manifest holds the file-manifest map (the files
// declared fingerprint input) as it stood at that run, so a later
// `clean: if-file-deleted` can tell whether an input the script relied
// on has since been removed.
const (
	stateFileName    = "state"
	manifestFileName = "manifest"
)

func (e *Engine) readPreviousFingerprint(stateDir turbopath.AbsoluteSystemPath) (fingerprint.Fingerprint, bool) {
	path := stateDir.UntypedJoin(stateFileName)
	b, err := path.ReadFile()
	if err != nil {
		return fingerprint.Fingerprint{}, false
	}
	return fingerprint.Fingerprint{Digest: string(b)}, true
}

// readPreviousManifest reads back the file-manifest map written by the
// last successful run, for `clean: if-file-deleted` to compare against
// the current filesystem. The second return value is false when no
// prior manifest exists (e.g. first run), per the documented
// conservative behavior of that clean mode.
func (e *Engine) readPreviousManifest(stateDir turbopath.AbsoluteSystemPath) ([]manifest.Entry, bool) {
	path := stateDir.UntypedJoin(manifestFileName)
	b, err := path.ReadFile()
	if err != nil {
		return nil, false
	}
	var entries []manifest.Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

// persistSuccess writes both the state and manifest files for a
// successful run (including a fresh cache hit), so the next run's
// freshness check and `clean: if-file-deleted` both have an accurate
// record of this run's inputs.
func (e *Engine) persistSuccess(stateDir turbopath.AbsoluteSystemPath, fp fingerprint.Fingerprint, entries []manifest.Entry) {
	statePath := stateDir.UntypedJoin(stateFileName)
	if err := statePath.WriteFile([]byte(fp.Digest), 0644); err != nil {
		e.Logger.Warn("failed to persist state", "error", err)
	}
	b, err := json.Marshal(entries)
	if err != nil {
		e.Logger.Warn("failed to marshal manifest", "error", err)
		return
	}
	manifestPath := stateDir.UntypedJoin(manifestFileName)
	if err := manifestPath.WriteFile(b, 0644); err != nil {
		e.Logger.Warn("failed to persist manifest", "error", err)
	}
}

func (e *Engine) tryCache(ctx context.Context, cfg *script.ScriptConfig, fp fingerprint.Fingerprint, stateDir turbopath.AbsoluteSystemPath, entries []manifest.Entry) (bool, error) {
	anchor := turbopath.AbsoluteSystemPathFromUpstream(cfg.Reference.PackageDir)
	hit, _, _, err := e.Cache.Fetch(ctx, anchor, cache.Key(fp.Digest))
	if err != nil {
		return false, err
	}
	if hit {
		e.persistSuccess(stateDir, fp, entries)
	}
	return hit, nil
}

func (e *Engine) saveToCache(ctx context.Context, cfg *script.ScriptConfig, fp fingerprint.Fingerprint) error {
	anchor := turbopath.AbsoluteSystemPathFromUpstream(cfg.Reference.PackageDir)
	entries, _, err := manifest.Expand(ctx, cfg.Reference.PackageDir, cfg.Output)
	if err != nil {
		return err
	}
	files := make([]turbopath.AnchoredSystemPath, len(entries))
	for i, entry := range entries {
		files[i] = turbopath.AnchoredSystemPath(entry.Path)
	}
	return e.Cache.Put(ctx, anchor, cache.Key(fp.Digest), 0, files)
}

func outputsPresent(cfg *script.ScriptConfig) bool {
	// A fully conservative check: the caller only reaches here when
	// the previous fingerprint already matched, so this only guards
	// against a user deleting declared outputs out from under a
	// freshly-matching fingerprint. A single missing declared output
	// glob is enough to force a rebuild.
	for _, pattern := range cfg.Output {
		if pattern.Negated() {
			continue
		}
		abs := turbopath.AbsoluteSystemPathFromUpstream(cfg.Reference.PackageDir).UntypedJoin(pattern.Body())
		if !abs.FileExists() && !abs.DirExists() {
			return false
		}
	}
	return true
}

func (e *Engine) applyClean(cfg *script.ScriptConfig, stateDir turbopath.AbsoluteSystemPath) error {
	switch cfg.Clean {
	case script.CleanTrue:
		return removeOutputs(cfg)
	case script.CleanIfFileDeleted:
		if e.inputFileDeleted(cfg, stateDir) {
			return removeOutputs(cfg)
		}
		return nil
	default:
		return nil
	}
}

// inputFileDeleted reports whether any input file recorded in the
// previous run's manifest is now absent from the filesystem. When no
// prior manifest exists (the script has never successfully run before)
// this conservatively reports false: nothing has been "deleted" yet.
func (e *Engine) inputFileDeleted(cfg *script.ScriptConfig, stateDir turbopath.AbsoluteSystemPath) bool {
	entries, ok := e.readPreviousManifest(stateDir)
	if !ok {
		return false
	}
	base := turbopath.AbsoluteSystemPathFromUpstream(cfg.Reference.PackageDir)
	for _, entry := range entries {
		if _, err := base.UntypedJoin(entry.Path).Lstat(); err != nil {
			return true
		}
	}
	return false
}

func removeOutputs(cfg *script.ScriptConfig) error {
	base := turbopath.AbsoluteSystemPathFromUpstream(cfg.Reference.PackageDir)
	for _, pattern := range cfg.Output {
		if pattern.Negated() {
			continue
		}
		if err := base.UntypedJoin(pattern.Body()).RemoveAll(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) acquirePoolSlot(ctx context.Context) error {
	if e.Aborted != nil && e.Aborted.Load() {
		return context.Canceled
	}
	return e.Pool.Acquire(ctx)
}

func (e *Engine) runCommand(ctx context.Context, cfg *script.ScriptConfig) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cfg.Command)
	cmd.Dir = cfg.Reference.PackageDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	child := childprocess.New(cmd, e.Logger.Named(cfg.Reference.String()))
	if err := child.Start(); err != nil {
		return err
	}

	select {
	case res := <-child.Done():
		if res.Err != nil {
			return res.Err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("script %s exited with code %d", cfg.Reference, res.ExitCode)
		}
		return nil
	case <-ctx.Done():
		child.Kill(context.Background())
		return ctx.Err()
	}
}

// scriptDirName derives a filesystem-safe directory name for a
// script's persisted state from its name, hex-encoding it so a name
// containing `/` (or any other path-sensitive character) can never
// escape the package's `.wireit` directory.
func scriptDirName(name string) string {
	return hex.EncodeToString([]byte(name))
}

func acquireLock(stateDir turbopath.AbsoluteSystemPath) (lockfile.Lockfile, error) {
	lock, err := lockfile.New(stateDir.UntypedJoin("lock").ToString())
	if err != nil {
		return "", err
	}
	if err := lock.TryLock(); err != nil {
		return "", err
	}
	return lock, nil
}

func releaseLock(lock lockfile.Lockfile) {
	_ = lock.Unlock()
}
