package execution

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/wireit-sub001/internal/cache"
	"github.com/google/wireit-sub001/internal/config"
	"github.com/google/wireit-sub001/internal/script"
	"github.com/google/wireit-sub001/internal/turbopath"
	"github.com/google/wireit-sub001/internal/workerpool"
)

func newEngine(t *testing.T, resolver config.Resolver) *Engine {
	t.Helper()
	return NewEngine(resolver, nil, workerpool.New(4), nil, nil)
}

func TestEngineRunSucceedsAndPersistsFingerprint(t *testing.T) {
	dir := t.TempDir()
	ref := script.Reference{PackageDir: dir, Name: "build"}
	resolver := config.StaticResolver{
		ref: {Reference: ref, Command: "true", Files: []script.Pattern{}},
	}

	out, err := newEngine(t, resolver).Run(context.Background(), ref)
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.Equal(t, StandardSucceeded, out.FinalState)

	scriptDir := filepath.Join(dir, ".wireit", hex.EncodeToString([]byte("build")))
	_, err = os.Stat(filepath.Join(scriptDir, "state"))
	assert.NoError(t, err, "a successful run should persist its state")
	_, err = os.Stat(filepath.Join(scriptDir, "manifest"))
	assert.NoError(t, err, "a successful run should persist its input manifest")
}

func TestEngineRunReportsCommandFailure(t *testing.T) {
	dir := t.TempDir()
	ref := script.Reference{PackageDir: dir, Name: "build"}
	resolver := config.StaticResolver{
		ref: {Reference: ref, Command: "false", Files: []script.Pattern{}},
	}

	out, err := newEngine(t, resolver).Run(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StandardFailed, out.FinalState)
	assert.Error(t, out.Err)
}

func TestEngineRunIsMemoizedPerEngine(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	ref := script.Reference{PackageDir: dir, Name: "build"}
	resolver := config.StaticResolver{
		ref: {Reference: ref, Command: "echo x >> " + marker, Files: []script.Pattern{}},
	}

	engine := newEngine(t, resolver)
	_, err := engine.Run(context.Background(), ref)
	require.NoError(t, err)
	_, err = engine.Run(context.Background(), ref)
	require.NoError(t, err)

	b, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(b), "a second Run for the same reference on the same engine must not re-execute the command")
}

func TestEngineRunPropagatesDependencyFailure(t *testing.T) {
	dir := t.TempDir()
	dep := script.Reference{PackageDir: dir, Name: "lint"}
	build := script.Reference{PackageDir: dir, Name: "build"}
	resolver := config.StaticResolver{
		dep:   {Reference: dep, Command: "false", Files: []script.Pattern{}},
		build: {Reference: build, Command: "true", Files: []script.Pattern{}, Dependencies: []script.Dependency{{Script: dep, Cascade: true}}},
	}

	out, err := newEngine(t, resolver).Run(context.Background(), build)
	require.NoError(t, err)
	assert.Equal(t, StandardFailed, out.FinalState)
	assert.ErrorIs(t, out.Err, ErrCascadingFailure)
}

func TestEngineRunPropagatesDependencyFailureEvenWithoutCascade(t *testing.T) {
	// Cascade controls fingerprint participation, not whether a
	// dependency's failure propagates: a cascade:false dependency
	// still cancels its dependent when it fails.
	dir := t.TempDir()
	dep := script.Reference{PackageDir: dir, Name: "lint"}
	build := script.Reference{PackageDir: dir, Name: "build"}
	resolver := config.StaticResolver{
		dep:   {Reference: dep, Command: "false", Files: []script.Pattern{}},
		build: {Reference: build, Command: "true", Files: []script.Pattern{}, Dependencies: []script.Dependency{{Script: dep, Cascade: false}}},
	}

	out, err := newEngine(t, resolver).Run(context.Background(), build)
	require.NoError(t, err)
	assert.Equal(t, StandardFailed, out.FinalState)
	assert.ErrorIs(t, out.Err, ErrCascadingFailure)
}

func TestEngineRunUnknownScript(t *testing.T) {
	resolver := config.StaticResolver{}
	ref := script.Reference{PackageDir: t.TempDir(), Name: "missing"}

	out, err := newEngine(t, resolver).Run(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StandardFailed, out.FinalState)
	assert.Error(t, out.Err)
}

func TestEngineRunSecondCallSeesFreshFingerprint(t *testing.T) {
	dir := t.TempDir()
	ref := script.Reference{PackageDir: dir, Name: "build"}
	resolver := config.StaticResolver{
		ref: {Reference: ref, Command: "true", Files: []script.Pattern{}},
	}

	first, err := newEngine(t, resolver).Run(context.Background(), ref)
	require.NoError(t, err)
	require.NoError(t, first.Err)

	// A fresh Engine (simulating a second invocation of wireit) reads
	// back the persisted fingerprint and should treat the script as
	// fresh rather than re-running it.
	second, err := newEngine(t, resolver).Run(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StandardSucceededFresh, second.FinalState)
}

// fakeBackend is a cache.Backend that records whether Fetch or Put was
// ever called, to prove a not-fully-tracked script never consults the
// cache at all.
type fakeBackend struct {
	fetched bool
	put     bool
}

func (f *fakeBackend) Fetch(ctx context.Context, anchor turbopath.AbsoluteSystemPath, key cache.Key) (bool, []turbopath.AnchoredSystemPath, time.Duration, error) {
	f.fetched = true
	return false, nil, 0, nil
}

func (f *fakeBackend) Exists(ctx context.Context, key cache.Key) (bool, error) {
	return false, nil
}

func (f *fakeBackend) Put(ctx context.Context, anchor turbopath.AbsoluteSystemPath, key cache.Key, duration time.Duration, files []turbopath.AnchoredSystemPath) error {
	f.put = true
	return nil
}

func TestEngineNotFullyTrackedScriptNeverTouchesCache(t *testing.T) {
	dir := t.TempDir()
	ref := script.Reference{PackageDir: dir, Name: "build"}
	resolver := config.StaticResolver{
		// Files is nil: not fully tracked.
		ref: {Reference: ref, Command: "true"},
	}

	backend := &fakeBackend{}
	store, err := cache.NewStore(backend, nil, nil)
	require.NoError(t, err)

	engine := newEngine(t, resolver)
	engine.Cache = store

	out, err := engine.Run(context.Background(), ref)
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.Equal(t, StandardSucceeded, out.FinalState)
	assert.False(t, backend.fetched, "a not-fully-tracked script must never consult the cache")
	assert.False(t, backend.put, "a not-fully-tracked script must never be stored in the cache")
}

func TestEngineScriptDirNameIsHexEncoded(t *testing.T) {
	dir := t.TempDir()
	ref := script.Reference{PackageDir: dir, Name: "a/b"}
	resolver := config.StaticResolver{
		ref: {Reference: ref, Command: "true", Files: []script.Pattern{}},
	}

	out, err := newEngine(t, resolver).Run(context.Background(), ref)
	require.NoError(t, err)
	require.NoError(t, out.Err)

	wireitDir := filepath.Join(dir, ".wireit")
	entries, err := os.ReadDir(wireitDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "a script name containing a slash must not escape .wireit into a nested directory")
	assert.Equal(t, hex.EncodeToString([]byte("a/b")), entries[0].Name())
}

func TestEngineCleanIfFileDeletedTriggersOnMissingInput(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(inputPath, []byte("v1"), 0644))
	outputPath := filepath.Join(dir, "output.txt")

	ref := script.Reference{PackageDir: dir, Name: "build"}
	resolver := config.StaticResolver{
		ref: {
			Reference: ref,
			Command:   "cp input.txt output.txt",
			Files:     []script.Pattern{"input.txt"},
			Output:    []script.Pattern{"output.txt"},
			Clean:     script.CleanIfFileDeleted,
		},
	}

	engine := newEngine(t, resolver)
	out, err := engine.Run(context.Background(), ref)
	require.NoError(t, err)
	require.NoError(t, out.Err)
	require.Equal(t, StandardSucceeded, out.FinalState)
	_, err = os.Stat(outputPath)
	require.NoError(t, err)

	// Delete the input file the manifest recorded, then remove the
	// cached digest so the run is forced to go through applyClean
	// again rather than short-circuiting on freshness. The command is
	// replaced with a no-op so the run doesn't merely fail by trying
	// to read the now-missing input.
	require.NoError(t, os.Remove(inputPath))
	scriptDir := filepath.Join(dir, ".wireit", hex.EncodeToString([]byte("build")))
	require.NoError(t, os.Remove(filepath.Join(scriptDir, "state")))

	resolver[ref].Command = "true"
	require.NoError(t, os.WriteFile(outputPath, []byte("stale"), 0644))

	out2, err := newEngine(t, resolver).Run(context.Background(), ref)
	require.NoError(t, err)
	require.NoError(t, out2.Err)
	// applyClean should have removed the stale output before the
	// (no-op) command ran, proving it reacted to the deleted input
	// rather than the present output.
	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr), "clean: if-file-deleted should remove outputs when a prior input file was deleted")
}
