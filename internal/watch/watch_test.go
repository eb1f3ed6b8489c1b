package watch

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/wireit-sub001/internal/config"
	"github.com/google/wireit-sub001/internal/filewatcher"
	"github.com/google/wireit-sub001/internal/script"
	"github.com/google/wireit-sub001/internal/workerpool"
)

func TestWatchedPackageDirsVisitsDependenciesOnce(t *testing.T) {
	shared := script.Reference{PackageDir: "packages/shared", Name: "build"}
	app := script.Reference{PackageDir: "packages/app", Name: "build"}
	tool := script.Reference{PackageDir: "packages/tool", Name: "build"}

	resolver := config.StaticResolver{
		shared: {Reference: shared, Command: "true", Files: []script.Pattern{}},
		tool: {
			Reference:    tool,
			Command:      "true",
			Files:        []script.Pattern{},
			Dependencies: []script.Dependency{{Script: shared}},
		},
		app: {
			Reference: app,
			Command:   "true",
			Files:     []script.Pattern{},
			Dependencies: []script.Dependency{
				{Script: shared},
				{Script: tool},
			},
		},
	}

	c := NewController(resolver, workerpool.New(1), nil, nil)
	dirs, err := c.watchedPackageDirs([]script.Reference{app})
	require.NoError(t, err)

	sort.Strings(dirs)
	assert.Equal(t, []string{"packages/app", "packages/shared", "packages/tool"}, dirs)
}

func TestWatchedPackageDirsPropagatesResolverError(t *testing.T) {
	resolver := config.StaticResolver{}
	c := NewController(resolver, workerpool.New(1), nil, nil)

	_, err := c.watchedPackageDirs([]script.Reference{{PackageDir: ".", Name: "missing"}})
	assert.Error(t, err)
}

func TestDrainBurstCollapsesMultipleChanges(t *testing.T) {
	c := NewController(config.StaticResolver{}, workerpool.New(1), nil, nil)
	c.Debounce = 20 * time.Millisecond

	for i := 0; i < 5; i++ {
		c.OnFileWatchEvent(filewatcher.Event{})
	}

	done := make(chan struct{})
	go func() {
		c.drainBurst()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drainBurst should return once no change arrives within the debounce window")
	}
}

func TestOnFileWatchEventDoesNotBlockWhenChannelFull(t *testing.T) {
	c := NewController(config.StaticResolver{}, workerpool.New(1), nil, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			c.OnFileWatchEvent(filewatcher.Event{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnFileWatchEvent must never block, regardless of how many events arrive")
	}
}
