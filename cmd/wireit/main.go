// Command wireit drives the execution engine directly against an
// in-memory script graph. A real distribution wires this binary's
// flag parsing and package.json resolution up through an external
// config parser (see internal/config's doc comment); this entrypoint
// exists to exercise the engine end to end the way the teacher's
// cmd/turbo does for its own cli package.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/google/wireit-sub001/internal/cache"
	"github.com/google/wireit-sub001/internal/config"
	"github.com/google/wireit-sub001/internal/events"
	"github.com/google/wireit-sub001/internal/executor"
	"github.com/google/wireit-sub001/internal/script"
	"github.com/google/wireit-sub001/internal/turbopath"
	"github.com/google/wireit-sub001/internal/watch"
	"github.com/google/wireit-sub001/internal/workerpool"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "wireit",
		Level: hclog.LevelFromString(os.Getenv("WIREIT_LOG_LEVEL")),
	})

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: wireit <script>... ")
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		logger.Error("failed to resolve working directory", "error", err)
		return 1
	}
	repoRoot := turbopath.AbsoluteSystemPathFromUpstream(cwd)

	resolver := demoResolver()

	roots := make([]script.Reference, len(args))
	for i, name := range args {
		roots[i] = script.Reference{PackageDir: ".", Name: name}
	}

	pool := workerpool.New(parallelism(logger))
	sink := events.NopSink{}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mode := failureMode(logger)

	if os.Getenv("WIREIT_WATCH") == "1" {
		controller := watch.NewController(resolver, pool, logger, sink)
		controller.FailureMode = mode
		return runWatch(ctx, controller, roots)
	}

	ex := executor.New(resolver, pool, logger, sink, nil, mode)
	if os.Getenv("WIREIT_CACHE") != "none" {
		local, err := cache.NewFSBackend(repoRoot.UntypedJoin(".wireit", "cache"))
		if err != nil {
			logger.Error("failed to initialize local cache", "error", err)
			return 1
		}
		store, err := cache.NewStore(local, nil, logger.Named("cache"))
		if err != nil {
			logger.Error("failed to initialize cache store", "error", err)
			return 1
		}
		ex.WithCache(store)
	}

	result := ex.Execute(ctx, roots)
	// A single (non-watch) invocation has no next iteration to hand
	// services forward to, so every service this run started or
	// adopted - persistent or not - is stopped once the run is done.
	ex.Services().StopAll()
	return summarize(result)
}

// runWatch drives the watch controller until it returns, either
// because ctx was cancelled by SIGINT/SIGTERM (exit 130, matching a
// shell's usual convention for signal-terminated processes) or
// because it failed outright.
func runWatch(ctx context.Context, controller *watch.Controller, roots []script.Reference) int {
	err := controller.Run(ctx, roots)
	if ctx.Err() != nil {
		return 130
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func summarize(result executor.Result) int {
	status := 0
	for _, outcome := range result.Outcomes {
		if outcome.Err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", outcome.Reference, outcome.Err)
			status = 1
		}
	}
	for _, err := range result.Errors {
		fmt.Fprintln(os.Stderr, err)
		status = 1
	}
	return status
}

// parallelism resolves WIREIT_PARALLEL into a worker pool size,
// falling back to the documented default (twice the logical CPU
// count) when unset or invalid.
func parallelism(logger hclog.Logger) int {
	raw := os.Getenv("WIREIT_PARALLEL")
	if raw == "" {
		return workerpool.DefaultSize(runtime.NumCPU())
	}
	n, err := workerpool.ParseConcurrency(raw)
	if err != nil {
		logger.Warn("ignoring invalid WIREIT_PARALLEL", "value", raw, "error", err)
		return workerpool.DefaultSize(runtime.NumCPU())
	}
	return n
}

// failureMode resolves WIREIT_FAILURES, defaulting to no-new.
func failureMode(logger hclog.Logger) executor.FailureMode {
	switch executor.FailureMode(os.Getenv("WIREIT_FAILURES")) {
	case executor.FailureModeContinue:
		return executor.FailureModeContinue
	case executor.FailureModeKill:
		return executor.FailureModeKill
	case "", executor.FailureModeNoNew:
		return executor.FailureModeNoNew
	default:
		logger.Warn("ignoring unrecognized WIREIT_FAILURES", "value", os.Getenv("WIREIT_FAILURES"))
		return executor.FailureModeNoNew
	}
}

// demoResolver returns a tiny fixed script graph (a "build" script
// depending on a "lint" script), standing in for the package.json
// parser a real distribution would plug in here.
func demoResolver() config.StaticResolver {
	lint := script.Reference{PackageDir: ".", Name: "lint"}
	build := script.Reference{PackageDir: ".", Name: "build"}
	return config.StaticResolver{
		lint: {
			Reference: lint,
			Command:   "true",
			Files:     []script.Pattern{"*.go"},
		},
		build: {
			Reference:    build,
			Command:      "true",
			Files:        []script.Pattern{"*.go"},
			Output:       []script.Pattern{"dist/**"},
			Dependencies: []script.Dependency{{Script: lint, Cascade: true}},
		},
	}
}
