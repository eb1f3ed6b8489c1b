// Package cache implements wireit's local, content-addressed output
// cache.
//
// Adapted from the teacher's internal/cache (itself adapted from
// https://github.com/thought-machine/please, Apache-2.0): the same
// directory layout and metadata-sidecar idea, restructured around
// wireit's CacheKey (a fingerprint digest) rather than turbo's task
// hash, and with the analytics/config/multi-backend machinery
// stripped since wireit has exactly one local backend plus the
// separate remote backend in internal/ghacache (see cache.go's
// Backend interface, which both satisfy).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/google/wireit-sub001/internal/turbopath"
)

// ErrNoCachesEnabled is returned by NewStore when neither the local nor the
// remote backend is enabled, mirroring the teacher's sentinel of the
// same name.
var ErrNoCachesEnabled = errors.New("cache: no caches are enabled")

// Key identifies a cached result: the fingerprint digest computed for
// a script.
type Key string

// Backend is the interface both the local filesystem cache and the
// remote GitHub Actions cache implement.
type Backend interface {
	// Fetch restores a cached result for key into anchor, returning
	// false if nothing is cached for key.
	Fetch(ctx context.Context, anchor turbopath.AbsoluteSystemPath, key Key) (hit bool, files []turbopath.AnchoredSystemPath, duration time.Duration, err error)
	// Exists reports whether key is cached without restoring it.
	Exists(ctx context.Context, key Key) (bool, error)
	// Put stores files (already on disk under anchor) as the result
	// for key.
	Put(ctx context.Context, anchor turbopath.AbsoluteSystemPath, key Key, duration time.Duration, files []turbopath.AnchoredSystemPath) error
}

// Store multiplexes a local backend and an optional remote backend,
// grounded on the teacher's cacheMultiplexer: Fetch tries local first,
// then remote, populating local from a remote hit; Put writes to both.
type Store struct {
	local  Backend
	remote Backend
	logger hclog.Logger
}

// NewStore builds a Store. remote may be nil to disable remote
// caching entirely.
func NewStore(local Backend, remote Backend, logger hclog.Logger) (*Store, error) {
	if local == nil && remote == nil {
		return nil, ErrNoCachesEnabled
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{local: local, remote: remote, logger: logger}, nil
}

// Fetch tries the local backend, then the remote backend, restoring a
// cache hit into anchor and backfilling the local backend on a remote
// hit so the next fetch is local.
func (s *Store) Fetch(ctx context.Context, anchor turbopath.AbsoluteSystemPath, key Key) (bool, []turbopath.AnchoredSystemPath, time.Duration, error) {
	if s.local != nil {
		hit, files, dur, err := s.local.Fetch(ctx, anchor, key)
		if err != nil {
			s.logger.Warn("local cache fetch failed", "key", key, "error", err)
		} else if hit {
			return true, files, dur, nil
		}
	}
	if s.remote != nil {
		hit, files, dur, err := s.remote.Fetch(ctx, anchor, key)
		if err != nil {
			return false, nil, 0, fmt.Errorf("remote cache fetch: %w", err)
		}
		if hit && s.local != nil {
			if putErr := s.local.Put(ctx, anchor, key, dur, files); putErr != nil {
				s.logger.Warn("failed to backfill local cache from remote hit", "key", key, "error", putErr)
			}
		}
		return hit, files, dur, nil
	}
	return false, nil, 0, nil
}

// Exists checks local then remote without restoring anything.
func (s *Store) Exists(ctx context.Context, key Key) (bool, error) {
	if s.local != nil {
		if ok, err := s.local.Exists(ctx, key); err == nil && ok {
			return true, nil
		}
	}
	if s.remote != nil {
		return s.remote.Exists(ctx, key)
	}
	return false, nil
}

// Put writes to the local backend, then to the remote one; a remote failure does not
// fail the call as long as the local write succeeded, matching the
// teacher's storeUntil behavior of tolerating lower-priority cache
// failures.
func (s *Store) Put(ctx context.Context, anchor turbopath.AbsoluteSystemPath, key Key, duration time.Duration, files []turbopath.AnchoredSystemPath) error {
	var localErr error
	if s.local != nil {
		localErr = s.local.Put(ctx, anchor, key, duration, files)
	}
	if s.remote != nil {
		if err := s.remote.Put(ctx, anchor, key, duration, files); err != nil {
			s.logger.Warn("remote cache store failed", "key", key, "error", err)
		}
	}
	return localErr
}

// Metadata records the wall-clock duration a cached script took to
// run, for "time saved" reporting, matching the teacher's
// CacheMetadata/*-meta.json sidecar.
type Metadata struct {
	Key      Key `json:"key"`
	Duration int `json:"durationMillis"`
}

func writeMetaFile(path turbopath.AbsoluteSystemPath, meta Metadata) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return path.WriteFile(b, 0644)
}

func readMetaFile(path turbopath.AbsoluteSystemPath) (Metadata, error) {
	var meta Metadata
	b, err := path.ReadFile()
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(b, &meta)
	return meta, err
}
