package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/wireit-sub001/internal/cacheitem"
	"github.com/google/wireit-sub001/internal/turbopath"
)

// FSBackend is the local, content-addressed filesystem cache backend,
// grounded on the teacher's fsCache (cache/cache_fs.go): one
// compressed tar archive per key under dir, plus a JSON metadata
// sidecar recording wall-clock duration.
type FSBackend struct {
	dir turbopath.AbsoluteSystemPath
}

var _ Backend = (*FSBackend)(nil)

// NewFSBackend creates a local cache rooted at dir, creating it if
// necessary.
func NewFSBackend(dir turbopath.AbsoluteSystemPath) (*FSBackend, error) {
	if err := dir.MkdirAll(0775); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &FSBackend{dir: dir}, nil
}

func (f *FSBackend) archivePath(key Key) turbopath.AbsoluteSystemPath {
	return f.dir.UntypedJoin(string(key) + ".tar.zst")
}

func (f *FSBackend) metaPath(key Key) turbopath.AbsoluteSystemPath {
	return f.dir.UntypedJoin(string(key) + "-meta.json")
}

// Fetch implements Backend.
func (f *FSBackend) Fetch(_ context.Context, anchor turbopath.AbsoluteSystemPath, key Key) (bool, []turbopath.AnchoredSystemPath, time.Duration, error) {
	path := f.archivePath(key)
	if !path.FileExists() {
		return false, nil, 0, nil
	}
	item, err := cacheitem.Open(path)
	if err != nil {
		return false, nil, 0, err
	}
	defer item.Close()

	files, err := item.Restore(anchor)
	if err != nil {
		return false, nil, 0, err
	}

	meta, err := readMetaFile(f.metaPath(key))
	if err != nil {
		// Missing or unreadable metadata does not invalidate the
		// restored files; duration reporting is best-effort.
		return true, files, 0, nil
	}
	return true, files, time.Duration(meta.Duration) * time.Millisecond, nil
}

// Exists implements Backend.
func (f *FSBackend) Exists(_ context.Context, key Key) (bool, error) {
	return f.archivePath(key).FileExists(), nil
}

// Put implements Backend.
func (f *FSBackend) Put(_ context.Context, anchor turbopath.AbsoluteSystemPath, key Key, duration time.Duration, files []turbopath.AnchoredSystemPath) error {
	item, err := cacheitem.Create(f.archivePath(key))
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := item.AddFile(anchor, file); err != nil {
			_ = item.Close()
			return err
		}
	}
	if err := item.Close(); err != nil {
		return err
	}
	return writeMetaFile(f.metaPath(key), Metadata{Key: key, Duration: int(duration.Milliseconds())})
}
