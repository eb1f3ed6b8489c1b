// Package filewatcher watches a repository for file changes and fans
// them out to registered clients.
package filewatcher

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/google/wireit-sub001/internal/turbopath"
)

// FileEvent indicates the kind of change that happened to a given path.
type FileEvent int

const (
	// FileAdded indicates a file or directory was created.
	FileAdded FileEvent = iota
	// FileDeleted indicates a file or directory was removed.
	FileDeleted
	// FileModified indicates a file's contents or metadata changed.
	FileModified
	// FileRenamed indicates a file was renamed.
	FileRenamed
	// FileOther covers event types not otherwise classified.
	FileOther
)

// Event is a single filesystem change notification.
type Event struct {
	Path      turbopath.AbsoluteSystemPath
	EventType FileEvent
}

// ErrFilewatchingClosed is returned by Backend and FileWatcher methods
// once the underlying watch has been closed.
var ErrFilewatchingClosed = errors.New("filewatching has closed")

// ErrFailedToStart is wrapped into errors encountered while bringing a
// backend up, e.g. a platform-specific watcher failing its initial sync.
var ErrFailedToStart = errors.New("failed to start filewatching")

// Backend is the platform-specific half of filewatching: it knows how to
// watch directory trees and emit raw events and errors. GetPlatformSpecificBackend
// selects an implementation appropriate for the running OS.
type Backend interface {
	// Start begins watching. It must be called before AddRoot.
	Start() error
	// AddRoot begins watching the given directory hierarchy, ignoring
	// paths that match any of excludePatterns.
	AddRoot(root turbopath.AbsoluteSystemPath, excludePatterns ...string) error
	// Events returns the channel that file events are delivered on.
	Events() <-chan Event
	// Errors returns the channel that asynchronous errors are delivered on.
	Errors() <-chan error
	// Close shuts down the backend and releases its resources.
	Close() error
}

// FileWatchClient is notified of filesystem activity once registered
// with a FileWatcher via AddClient.
type FileWatchClient interface {
	OnFileWatchEvent(ev Event)
	OnFileWatchError(err error)
	OnFileWatchClosed()
}

// FileWatcher multiplexes a single Backend's event stream out to any
// number of registered clients.
type FileWatcher struct {
	backend  Backend
	logger   hclog.Logger
	repoRoot turbopath.AbsoluteSystemPath

	mu      sync.Mutex
	clients []FileWatchClient

	done chan struct{}
}

// New constructs a FileWatcher on top of the given backend. repoRoot is
// recorded for callers that want to resolve client-relative roots but is
// not otherwise consulted by FileWatcher itself.
func New(logger hclog.Logger, repoRoot turbopath.AbsoluteSystemPath, backend Backend) *FileWatcher {
	return &FileWatcher{
		backend:  backend,
		logger:   logger.Named("filewatcher"),
		repoRoot: repoRoot,
		done:     make(chan struct{}),
	}
}

// Start starts the underlying backend and begins dispatching its events
// to registered clients in the background.
func (fw *FileWatcher) Start() error {
	if err := fw.backend.Start(); err != nil {
		return errors.Wrap(err, "starting filewatch backend")
	}
	go fw.watch()
	return nil
}

// AddClient registers client to receive subsequent file events and errors.
func (fw *FileWatcher) AddClient(client FileWatchClient) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.clients = append(fw.clients, client)
}

// AddRoot begins watching root, forwarding it to the underlying backend.
func (fw *FileWatcher) AddRoot(root turbopath.AbsoluteSystemPath, excludePatterns ...string) error {
	return fw.backend.AddRoot(root, excludePatterns...)
}

// Close shuts down the backend and notifies all registered clients.
func (fw *FileWatcher) Close() error {
	return fw.backend.Close()
}

func (fw *FileWatcher) watch() {
	events := fw.backend.Events()
	errs := fw.backend.Errors()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				fw.notifyClosed()
				return
			}
			fw.notifyEvent(ev)
		case err, ok := <-errs:
			if !ok {
				fw.notifyClosed()
				return
			}
			fw.notifyError(err)
		}
	}
}

func (fw *FileWatcher) notifyEvent(ev Event) {
	fw.mu.Lock()
	clients := append([]FileWatchClient(nil), fw.clients...)
	fw.mu.Unlock()
	for _, c := range clients {
		c.OnFileWatchEvent(ev)
	}
}

func (fw *FileWatcher) notifyError(err error) {
	fw.mu.Lock()
	clients := append([]FileWatchClient(nil), fw.clients...)
	fw.mu.Unlock()
	for _, c := range clients {
		c.OnFileWatchError(err)
	}
}

func (fw *FileWatcher) notifyClosed() {
	fw.mu.Lock()
	clients := append([]FileWatchClient(nil), fw.clients...)
	fw.mu.Unlock()
	for _, c := range clients {
		c.OnFileWatchClosed()
	}
}
