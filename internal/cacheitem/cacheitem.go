// Package cacheitem is an abstraction over the creation and restoration of a cache
package cacheitem

import (
	"archive/tar"
	"bufio"
	"crypto/sha512"
	"errors"
	"io"
	"os"

	"github.com/google/wireit-sub001/internal/turbopath"
)

var (
	errMissingSymlinkTarget = errors.New("symlink restoration is delayed")
	errCycleDetected        = errors.New("links in the cache are cyclic")
	errTraversal            = errors.New("tar attempts to write outside of directory")
	errNameMalformed        = errors.New("file name is malformed")
	errNameWindowsUnsafe    = errors.New("file name is not Windows-safe")
	errUnsupportedFileType  = errors.New("attempted to restore unsupported file type")
)

// CacheItem is a `tar` utility with a little bit extra.
type CacheItem struct {
	// Path is the location on disk for the CacheItem.
	Path turbopath.AbsoluteSystemPath
	// Anchor is the position on disk at which the CacheItem will be restored.
	Anchor turbopath.AbsoluteSystemPath

	// For creation.
	tw         *tar.Writer
	zw         io.WriteCloser
	fileBuffer *bufio.Writer
	handle     *os.File
	compressed bool

	// reader backs Restore. It is set by Open (wrapping handle) or by
	// FromReader (wrapping an arbitrary io.Reader, e.g. an HTTP
	// response body), letting Restore work against either a file on
	// disk or a remote cache download without staging it to disk
	// first.
	reader io.Reader
}

// Close any open pipes
func (ci *CacheItem) Close() error {
	if ci.tw != nil {
		if err := ci.tw.Close(); err != nil {
			return err
		}
	}

	if ci.zw != nil {
		if err := ci.zw.Close(); err != nil {
			return err
		}
	}

	if ci.fileBuffer != nil {
		if err := ci.fileBuffer.Flush(); err != nil {
			return err
		}
	}

	if ci.handle != nil {
		if err := ci.handle.Close(); err != nil {
			return err
		}
	}

	if closer, ok := ci.reader.(io.Closer); ok && ci.handle == nil {
		return closer.Close()
	}

	return nil
}

// FromReader wraps an already-open io.Reader (for example an HTTP
// response body streaming a downloaded remote cache artifact) as a
// CacheItem that can only be Restored, not further written to.
// Grounded on the teacher's cache_http.go, which calls
// cacheitem.FromReader(resp.Body, true) to restore a remote cache hit
// without first writing it to a local .tar.zst file.
func FromReader(r io.Reader, compressed bool) *CacheItem {
	return &CacheItem{reader: r, compressed: compressed}
}

// GetSha returns the SHA-512 hash for the CacheItem.
func (ci *CacheItem) GetSha() ([]byte, error) {
	sha := sha512.New()
	if _, err := io.Copy(sha, ci.handle); err != nil {
		return nil, err
	}

	return sha.Sum(nil), nil
}
