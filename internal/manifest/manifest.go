// Package manifest expands a script's file glob patterns into a
// sorted, deterministic manifest of the files, directories and
// symlinks those patterns match, classifying each entry's type and
// hashing its content.
//
// Grounded on the teacher's internal/globby (doublestar + afero glob
// walk, path-escape detection) and internal/fs's LstatCachedFile
// (cached lstat-derived type classification), generalized here to
// classify every file-mode type bit instead of only symlinks, and to
// respect wireit's leading `!` (exclude) and `/` (anchor) pattern
// prefixes rather than globby's separate include/exclude slices.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	iofs "io/fs"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/google/wireit-sub001/internal/script"
	"github.com/google/wireit-sub001/internal/util"
)

// ErrPathEscape is returned when a pattern resolves outside of its
// package directory.
var ErrPathEscape = errors.New("manifest: pattern escapes package directory")

// EntryType classifies a manifest entry by the kind of filesystem
// object it refers to, mirroring the teacher's os.ModeType bits but
// spelled out for every type wireit can observe, not only symlinks.
type EntryType string

const (
	TypeFile      EntryType = "f"
	TypeDirectory EntryType = "d"
	TypeSymlink   EntryType = "l"
	TypeBlockDev  EntryType = "b"
	TypeCharDev   EntryType = "c"
	TypePipe      EntryType = "p"
	TypeSocket    EntryType = "s"
	TypeUnknown   EntryType = "?"
)

// classify maps an os.FileMode's type bits to an EntryType.
func classify(mode os.FileMode) EntryType {
	switch {
	case mode&os.ModeSymlink != 0:
		return TypeSymlink
	case mode.IsDir():
		return TypeDirectory
	case mode&os.ModeNamedPipe != 0:
		return TypePipe
	case mode&os.ModeSocket != 0:
		return TypeSocket
	case mode&os.ModeDevice != 0:
		if mode&os.ModeCharDevice != 0 {
			return TypeCharDev
		}
		return TypeBlockDev
	case mode.IsRegular():
		return TypeFile
	default:
		return TypeUnknown
	}
}

// Entry is one file, directory, or symlink matched by a script's file
// patterns.
type Entry struct {
	// Path is relative to the package directory, using `/` separators
	// regardless of host OS.
	Path string
	Type EntryType
	// Hash is the hex-encoded SHA-256 of file content. Empty for
	// directories, symlinks and other non-regular entries: their
	// identity is fully captured by Path and Type (a symlink's target
	// is content a caller can additionally hash via SymlinkTarget if
	// needed, but its target string is not itself part of this
	// package's concern).
	Hash string
}

var osFS = afero.NewIOFS(afero.NewOsFs())

// Expand resolves patterns (in declaration order, `!`-negation and
// `/`-anchoring honored) against the files under packageDir, and
// returns a sorted, hashed manifest. fullyTracked is false whenever
// patterns is nil, signaling the caller that the result cannot be used
// to trust a fingerprint comparison.
func Expand(ctx context.Context, packageDir string, patterns []script.Pattern) (entries []Entry, fullyTracked bool, err error) {
	if patterns == nil {
		return nil, false, nil
	}

	var includes, excludes []string
	for _, p := range patterns {
		body := p.Body()
		if !p.Anchored() {
			body = filepath.ToSlash(filepath.Join("**", body))
		}
		abs := filepath.Join(packageDir, filepath.FromSlash(body))
		rel, rerr := relativeNoEscape(packageDir, abs)
		if rerr != nil {
			return nil, false, rerr
		}
		if p.Negated() {
			excludes = append(excludes, rel)
		} else {
			includes = append(includes, rel)
		}
	}

	matched := make(map[string]struct{})
	for _, inc := range includes {
		pattern := filepath.ToSlash(filepath.Join(packageDir, inc))
		walkErr := doublestar.GlobWalk(osFS, pattern, func(path string, d iofs.DirEntry) error {
			rel, rerr := relativeNoEscape(packageDir, path)
			if rerr != nil {
				return rerr
			}
			if excluded(rel, excludes) {
				return nil
			}
			matched[rel] = struct{}{}
			return nil
		})
		if walkErr != nil {
			return nil, false, walkErr
		}
	}

	paths := make([]string, 0, len(matched))
	for p := range matched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries = make([]Entry, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, rel := range paths {
		i, rel := i, rel
		g.Go(func() error {
			e, herr := statAndHash(gctx, packageDir, rel)
			if herr != nil {
				return herr
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	return entries, true, nil
}

func excluded(rel string, excludePatterns []string) bool {
	for _, ex := range excludePatterns {
		if ok, _ := doublestar.Match(filepath.ToSlash(ex), filepath.ToSlash(rel)); ok {
			return true
		}
		if strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	return false
}

// relativeNoEscape mirrors the teacher's globby.getRelativePath: it
// returns an error identical in spirit to "the path you are attempting
// to specify is outside of the root" whenever the resolved path climbs
// above the package directory.
func relativeNoEscape(base, target string) (string, error) {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return filepath.ToSlash(rel), nil
}

func statAndHash(_ context.Context, packageDir, rel string) (Entry, error) {
	abs := filepath.Join(packageDir, filepath.FromSlash(rel))
	info, err := os.Lstat(abs)
	if err != nil {
		return Entry{}, err
	}
	t := classify(info.Mode())
	e := Entry{Path: rel, Type: t}
	if t != TypeFile {
		return e, nil
	}
	hash, err := hashFile(abs)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hash
	return e, nil
}

func hashFile(abs string) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer util.CloseAndIgnoreError(f)
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
