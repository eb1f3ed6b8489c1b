package turbopath

import (
	"os"
	"path/filepath"
)

// dirPermissions are the default permission bits applied to directories
// created on behalf of the cache and execution lock files.
const dirPermissions = os.ModeDir | 0775

// UntypedJoin appends raw path segments (not yet cast to a
// RelativeSystemPath) to this AbsoluteSystemPath. Used where a segment
// is synthesized (a cache key, a lock file name) rather than coming
// from another typed path.
func (p AbsoluteSystemPath) UntypedJoin(segments ...string) AbsoluteSystemPath {
	return AbsoluteSystemPath(filepath.Join(append([]string{p.ToString()}, segments...)...))
}

// MkdirAll implements os.MkdirAll for this path.
func (p AbsoluteSystemPath) MkdirAll(mode os.FileMode) error {
	return os.MkdirAll(p.ToString(), mode)
}

// FileExists reports whether a non-directory file exists at this path.
func (p AbsoluteSystemPath) FileExists() bool {
	info, err := os.Lstat(p.ToString())
	return err == nil && !info.IsDir()
}

// DirExists reports whether a directory exists at this path.
func (p AbsoluteSystemPath) DirExists() bool {
	info, err := os.Lstat(p.ToString())
	return err == nil && info.IsDir()
}

// Lstat implements os.Lstat for this path.
func (p AbsoluteSystemPath) Lstat() (os.FileInfo, error) {
	return os.Lstat(p.ToString())
}

// Open implements os.Open for this path.
func (p AbsoluteSystemPath) Open() (*os.File, error) {
	return os.Open(p.ToString())
}

// OpenFile implements os.OpenFile for this path.
func (p AbsoluteSystemPath) OpenFile(flag int, mode os.FileMode) (*os.File, error) {
	return os.OpenFile(p.ToString(), flag, mode)
}

// ReadFile implements os.ReadFile for this path.
func (p AbsoluteSystemPath) ReadFile() ([]byte, error) {
	return os.ReadFile(p.ToString())
}

// WriteFile implements os.WriteFile for this path.
func (p AbsoluteSystemPath) WriteFile(contents []byte, mode os.FileMode) error {
	return os.WriteFile(p.ToString(), contents, mode)
}

// Readlink implements os.Readlink for this path.
func (p AbsoluteSystemPath) Readlink() (string, error) {
	return os.Readlink(p.ToString())
}

// Symlink implements os.Symlink(target, p) for this path.
func (p AbsoluteSystemPath) Symlink(target string) error {
	return os.Symlink(target, p.ToString())
}

// Remove implements os.Remove for this path.
func (p AbsoluteSystemPath) Remove() error {
	return os.Remove(p.ToString())
}

// RemoveAll implements os.RemoveAll for this path.
func (p AbsoluteSystemPath) RemoveAll() error {
	return os.RemoveAll(p.ToString())
}

// EnsureDir ensures the directory containing this path exists.
func (p AbsoluteSystemPath) EnsureDir() error {
	dir := filepath.Dir(p.ToString())
	return os.MkdirAll(dir, dirPermissions)
}

// Dir returns the parent directory of this path.
func (p AbsoluteSystemPath) Dir() AbsoluteSystemPath {
	return AbsoluteSystemPath(filepath.Dir(p.ToString()))
}

// Base returns the final element of this path.
func (p AbsoluteSystemPath) Base() string {
	return filepath.Base(p.ToString())
}

// Link implements os.Link(p, to): to becomes a hard link to p.
func (p AbsoluteSystemPath) Link(to string) error {
	return os.Link(p.ToString(), to)
}

// Create implements os.Create for this path.
func (p AbsoluteSystemPath) Create() (*os.File, error) {
	return os.Create(p.ToString())
}

// ToStringDuringMigration returns the string representation of this path.
// Named to flag call sites that should eventually be converted to operate
// on typed paths directly.
func (p AbsoluteSystemPath) ToStringDuringMigration() string {
	return p.ToString()
}

// RelativePathString returns the relative path from this AbsoluteSystemPath
// to the given absolute path, as a plain string.
func (p AbsoluteSystemPath) RelativePathString(path string) (string, error) {
	return filepath.Rel(p.ToString(), path)
}

// UnsafeToAbsoluteSystemPath casts s to an AbsoluteSystemPath without
// checking that it is actually absolute. Used for paths already known
// to be absolute by construction, such as names produced by a
// directory walk rooted at an AbsoluteSystemPath.
func UnsafeToAbsoluteSystemPath(s string) AbsoluteSystemPath {
	return AbsoluteSystemPath(s)
}
