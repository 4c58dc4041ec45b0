// Package storage defines the output file-system abstraction that generation
// mutates and validation reads.
package storage

import "io/fs"

// Provider is the interface for output-root file operations. Every path is
// relative to the provider root.
type Provider interface {
	// Root returns the absolute output root.
	Root() string
	// Exists reports whether a file or directory exists at path.
	Exists(path string) (bool, error)
	// Stat returns file info for path.
	Stat(path string) (fs.FileInfo, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically replaces the content of path. The file keeps its
	// previous permissions, or 0644 when it is new.
	Write(path string, content []byte) error
	// EnsureDir creates dir and its missing parents and returns the
	// directories it created, outermost first.
	EnsureDir(dir string) ([]string, error)
	// Copy duplicates src to dst, preserving permissions.
	Copy(src, dst string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
	// Chmod changes the permissions of path.
	Chmod(path string, mode fs.FileMode) error
	// Delete removes the file at path.
	Delete(path string) error
	// RemoveDir removes an empty directory.
	RemoveDir(dir string) error
	// RemoveAll removes dir and everything under it.
	RemoveAll(dir string) error
}
