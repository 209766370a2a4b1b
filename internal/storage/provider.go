// Package storage is the file-system abstraction for site sources and build
// artifacts. All paths are slash-separated and relative to the provider root.
package storage

import "time"

// Entry describes one file returned by List.
type Entry struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Provider is the interface for rooted file operations.
type Provider interface {
	// List returns every regular file whose path matches the doublestar pattern.
	List(pattern string) ([]Entry, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path, creating parent directories.
	Write(path string, content []byte) error
	// Exists reports whether a regular file exists at path.
	Exists(path string) (bool, error)
	// Delete removes the file at path.
	Delete(path string) error
	// Abs returns the absolute OS path for path.
	Abs(path string) (string, error)
}
