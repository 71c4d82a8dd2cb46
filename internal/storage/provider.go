// Package storage defines the blob store behind uploaded attachments.
package storage

import "time"

// Blob describes a stored file.
type Blob struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider is the interface for attachment file operations.
type Provider interface {
	// List returns every blob under dir (relative to the store root).
	List(dir string) ([]Blob, error)
	// Read returns the raw bytes of the blob at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Delete removes the blob at path.
	Delete(path string) error
	// Stat describes the blob at path without returning its content.
	Stat(path string) (Blob, error)
}
