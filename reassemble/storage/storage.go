package storage

import (
	"context"
	"errors"
	"io"
)

// ErrReadOnly is returned by RemoveChunk on storages that leave chunks in
// place.
var ErrReadOnly = errors.New("storage is read-only")

// ChunkDescriptor describes a chunk available in storage.
type ChunkDescriptor struct {
	Name string
	Size int64
}

// Storage abstracts chunk enumeration, reads and cleanup.
type Storage interface {
	ListChunks(ctx context.Context) ([]ChunkDescriptor, error)
	OpenChunk(ctx context.Context, name string) (io.ReadCloser, error)
	RemoveChunk(ctx context.Context, name string) error
}

// WritableStorage is a Storage that can also receive chunks.
type WritableStorage interface {
	Storage
	WriteChunk(ctx context.Context, name string, r io.Reader) (int64, error)
}
