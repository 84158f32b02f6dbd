package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
)

// MockStorage is a simple in-memory Storage implementation for tests.
type MockStorage struct {
	mu      sync.RWMutex
	chunks  map[string][]byte
	removed []string
	failOn  map[string]error
}

var _ WritableStorage = (*MockStorage)(nil)

// NewMockStorage constructs an empty MockStorage.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		chunks: make(map[string][]byte),
		failOn: make(map[string]error),
	}
}

// ListChunks returns descriptors for all stored chunks, sorted by name.
func (m *MockStorage) ListChunks(ctx context.Context) ([]ChunkDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	descs := make([]ChunkDescriptor, 0, len(m.chunks))
	for name, data := range m.chunks {
		descs = append(descs, ChunkDescriptor{
			Name: name,
			Size: int64(len(data)),
		})
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs, nil
}

// OpenChunk returns a reader over the stored chunk.
func (m *MockStorage) OpenChunk(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if err, ok := m.failOn[name]; ok {
		return io.NopCloser(&failingReader{err: err}), nil
	}

	data, ok := m.chunks[name]
	if !ok {
		return nil, rerrors.ErrChunkNotFound.WithDetail("chunk", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// RemoveChunk deletes a chunk and records the removal.
func (m *MockStorage) RemoveChunk(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chunks[name]; !ok {
		return rerrors.ErrChunkNotFound.WithDetail("chunk", name)
	}
	delete(m.chunks, name)
	m.removed = append(m.removed, name)
	return nil
}

// WriteChunk stores the content read from r under name.
func (m *MockStorage) WriteChunk(ctx context.Context, name string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, rerrors.ErrIO.WithDetail("chunk", name).WithCause(err)
	}
	m.AddChunk(name, data)
	return int64(len(data)), nil
}

// AddChunk adds chunk content to the mock storage.
func (m *MockStorage) AddChunk(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chunks[name] = append([]byte(nil), data...)
}

// Chunk returns a copy of the named chunk's content.
func (m *MockStorage) Chunk(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.chunks[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Removed lists chunk names removed so far, in removal order.
func (m *MockStorage) Removed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.removed...)
}

// FailReads makes every read of name fail with err after the chunk is opened.
func (m *MockStorage) FailReads(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failOn[name] = err
}

type failingReader struct {
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	return 0, f.err
}
