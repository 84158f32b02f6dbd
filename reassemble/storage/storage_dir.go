package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
	"github.com/flaneur2020/chunk-reassemble/reassemble/logger"
)

// DirStorage serves chunks stored as plain files in a single directory.
type DirStorage struct {
	dir string
}

var _ WritableStorage = (*DirStorage)(nil)

// NewDirStorage returns a Storage rooted at dir. The directory is not
// required to exist until it is read or written.
func NewDirStorage(dir string) *DirStorage {
	return &DirStorage{dir: dir}
}

func (s *DirStorage) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", rerrors.ErrManifestInvalid.
			WithMessage("chunk name must be a plain file name").
			WithDetail("chunk", name)
	}
	return filepath.Join(s.dir, name), nil
}

// ListChunks returns every regular file in the directory. Subdirectories are ignored.
func (s *DirStorage) ListChunks(ctx context.Context) ([]ChunkDescriptor, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, rerrors.ErrIO.WithDetail("dir", s.dir).WithCause(err)
	}

	descs := make([]ChunkDescriptor, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, rerrors.ErrIO.WithDetail("chunk", entry.Name()).WithCause(err)
		}
		descs = append(descs, ChunkDescriptor{Name: entry.Name(), Size: info.Size()})
	}

	logger.Debug("Listed %d files in %s", len(descs), s.dir)
	return descs, nil
}

// OpenChunk opens the named chunk file for reading.
func (s *DirStorage) OpenChunk(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := s.path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, rerrors.ErrChunkNotFound.WithDetail("chunk", name).WithCause(err)
		}
		return nil, rerrors.ErrIO.WithDetail("chunk", name).WithCause(err)
	}
	return f, nil
}

// RemoveChunk deletes the named chunk file.
func (s *DirStorage) RemoveChunk(ctx context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rerrors.ErrChunkNotFound.WithDetail("chunk", name).WithCause(err)
		}
		return rerrors.ErrIO.WithDetail("chunk", name).WithCause(err)
	}
	return nil
}

// WriteChunk writes r to the named chunk through a temp file and rename, so a
// reader never observes a half-written chunk.
func (s *DirStorage) WriteChunk(ctx context.Context, name string, r io.Reader) (int64, error) {
	p, err := s.path(name)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return 0, rerrors.ErrIO.WithDetail("dir", s.dir).WithCause(err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return 0, rerrors.ErrIO.WithDetail("chunk", name).WithCause(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, rerrors.ErrIO.WithDetail("chunk", name).WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return n, rerrors.ErrIO.WithDetail("chunk", name).WithCause(err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return n, rerrors.ErrIO.WithDetail("chunk", name).WithCause(err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return n, rerrors.ErrIO.WithDetail("chunk", name).WithCause(fmt.Errorf("rename: %w", err))
	}
	return n, nil
}
