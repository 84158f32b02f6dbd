package reassemble

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"io/fs"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/flaneur2020/chunk-reassemble/reassemble/archiveutil"
	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
	"github.com/flaneur2020/chunk-reassemble/reassemble/logger"
	stor "github.com/flaneur2020/chunk-reassemble/reassemble/storage"
)

// DefaultChunkSize is the encoded size of every chunk but the last.
const DefaultChunkSize = 1 << 20

// SplitOptions configures Split.
type SplitOptions struct {
	// ChunkSize is the number of base64 characters per chunk.
	ChunkSize int64
	// Pattern names chunks (DefaultPattern if empty).
	Pattern string
	// PadWidth zero-pads chunk indices to this many digits.
	PadWidth int
	// Level is the gzip level; 0 selects gzip.DefaultCompression.
	Level int

	ManifestName string
	NoManifest   bool
	// Overwrite removes chunks already in the destination that match
	// Pattern. Without it Split refuses to mix old and new chunks.
	Overwrite bool

	// Progress receives the encoded bytes written so far; total is -1.
	Progress ProgressCallback
}

// Split packs srcDir as tar.gz, base64-encodes it and writes the text to dst
// as fixed-size chunks, followed by a manifest describing them. The result
// can be fed straight back to Reassemble.
func Split(ctx context.Context, srcDir string, dst stor.WritableStorage, opts SplitOptions) (*Manifest, error) {
	p, err := parsePattern(opts.Pattern)
	if err != nil {
		return nil, err
	}
	if opts.ChunkSize < 0 {
		return nil, rerrors.ErrIO.WithMessage("chunk size must be positive").WithDetail("chunkSize", opts.ChunkSize)
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	level := opts.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	manifestName := opts.ManifestName
	if manifestName == "" {
		manifestName = DefaultManifestName
	}

	if err := clearDestination(ctx, dst, p, manifestName, opts); err != nil {
		return nil, err
	}

	logger.Info("Splitting %s into chunks of %d bytes", srcDir, chunkSize)

	cw := &chunkWriter{
		ctx:      ctx,
		dst:      dst,
		pattern:  p,
		pad:      opts.PadWidth,
		size:     chunkSize,
		progress: opts.Progress,
	}
	enc := base64.NewEncoder(base64.StdEncoding, cw)
	archiveDigester := digest.SHA256.Digester()
	counter := &countingWriter{}

	if _, err := archiveutil.Pack(ctx, io.MultiWriter(archiveDigester.Hash(), counter, enc), srcDir, level); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if err := cw.Close(); err != nil {
		return nil, err
	}

	m := &Manifest{
		Version: ManifestVersion,
		Archive: &ArchiveInfo{
			Digest: archiveDigester.Digest(),
			Size:   counter.n,
		},
		Chunks: cw.entries,
	}

	if !opts.NoManifest {
		var buf bytes.Buffer
		if err := m.Encode(&buf); err != nil {
			return nil, err
		}
		if _, err := dst.WriteChunk(ctx, manifestName, &buf); err != nil {
			return nil, err
		}
		m.source = manifestName
	}

	logger.Info("Wrote %d chunks (%d archive bytes)", len(m.Chunks), counter.n)
	return m, nil
}

// clearDestination makes sure no chunk from an earlier split can be picked
// up together with the new ones.
func clearDestination(ctx context.Context, dst stor.WritableStorage, p chunkPattern, manifestName string, opts SplitOptions) error {
	descs, err := dst.ListChunks(ctx)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var stale []string
	for _, d := range descs {
		if _, ok := p.index(d.Name); ok || (d.Name == manifestName && !opts.NoManifest) {
			stale = append(stale, d.Name)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if !opts.Overwrite {
		return rerrors.ErrIO.
			WithMessage("destination already contains chunks").
			WithDetail("existing", len(stale))
	}

	for _, name := range stale {
		if err := dst.RemoveChunk(ctx, name); err != nil {
			return NewIOError(name, err)
		}
	}
	logger.Info("Removed %d existing chunks", len(stale))
	return nil
}

// chunkWriter cuts the encoded text into chunks of exactly size bytes, the
// last one possibly shorter, and records each in the manifest.
type chunkWriter struct {
	ctx      context.Context
	dst      stor.WritableStorage
	pattern  chunkPattern
	pad      int
	size     int64
	progress ProgressCallback

	buf     bytes.Buffer
	entries []ChunkEntry
	written int64
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := int(w.size) - w.buf.Len()
		n := len(p)
		if n > room {
			n = room
		}
		w.buf.Write(p[:n])
		p = p[n:]
		if int64(w.buf.Len()) == w.size {
			if err := w.flush(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

func (w *chunkWriter) flush() error {
	if err := w.ctx.Err(); err != nil {
		return err
	}

	index := len(w.entries)
	name := w.pattern.name(index, w.pad)
	data := w.buf.Bytes()
	entry := ChunkEntry{
		Name:   name,
		Index:  index,
		Size:   int64(len(data)),
		Digest: digest.FromBytes(data),
	}

	if _, err := w.dst.WriteChunk(w.ctx, name, bytes.NewReader(data)); err != nil {
		if rerrors.IsReassembleError(err) {
			return err
		}
		return NewIOError(name, err)
	}
	w.buf.Reset()
	w.entries = append(w.entries, entry)
	w.written += entry.Size
	if w.progress != nil {
		w.progress(w.written, -1)
	}
	logger.Debug("Wrote chunk %s (%d bytes)", name, entry.Size)
	return nil
}

// Close writes the final, short chunk.
func (w *chunkWriter) Close() error {
	if w.buf.Len() == 0 {
		return nil
	}
	return w.flush()
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
