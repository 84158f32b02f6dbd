package reassemble

import (
	"context"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/flaneur2020/chunk-reassemble/reassemble/archiveutil"
	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
	"github.com/flaneur2020/chunk-reassemble/reassemble/logger"
	stor "github.com/flaneur2020/chunk-reassemble/reassemble/storage"
)

// Options configures a reassembly run.
type Options struct {
	Manifest ManifestOptions

	// RemoveChunks deletes the chunks, and the manifest they were read from,
	// once extraction has fully succeeded.
	RemoveChunks bool
	// SkipVerify ignores sizes and digests recorded in the manifest.
	SkipVerify bool
	// VerifyFirst checks every chunk against the manifest before anything
	// is written to the destination.
	VerifyFirst bool
	// SkipModTime leaves extracted mtimes at extraction time.
	SkipModTime bool

	Progress ProgressCallback
}

// Stats contains statistics about a reassembly
type Stats struct {
	Chunks        int
	EncodedBytes  int64
	DecodedBytes  int64
	Files         int
	Dirs          int
	Symlinks      int
	HardLinks     int
	BytesWritten  int64
	RemovedChunks int
}

// Reassembler turns an ordered set of base64 chunks back into a directory
// tree: concatenate, base64-decode, gunzip, untar.
type Reassembler struct {
	storage stor.Storage
	opts    Options
}

func NewReassembler(storage stor.Storage, opts Options) *Reassembler {
	return &Reassembler{
		storage: storage,
		opts:    opts,
	}
}

// Reassemble loads (or discovers) the manifest in storage and extracts the
// archive it describes into destDir.
func Reassemble(ctx context.Context, storage stor.Storage, destDir string, opts Options) (*Stats, error) {
	m, err := LoadOrDiscover(ctx, storage, opts.Manifest)
	if err != nil {
		return nil, err
	}
	return NewReassembler(storage, opts).Reassemble(ctx, m, destDir)
}

// Reassemble extracts the archive described by m into destDir. Any failure
// aborts the run; chunks are only removed after everything succeeded.
func (r *Reassembler) Reassemble(ctx context.Context, m *Manifest, destDir string) (*Stats, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Reassembling %d chunks into %s", len(m.Chunks), destDir)

	if r.opts.VerifyFirst && !r.opts.SkipVerify {
		if _, err := Verify(ctx, r.storage, m, VerifyOptions{}); err != nil {
			return nil, err
		}
	}

	stats := &Stats{}
	arch, err := openArchive(ctx, r.storage, m, !r.opts.SkipVerify, r.opts.Progress)
	if err != nil {
		return stats, err
	}
	defer arch.Close()

	ext, err := archiveutil.Extract(ctx, arch, destDir, archiveutil.ExtractOptions{SkipModTime: r.opts.SkipModTime})
	if ext != nil {
		stats.Files = ext.Files
		stats.Dirs = ext.Dirs
		stats.Symlinks = ext.Symlinks
		stats.HardLinks = ext.HardLinks
		stats.BytesWritten = ext.BytesWritten
	}
	if err != nil {
		arch.fillStats(stats)
		err = arch.classify(ctx, err)
		logger.Error("Reassembly failed: %v", err)
		return stats, err
	}

	if err := arch.finish(ctx); err != nil {
		arch.fillStats(stats)
		logger.Error("Reassembly failed: %v", err)
		return stats, err
	}
	arch.fillStats(stats)

	logger.Info("Extracted %d entries (%d files, %d dirs, %d bytes) from %d chunks",
		ext.Entries(), stats.Files, stats.Dirs, stats.BytesWritten, stats.Chunks)

	if r.opts.RemoveChunks {
		if err := r.removeChunks(ctx, m, stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (r *Reassembler) removeChunks(ctx context.Context, m *Manifest, stats *Stats) error {
	for _, c := range m.Chunks {
		err := r.storage.RemoveChunk(ctx, c.Name)
		if errors.Is(err, stor.ErrReadOnly) {
			logger.Info("Storage is read-only, leaving %d chunks in place", len(m.Chunks))
			return nil
		}
		if err != nil {
			return NewIOError(c.Name, err)
		}
		stats.RemovedChunks++
	}
	if src := m.Source(); src != "" {
		if err := r.storage.RemoveChunk(ctx, src); err != nil {
			return NewIOError(src, err)
		}
	}
	logger.Info("Removed %d chunks", stats.RemovedChunks)
	return nil
}

// archiveStream is the decoded, decompressed view of a chunk sequence. It
// knows which stage failed, so it can turn any error seen downstream into
// the right error kind.
type archiveStream struct {
	src     *chunkStream
	dec     *decodeReader
	gz      *gzip.Reader
	archive *ArchiveInfo
	verify  bool
}

func openArchive(ctx context.Context, storage stor.Storage, m *Manifest, verify bool, progress ProgressCallback) (*archiveStream, error) {
	src := newChunkStream(ctx, storage, m, verify, progress)
	dec := newDecodeReader(src)
	a := &archiveStream{
		src:     src,
		dec:     dec,
		archive: m.Archive,
		verify:  verify,
	}

	if verify && m.Archive != nil && m.Archive.Digest != "" {
		if !m.Archive.Digest.Algorithm().Available() {
			return nil, NewManifestError("digest algorithm unavailable").
				WithDetail("algorithm", m.Archive.Digest.Algorithm().String())
		}
		dec.digester = m.Archive.Digest.Algorithm().Digester()
	}

	gz, err := gzip.NewReader(dec)
	if err != nil {
		src.Close()
		return nil, a.classify(ctx, err)
	}
	a.gz = gz
	return a, nil
}

func (a *archiveStream) Read(p []byte) (int, error) {
	return a.gz.Read(p)
}

func (a *archiveStream) Close() error {
	if a.gz != nil {
		a.gz.Close()
	}
	return a.src.Close()
}

// finish consumes whatever follows the tar end marker, which makes gzip
// check its trailer and reject trailing garbage, then checks the archive
// size and digest.
func (a *archiveStream) finish(ctx context.Context) error {
	if _, err := io.Copy(io.Discard, a.gz); err != nil {
		return a.classify(ctx, err)
	}

	if !a.verify || a.archive == nil {
		return nil
	}
	if a.archive.Size > 0 && a.dec.n != a.archive.Size {
		return NewSizeMismatchError("archive", a.archive.Size, a.dec.n)
	}
	if a.dec.digester != nil {
		if got := a.dec.digester.Digest(); got != a.archive.Digest {
			return NewDigestMismatchError("archive", a.archive.Digest, got)
		}
	}
	return nil
}

func (a *archiveStream) fillStats(stats *Stats) {
	stats.Chunks = a.src.chunksRead
	stats.EncodedBytes = a.src.bytesRead
	stats.DecodedBytes = a.dec.n
}

// classify maps an error observed at the tar or gzip layer back to the
// stage that caused it.
func (a *archiveStream) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if a.src.err != nil {
		return a.src.err
	}
	if a.dec.err != nil {
		return a.dec.err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return rerrors.ErrIO.WithMessage("reassembly canceled").WithCause(ctxErr)
	}
	if errors.Is(err, rerrors.ErrIO) || errors.Is(err, rerrors.ErrArchiveFormat) || errors.Is(err, rerrors.ErrIntegrity) {
		return err
	}
	if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
		return rerrors.ErrArchiveFormat.WithMessage("empty or truncated gzip stream").WithCause(err)
	}
	return NewArchiveFormatError(err)
}
