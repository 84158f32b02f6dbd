package reassemble

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flaneur2020/chunk-reassemble/reassemble/archiveutil"
	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
	"github.com/flaneur2020/chunk-reassemble/reassemble/logger"
	stor "github.com/flaneur2020/chunk-reassemble/reassemble/storage"
)

// DefaultVerifyConcurrency is the number of chunks checked at once.
const DefaultVerifyConcurrency = 4

// VerifyOptions tunes Verify.
type VerifyOptions struct {
	Concurrency int
	// Deep also decodes the whole stream and walks the tar headers, which
	// catches problems no per-chunk check can see.
	Deep bool
}

// VerifyReport lists what Verify found, by chunk name.
type VerifyReport struct {
	Checked        int
	Missing        []string
	SizeMismatch   []string
	DigestMismatch []string
	// Unverifiable chunks have neither a recorded size nor a digest.
	Unverifiable []string

	// Entries is the number of tar members seen by a deep check.
	Entries int
}

// OK reports whether every chunk is present and matches the manifest.
func (r *VerifyReport) OK() bool {
	return len(r.Missing) == 0 && len(r.SizeMismatch) == 0 && len(r.DigestMismatch) == 0
}

// Verify checks that every chunk in m exists and matches its recorded size
// and digest, without writing anything. It returns the report and, when
// the report is not OK, a CHUNK_NOT_FOUND error if chunks are only missing
// or an INTEGRITY_ERROR otherwise.
func Verify(ctx context.Context, storage stor.Storage, m *Manifest, opts VerifyOptions) (*VerifyReport, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultVerifyConcurrency
	}

	report := &VerifyReport{}
	var mu sync.Mutex
	record := func(list *[]string, name string) {
		mu.Lock()
		*list = append(*list, name)
		mu.Unlock()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for _, c := range m.Chunks {
		c := c
		eg.Go(func() error {
			if c.Size == 0 && c.Digest == "" {
				record(&report.Unverifiable, c.Name)
			}
			err := verifyChunk(egCtx, storage, c)
			switch {
			case err == nil:
			case errors.Is(err, rerrors.ErrChunkNotFound):
				record(&report.Missing, c.Name)
			case errors.Is(err, errSizeMismatch):
				record(&report.SizeMismatch, c.Name)
			case errors.Is(err, errDigestMismatch):
				record(&report.DigestMismatch, c.Name)
			default:
				return err
			}
			mu.Lock()
			report.Checked++
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return report, err
	}

	sort.Strings(report.Missing)
	sort.Strings(report.SizeMismatch)
	sort.Strings(report.DigestMismatch)
	sort.Strings(report.Unverifiable)

	if !report.OK() {
		return report, report.err()
	}

	if opts.Deep {
		n, err := verifyArchive(ctx, storage, m)
		report.Entries = n
		if err != nil {
			return report, err
		}
	}

	logger.Info("Verified %d chunks", report.Checked)
	return report, nil
}

func (r *VerifyReport) err() error {
	if len(r.SizeMismatch) == 0 && len(r.DigestMismatch) == 0 {
		return rerrors.ErrChunkNotFound.
			WithMessage("chunks missing").
			WithDetail("missing", r.Missing)
	}
	err := rerrors.ErrIntegrity.WithMessage("chunks do not match manifest")
	if len(r.Missing) > 0 {
		err = err.WithDetail("missing", r.Missing)
	}
	if len(r.SizeMismatch) > 0 {
		err = err.WithDetail("size", r.SizeMismatch)
	}
	if len(r.DigestMismatch) > 0 {
		err = err.WithDetail("digest", r.DigestMismatch)
	}
	return err
}

var (
	errSizeMismatch   = errors.New("size mismatch")
	errDigestMismatch = errors.New("digest mismatch")
)

func verifyChunk(ctx context.Context, storage stor.Storage, c ChunkEntry) error {
	rc, err := storage.OpenChunk(ctx, c.Name)
	if err != nil {
		if rerrors.IsReassembleError(err) {
			return err
		}
		return NewIOError(c.Name, err)
	}
	defer rc.Close()

	var w io.Writer = io.Discard
	var check func() error
	if c.Digest != "" {
		if !c.Digest.Algorithm().Available() {
			return NewManifestError("digest algorithm unavailable").
				WithDetail("chunk", c.Name).
				WithDetail("algorithm", c.Digest.Algorithm().String())
		}
		verifier := c.Digest.Verifier()
		w = verifier
		check = func() error {
			if !verifier.Verified() {
				logger.Warn("Chunk %s does not match digest %s", c.Name, c.Digest)
				return errDigestMismatch
			}
			return nil
		}
	}

	n, err := io.Copy(w, rc)
	if err != nil {
		return NewIOError(c.Name, err)
	}
	if c.Size > 0 && n != c.Size {
		logger.Warn("Chunk %s is %d bytes, manifest says %d", c.Name, n, c.Size)
		return errSizeMismatch
	}
	if check != nil {
		return check()
	}
	logger.Debug("Chunk %s ok (%d bytes)", c.Name, n)
	return nil
}

// verifyArchive streams the whole chunk sequence through base64 and gzip and
// walks the tar headers, checking the archive digest on the way.
func verifyArchive(ctx context.Context, storage stor.Storage, m *Manifest) (int, error) {
	return List(ctx, storage, m, true, nil)
}

// List decodes the archive described by m and calls fn for every member,
// without writing anything. With verify set, sizes and digests recorded in
// the manifest are checked as with Reassemble.
func List(ctx context.Context, storage stor.Storage, m *Manifest, verify bool, fn func(archiveutil.Entry) error) (int, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}

	arch, err := openArchive(ctx, storage, m, verify, nil)
	if err != nil {
		return 0, err
	}
	defer arch.Close()

	n, err := archiveutil.List(ctx, arch, fn)
	if err != nil {
		if rerrors.IsReassembleError(err) || ctx.Err() != nil || arch.src.err != nil || arch.dec.err != nil {
			return n, arch.classify(ctx, err)
		}
		// fn's own error
		return n, err
	}
	if err := arch.finish(ctx); err != nil {
		return n, err
	}
	logger.Debug("Archive ok: %d entries, %d bytes", n, arch.dec.n)
	return n, nil
}
