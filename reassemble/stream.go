package reassemble

import (
	"context"
	"encoding/base64"
	"errors"
	"io"

	"github.com/opencontainers/go-digest"

	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
	"github.com/flaneur2020/chunk-reassemble/reassemble/logger"
	stor "github.com/flaneur2020/chunk-reassemble/reassemble/storage"
)

// ProgressCallback is called while chunks are consumed
// current: encoded bytes read so far
// total: sum of chunk sizes (may be -1 if unknown)
type ProgressCallback func(current int64, total int64)

// chunkStream concatenates chunks in manifest order, opening each one only
// when the previous one is exhausted. When verify is set, each chunk's
// recorded size and digest are checked as it reaches EOF.
type chunkStream struct {
	ctx      context.Context
	storage  stor.Storage
	chunks   []ChunkEntry
	verify   bool
	progress ProgressCallback
	total    int64

	pos      int
	cur      io.ReadCloser
	curRead  int64
	digester digest.Digester
	lastName string

	chunksRead int
	bytesRead  int64

	// err is the first failure, already classified; once set every Read
	// returns it.
	err error
}

func newChunkStream(ctx context.Context, storage stor.Storage, m *Manifest, verify bool, progress ProgressCallback) *chunkStream {
	return &chunkStream{
		ctx:      ctx,
		storage:  storage,
		chunks:   m.Chunks,
		verify:   verify,
		progress: progress,
		total:    m.EncodedSize(),
	}
}

func (s *chunkStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}

	for {
		if s.cur == nil {
			if s.pos >= len(s.chunks) {
				return 0, io.EOF
			}
			if err := s.open(); err != nil {
				s.err = err
				return 0, err
			}
		}

		n, err := s.cur.Read(p)
		if n > 0 {
			s.curRead += int64(n)
			s.bytesRead += int64(n)
			if s.digester != nil {
				s.digester.Hash().Write(p[:n])
			}
			if s.progress != nil {
				s.progress(s.bytesRead, s.total)
			}
		}

		switch {
		case err == io.EOF:
			if ferr := s.finish(); ferr != nil {
				s.err = ferr
				return n, ferr
			}
			if n > 0 {
				return n, nil
			}
		case err != nil:
			if !rerrors.IsReassembleError(err) {
				err = NewIOError(s.chunks[s.pos].Name, err)
			}
			s.err = err
			return n, err
		case n > 0:
			return n, nil
		}
	}
}

func (s *chunkStream) open() error {
	if err := s.ctx.Err(); err != nil {
		return rerrors.ErrIO.WithMessage("reassembly canceled").WithCause(err)
	}

	entry := s.chunks[s.pos]
	rc, err := s.storage.OpenChunk(s.ctx, entry.Name)
	if err != nil {
		if rerrors.IsReassembleError(err) {
			return err
		}
		return NewIOError(entry.Name, err)
	}

	s.cur = rc
	s.curRead = 0
	s.digester = nil
	s.lastName = entry.Name
	if s.verify && entry.Digest != "" {
		if !entry.Digest.Algorithm().Available() {
			rc.Close()
			s.cur = nil
			return NewManifestError("digest algorithm unavailable").
				WithDetail("chunk", entry.Name).
				WithDetail("algorithm", entry.Digest.Algorithm().String())
		}
		s.digester = entry.Digest.Algorithm().Digester()
	}

	logger.Debug("Reading chunk %d/%d: %s", s.pos+1, len(s.chunks), entry.Name)
	return nil
}

func (s *chunkStream) finish() error {
	entry := s.chunks[s.pos]
	closeErr := s.cur.Close()
	s.cur = nil
	s.pos++
	s.chunksRead++

	if closeErr != nil {
		return NewIOError(entry.Name, closeErr)
	}
	if !s.verify {
		return nil
	}
	if entry.Size > 0 && s.curRead != entry.Size {
		return NewSizeMismatchError(entry.Name, entry.Size, s.curRead)
	}
	if s.digester != nil {
		if got := s.digester.Digest(); got != entry.Digest {
			return NewDigestMismatchError(entry.Name, entry.Digest, got)
		}
	}
	return nil
}

// currentName names the chunk being read, or the last one read.
func (s *chunkStream) currentName() string {
	return s.lastName
}

func (s *chunkStream) Close() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	return err
}

// decodeReader base64-decodes the chunk stream and attributes decoder
// failures to DECODE_ERROR. It also counts and optionally hashes the
// decoded bytes.
type decodeReader struct {
	r        io.Reader
	src      *chunkStream
	digester digest.Digester
	n        int64
	err      error
}

func newDecodeReader(src *chunkStream) *decodeReader {
	return &decodeReader{
		r:   base64.NewDecoder(base64.StdEncoding, src),
		src: src,
	}
}

func (d *decodeReader) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}

	n, err := d.r.Read(p)
	if n > 0 {
		d.n += int64(n)
		if d.digester != nil {
			d.digester.Hash().Write(p[:n])
		}
	}
	if err == nil || err == io.EOF || d.src.err != nil {
		return n, err
	}

	// The decoder only fails on its own for corrupt input or a trailing
	// partial quantum (io.ErrUnexpectedEOF); everything else came from src.
	var corrupt base64.CorruptInputError
	if errors.As(err, &corrupt) || errors.Is(err, io.ErrUnexpectedEOF) {
		d.err = NewDecodeError(d.src.currentName(), err)
		return n, d.err
	}
	return n, err
}
