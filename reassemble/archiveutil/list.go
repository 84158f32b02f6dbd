package archiveutil

import (
	"archive/tar"
	"context"
	"io"
	"path"

	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
)

// Entry is a tar member as Extract would see it.
type Entry struct {
	// Path is the cleaned, destination-relative path.
	Path   string
	Header *tar.Header
}

// List walks the tar stream in r without touching the filesystem, calling fn
// for every member Extract would materialise. Member names get the same
// checks Extract applies, so a stream List accepts extracts cleanly as far
// as the archive itself is concerned. File contents are read and discarded.
func List(ctx context.Context, r io.Reader, fn func(Entry) error) (int, error) {
	tr := tar.NewReader(r)
	count := 0
	sawHeader := false
	links := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, rerrors.ErrArchiveFormat.WithCause(err)
		}
		sawHeader = true

		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		rel, err := entryPath(hdr.Name)
		if err != nil {
			return count, err
		}
		if rel == "" {
			continue
		}
		if err := checkListedParents(links, rel); err != nil {
			return count, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir, tar.TypeReg, tar.TypeGNUSparse:
		case tar.TypeSymlink:
			if err := checkSymlink(rel, hdr.Linkname); err != nil {
				return count, err
			}
		case tar.TypeLink:
			linkRel, err := entryPath(hdr.Linkname)
			if err != nil || linkRel == "" {
				return count, rerrors.ErrArchiveFormat.
					WithMessage("hard link target escapes destination").
					WithDetail("path", hdr.Name).
					WithDetail("link", hdr.Linkname)
			}
			if err := checkListedParents(links, linkRel); err != nil {
				return count, err
			}
		default:
			return count, rerrors.ErrArchiveFormat.
				WithMessage("unsupported tar entry type").
				WithDetail("path", hdr.Name).
				WithDetail("type", string(hdr.Typeflag))
		}
		if hdr.Typeflag == tar.TypeSymlink {
			links[rel] = true
		} else {
			delete(links, rel)
		}

		if _, err := io.Copy(io.Discard, tr); err != nil {
			return count, rerrors.ErrArchiveFormat.WithDetail("path", rel).WithCause(err)
		}

		count++
		if fn != nil {
			if err := fn(Entry{Path: rel, Header: hdr}); err != nil {
				return count, err
			}
		}
	}

	if !sawHeader {
		return count, rerrors.ErrArchiveFormat.WithMessage("archive contains no entries")
	}
	return count, nil
}

// checkListedParents is the stream-only form of checkParents: links holds the
// paths that are symlinks so far.
func checkListedParents(links map[string]bool, rel string) error {
	for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
		if links[dir] {
			return rerrors.ErrArchiveFormat.
				WithMessage("entry path traverses a symlink").
				WithDetail("path", rel).
				WithDetail("symlink", dir)
		}
	}
	return nil
}
