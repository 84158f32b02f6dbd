package archiveutil

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
	"github.com/flaneur2020/chunk-reassemble/reassemble/logger"
)

// ExtractOptions tunes Extract.
type ExtractOptions struct {
	// SkipModTime leaves file and directory mtimes at extraction time.
	SkipModTime bool
}

// ExtractStats counts what Extract materialised.
type ExtractStats struct {
	Files        int
	Dirs         int
	Symlinks     int
	HardLinks    int
	BytesWritten int64
}

// Entries returns the total number of extracted entries.
func (s *ExtractStats) Entries() int {
	return s.Files + s.Dirs + s.Symlinks + s.HardLinks
}

type dirMeta struct {
	path    string
	mode    os.FileMode
	modTime time.Time
}

// Extract reads a tar stream from r and writes its entries under destDir.
// Names escaping destDir are rejected; a leading "/" is stripped the way
// GNU tar does. Existing files and links are replaced, so extracting the
// same archive twice yields the same tree.
//
// Tar format problems are reported as ARCHIVE_FORMAT_ERROR and filesystem
// failures as IO_ERROR. Errors from r itself surface as ARCHIVE_FORMAT_ERROR
// wrapping the original error; callers that know more about r may reclassify.
func Extract(ctx context.Context, r io.Reader, destDir string, opts ExtractOptions) (*ExtractStats, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, rerrors.ErrIO.WithDetail("path", destDir).WithCause(err)
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, rerrors.ErrIO.WithDetail("path", destDir).WithCause(err)
	}

	stats := &ExtractStats{}
	var dirs []dirMeta

	tr := tar.NewReader(r)
	sawHeader := false
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, rerrors.ErrArchiveFormat.WithCause(err)
		}
		sawHeader = true

		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		rel, err := entryPath(hdr.Name)
		if err != nil {
			return stats, err
		}
		if rel == "" {
			// the archive root, e.g. "./"
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(rel))
		if err := checkParents(root, rel); err != nil {
			return stats, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := extractDir(target); err != nil {
				return stats, err
			}
			dirs = append(dirs, dirMeta{path: target, mode: hdr.FileInfo().Mode().Perm(), modTime: hdr.ModTime})
			stats.Dirs++

		case tar.TypeReg, tar.TypeGNUSparse:
			n, err := extractFile(tr, target, hdr)
			stats.BytesWritten += n
			if err != nil {
				return stats, err
			}
			if !opts.SkipModTime && !hdr.ModTime.IsZero() {
				if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
					return stats, rerrors.ErrIO.WithDetail("path", rel).WithCause(err)
				}
			}
			stats.Files++

		case tar.TypeSymlink:
			if err := extractSymlink(root, target, rel, hdr.Linkname); err != nil {
				return stats, err
			}
			stats.Symlinks++

		case tar.TypeLink:
			linkRel, err := entryPath(hdr.Linkname)
			if err != nil || linkRel == "" {
				return stats, rerrors.ErrArchiveFormat.
					WithMessage("hard link target escapes destination").
					WithDetail("path", hdr.Name).
					WithDetail("link", hdr.Linkname)
			}
			if err := checkParents(root, linkRel); err != nil {
				return stats, err
			}
			if err := extractHardLink(filepath.Join(root, filepath.FromSlash(linkRel)), target); err != nil {
				return stats, err
			}
			stats.HardLinks++

		default:
			return stats, rerrors.ErrArchiveFormat.
				WithMessage("unsupported tar entry type").
				WithDetail("path", hdr.Name).
				WithDetail("type", string(hdr.Typeflag))
		}

		logger.Debug("Extracted %s (%c, %d bytes)", rel, hdr.Typeflag, hdr.Size)
	}

	if !sawHeader {
		return stats, rerrors.ErrArchiveFormat.WithMessage("archive contains no entries")
	}

	// Directory modes and times go last so read-only directories and later
	// writes into a directory do not interfere.
	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		if err := os.Chmod(d.path, d.mode); err != nil {
			return stats, rerrors.ErrIO.WithDetail("path", d.path).WithCause(err)
		}
		if !opts.SkipModTime && !d.modTime.IsZero() {
			if err := os.Chtimes(d.path, d.modTime, d.modTime); err != nil {
				return stats, rerrors.ErrIO.WithDetail("path", d.path).WithCause(err)
			}
		}
	}

	return stats, nil
}

// entryPath cleans a tar entry name into a slash-separated path relative to
// the destination. It returns "" for the archive root.
func entryPath(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", rerrors.ErrArchiveFormat.WithMessage("entry name contains NUL").WithDetail("path", name)
	}
	if strings.HasPrefix(name, "/") {
		logger.Warn("Removing leading '/' from member name %s", name)
	}
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", nil
	}
	rel := strings.TrimPrefix(clean, "/")

	// path.Clean on a rooted path collapses leading "..", so compare against
	// the uncleaned form to catch traversal attempts.
	unrooted := path.Clean(strings.TrimLeft(name, "/"))
	if unrooted == ".." || strings.HasPrefix(unrooted, "../") {
		return "", rerrors.ErrArchiveFormat.
			WithMessage("entry escapes destination").
			WithDetail("path", name)
	}
	return rel, nil
}

// checkParents walks the directories leading to rel as they exist under root
// and rejects the entry if one of them is a symlink. Link targets are checked
// as text, so following a link created by an earlier entry could otherwise
// land outside root.
func checkParents(root, rel string) error {
	dir := path.Dir(rel)
	if dir == "." {
		return nil
	}
	cur := root
	for _, part := range strings.Split(dir, "/") {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return rerrors.ErrIO.WithDetail("path", cur).WithCause(err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return rerrors.ErrArchiveFormat.
				WithMessage("entry path traverses a symlink").
				WithDetail("path", rel).
				WithDetail("symlink", cur)
		}
		if !info.IsDir() {
			// creating the parent fails with an IO error
			return nil
		}
	}
	return nil
}

// removeNonDir clears whatever non-directory sits at target.
func removeNonDir(target string) error {
	info, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return rerrors.ErrIO.WithDetail("path", target).WithCause(err)
	}
	if info.IsDir() {
		return rerrors.ErrArchiveFormat.
			WithMessage("entry would replace a directory").
			WithDetail("path", target)
	}
	if err := os.Remove(target); err != nil {
		return rerrors.ErrIO.WithDetail("path", target).WithCause(err)
	}
	return nil
}

func mkParent(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return rerrors.ErrIO.WithDetail("path", filepath.Dir(target)).WithCause(err)
	}
	return nil
}

func extractDir(target string) error {
	info, err := os.Lstat(target)
	if err == nil && !info.IsDir() {
		if err := os.Remove(target); err != nil {
			return rerrors.ErrIO.WithDetail("path", target).WithCause(err)
		}
	}
	// Writable while extracting; the archived mode is applied at the end.
	if err := os.MkdirAll(target, 0755); err != nil {
		return rerrors.ErrIO.WithDetail("path", target).WithCause(err)
	}
	if err := os.Chmod(target, 0755); err != nil {
		return rerrors.ErrIO.WithDetail("path", target).WithCause(err)
	}
	return nil
}

func extractFile(r io.Reader, target string, hdr *tar.Header) (int64, error) {
	if err := mkParent(target); err != nil {
		return 0, err
	}
	if err := removeNonDir(target); err != nil {
		return 0, err
	}

	mode := hdr.FileInfo().Mode().Perm()
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_EXCL, mode|0200)
	if err != nil {
		return 0, rerrors.ErrIO.WithDetail("path", hdr.Name).WithCause(err)
	}

	w := &errWriter{w: f}
	n, copyErr := io.Copy(w, r)
	closeErr := f.Close()

	switch {
	case w.err != nil:
		return n, rerrors.ErrIO.WithDetail("path", hdr.Name).WithCause(w.err)
	case copyErr != nil:
		return n, rerrors.ErrArchiveFormat.WithDetail("path", hdr.Name).WithCause(copyErr)
	case closeErr != nil:
		return n, rerrors.ErrIO.WithDetail("path", hdr.Name).WithCause(closeErr)
	}

	// OpenFile is subject to the umask
	if err := os.Chmod(target, mode); err != nil {
		return n, rerrors.ErrIO.WithDetail("path", hdr.Name).WithCause(err)
	}
	return n, nil
}

// checkSymlink rejects link targets that are absolute or resolve outside
// the destination, given the link's own destination-relative path.
func checkSymlink(rel, linkname string) error {
	if linkname == "" {
		return rerrors.ErrArchiveFormat.WithMessage("symlink without target").WithDetail("path", rel)
	}
	if filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return rerrors.ErrArchiveFormat.
			WithMessage("absolute symlink target").
			WithDetail("path", rel).
			WithDetail("link", linkname)
	}
	resolved := path.Join(path.Dir(rel), linkname)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return rerrors.ErrArchiveFormat.
			WithMessage("symlink target escapes destination").
			WithDetail("path", rel).
			WithDetail("link", linkname)
	}
	return nil
}

func extractSymlink(root, target, rel, linkname string) error {
	if err := checkSymlink(rel, linkname); err != nil {
		return err
	}
	if !within(root, filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))) {
		return rerrors.ErrArchiveFormat.
			WithMessage("symlink target escapes destination").
			WithDetail("path", rel).
			WithDetail("link", linkname)
	}

	if err := mkParent(target); err != nil {
		return err
	}
	if err := removeNonDir(target); err != nil {
		return err
	}
	if err := os.Symlink(linkname, target); err != nil {
		return rerrors.ErrIO.WithDetail("path", rel).WithCause(err)
	}
	return nil
}

func extractHardLink(source, target string) error {
	if source == target {
		return nil
	}
	if err := mkParent(target); err != nil {
		return err
	}
	if err := removeNonDir(target); err != nil {
		return err
	}
	if err := os.Link(source, target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rerrors.ErrArchiveFormat.
				WithMessage("hard link to an entry not yet extracted").
				WithDetail("path", target).
				WithCause(err)
		}
		return rerrors.ErrIO.WithDetail("path", target).WithCause(err)
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// errWriter remembers the first write error so a failed io.Copy can be
// attributed to the destination rather than the archive.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("write: %w", err)
	}
	return n, err
}
