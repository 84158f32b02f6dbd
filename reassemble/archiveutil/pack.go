package archiveutil

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
	"github.com/flaneur2020/chunk-reassemble/reassemble/logger"
)

// PackStats counts what Pack archived.
type PackStats struct {
	Entries int
	Bytes   int64
}

// Pack writes srcDir as a gzip-compressed tar stream to w. Entries are
// written in lexical order with owner names and ids cleared and times
// truncated to seconds, so packing an unchanged tree twice yields the same
// bytes. The archive starts with a "./" root entry. Sockets, devices and
// named pipes are skipped.
func Pack(ctx context.Context, w io.Writer, srcDir string, level int) (*PackStats, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return nil, rerrors.ErrIO.WithDetail("path", srcDir).WithCause(err)
	}
	if !info.IsDir() {
		return nil, rerrors.ErrIO.WithMessage("source is not a directory").WithDetail("path", srcDir)
	}

	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, rerrors.ErrArchiveFormat.WithDetail("level", level).WithCause(err)
	}
	tw := tar.NewWriter(gz)
	stats := &PackStats{}

	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return rerrors.ErrIO.WithDetail("path", p).WithCause(err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return rerrors.ErrIO.WithDetail("path", p).WithCause(err)
		}

		fi, err := d.Info()
		if err != nil {
			return rerrors.ErrIO.WithDetail("path", p).WithCause(err)
		}

		var link string
		switch {
		case fi.Mode()&fs.ModeSymlink != 0:
			if link, err = os.Readlink(p); err != nil {
				return rerrors.ErrIO.WithDetail("path", p).WithCause(err)
			}
		case fi.IsDir(), fi.Mode().IsRegular():
		default:
			logger.Warn("Skipping special file %s (%s)", rel, fi.Mode().Type())
			return nil
		}

		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return rerrors.ErrArchiveFormat.WithDetail("path", p).WithCause(err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if rel == "." {
			hdr.Name = "./"
		} else if fi.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""
		hdr.ModTime = fi.ModTime().Truncate(time.Second)
		hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
		hdr.Format = tar.FormatPAX

		if err := tw.WriteHeader(hdr); err != nil {
			return rerrors.ErrArchiveFormat.WithDetail("path", hdr.Name).WithCause(err)
		}
		stats.Entries++

		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return rerrors.ErrIO.WithDetail("path", p).WithCause(err)
		}
		defer f.Close()

		n, err := io.Copy(tw, f)
		stats.Bytes += n
		if err != nil {
			return rerrors.ErrIO.WithDetail("path", p).WithCause(err)
		}
		return nil
	})
	if walkErr != nil {
		return stats, walkErr
	}

	if err := tw.Close(); err != nil {
		return stats, rerrors.ErrIO.WithCause(err)
	}
	if err := gz.Close(); err != nil {
		return stats, rerrors.ErrIO.WithCause(err)
	}
	return stats, nil
}
