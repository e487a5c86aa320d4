package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/remote-cli/remote/internal/verify"
)

// Compile-time interface checks.
var (
	_ Source = (*LocalSource)(nil)
	_ Dest   = (*LocalDest)(nil)
)

// LocalSource reads ranges from a file on the local filesystem. A single
// *os.File is shared by all readers; ReadAt is safe for concurrent use.
type LocalSource struct {
	path string
	f    *os.File
}

// NewLocalSource opens path for reading.
func NewLocalSource(path string) (*LocalSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", path, err)
	}
	return &LocalSource{path: path, f: f}, nil
}

func (s *LocalSource) Stat(ctx context.Context) (FileInfo, error) {
	info, err := s.f.Stat()
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", s.path, err)
	}
	return FileInfo{Size: info.Size(), ModTime: info.ModTime(), Mode: info.Mode()}, nil
}

func (s *LocalSource) OpenReader(ctx context.Context) (Reader, error) {
	return localReader{f: s.f}, nil
}

func (s *LocalSource) Close() error { return s.f.Close() }

type localReader struct {
	f *os.File
}

func (r localReader) ReadRange(ctx context.Context, offset int64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	n, err := r.f.ReadAt(buf, offset)
	if err != nil {
		return fmt.Errorf("read %d bytes at %d: %w", len(buf), offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short read at %d: %d of %d bytes", offset, n, len(buf))
	}
	return nil
}

// Close is a no-op: the file handle belongs to the LocalSource.
func (localReader) Close() error { return nil }

// LocalDest writes the staging file on the local filesystem and
// publishes it with an atomic rename.
type LocalDest struct {
	dstPath     string
	stagingPath string
	f           *os.File
}

// NewLocalDest prepares a destination at dstPath with the staging file
// <dst>.part-<taskID> alongside it.
func NewLocalDest(dstPath, taskID string) *LocalDest {
	dir := filepath.Dir(dstPath)
	base := filepath.Base(dstPath)
	return &LocalDest{
		dstPath:     dstPath,
		stagingPath: filepath.Join(dir, base+".part-"+taskID),
	}
}

func (d *LocalDest) Prepare(ctx context.Context, size int64) error {
	if err := os.MkdirAll(filepath.Dir(d.dstPath), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	f, err := os.OpenFile(d.stagingPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("create staging %s: %w", d.stagingPath, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("size staging %s: %w", d.stagingPath, err)
	}
	d.f = f
	return nil
}

func (d *LocalDest) OpenWriter(ctx context.Context) (Writer, error) {
	if d.f == nil {
		return nil, errors.New("staging file not prepared")
	}
	return localWriter{f: d.f}, nil
}

func (d *LocalDest) Hash(ctx context.Context) (string, error) {
	return verify.HashFile(d.stagingPath)
}

func (d *LocalDest) Chmod(ctx context.Context, mode os.FileMode) error {
	return os.Chmod(d.stagingPath, mode.Perm())
}

func (d *LocalDest) Publish(ctx context.Context) error {
	if d.f != nil {
		if err := d.f.Sync(); err != nil {
			return fmt.Errorf("sync staging: %w", err)
		}
		if err := d.f.Close(); err != nil {
			return fmt.Errorf("close staging: %w", err)
		}
		d.f = nil
	}
	if err := os.Rename(d.stagingPath, d.dstPath); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", d.stagingPath, d.dstPath, err)
	}
	syncDir(filepath.Dir(d.dstPath))
	return nil
}

func (d *LocalDest) DiscardStaging(ctx context.Context) error {
	if d.f != nil {
		_ = d.f.Close()
		d.f = nil
	}
	err := os.Remove(d.stagingPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (d *LocalDest) StagingPath() string { return d.stagingPath }

func (d *LocalDest) Close() error {
	if d.f != nil {
		err := d.f.Close()
		d.f = nil
		return err
	}
	return nil
}

type localWriter struct {
	f *os.File
}

func (w localWriter) WriteRange(ctx context.Context, offset int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	n, err := w.f.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("write %d bytes at %d: %w", len(data), offset, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write at %d: %d of %d bytes", offset, n, len(data))
	}
	return nil
}

func (localWriter) Close() error { return nil }

// syncDir fsyncs a directory after a rename. Best effort.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
