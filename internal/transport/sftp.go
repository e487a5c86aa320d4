package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"

	"github.com/remote-cli/remote/internal/verify"
)

// Compile-time interface checks.
var (
	_ Source = (*SFTPSource)(nil)
	_ Dest   = (*SFTPDest)(nil)
)

// SFTPSource reads ranges of a remote file. Each reader checks out its
// own channel from the pool, so readers proceed in parallel.
type SFTPSource struct {
	pool *ChannelPool
	path string
}

// NewSFTPSource creates a source for a remote path already resolved to
// an absolute form.
func NewSFTPSource(pool *ChannelPool, remotePath string) *SFTPSource {
	return &SFTPSource{pool: pool, path: remotePath}
}

func (s *SFTPSource) Stat(ctx context.Context) (FileInfo, error) {
	info, err := s.pool.Stat(ctx, s.path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat remote %s: %w", s.path, err)
	}
	return info, nil
}

func (s *SFTPSource) OpenReader(ctx context.Context) (Reader, error) {
	ch, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	var f *sftp.File
	err = runWithDeadline(ctx, s.pool.timeout, func() error {
		var openErr error
		f, openErr = ch.sftp.Open(s.path)
		return openErr
	})
	if err != nil {
		s.pool.Put(ch, true)
		return nil, fmt.Errorf("open remote %s: %w", s.path, err)
	}
	return &sftpReader{pool: s.pool, ch: ch, f: f}, nil
}

func (s *SFTPSource) Close() error { return nil }

type sftpReader struct {
	pool   *ChannelPool
	ch     *channel
	f      *sftp.File
	broken bool
}

func (r *sftpReader) ReadRange(ctx context.Context, offset int64, buf []byte) error {
	if len(buf) == 0 {
		return ctx.Err()
	}
	err := runWithDeadline(ctx, r.pool.timeout, func() error {
		n, err := r.f.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return err
		}
		if n != len(buf) {
			return fmt.Errorf("short read at %d: %d of %d bytes", offset, n, len(buf))
		}
		return nil
	})
	if err != nil {
		r.broken = true
	}
	return err
}

func (r *sftpReader) Close() error {
	err := r.f.Close()
	r.pool.Put(r.ch, r.broken || err != nil)
	return err
}

// SFTPDest writes the staging file on the remote filesystem and
// publishes it with an SFTP rename.
type SFTPDest struct {
	pool        *ChannelPool
	dstPath     string
	stagingPath string
}

// NewSFTPDest creates a destination for a resolved remote path with the
// staging file <dst>.part-<taskID> alongside it.
func NewSFTPDest(pool *ChannelPool, dstPath, taskID string) *SFTPDest {
	dir := path.Dir(dstPath)
	base := path.Base(dstPath)
	return &SFTPDest{
		pool:        pool,
		dstPath:     dstPath,
		stagingPath: path.Join(dir, base+".part-"+taskID),
	}
}

func (d *SFTPDest) Prepare(ctx context.Context, size int64) error {
	return d.pool.withChannel(ctx, func(c *sftp.Client) error {
		if err := c.MkdirAll(path.Dir(d.dstPath)); err != nil {
			return fmt.Errorf("create remote dir: %w", err)
		}
		f, err := c.OpenFile(d.stagingPath, os.O_WRONLY|os.O_CREATE)
		if err != nil {
			return fmt.Errorf("create remote staging %s: %w", d.stagingPath, err)
		}
		// Pre-size so parallel disjoint-offset writes land in an
		// allocated file.
		if err := f.Truncate(size); err != nil {
			f.Close()
			return fmt.Errorf("size remote staging: %w", err)
		}
		return f.Close()
	})
}

func (d *SFTPDest) OpenWriter(ctx context.Context) (Writer, error) {
	ch, err := d.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	var f *sftp.File
	err = runWithDeadline(ctx, d.pool.timeout, func() error {
		var openErr error
		f, openErr = ch.sftp.OpenFile(d.stagingPath, os.O_WRONLY)
		return openErr
	})
	if err != nil {
		d.pool.Put(ch, true)
		return nil, fmt.Errorf("open remote staging %s: %w", d.stagingPath, err)
	}
	return &sftpWriter{pool: d.pool, ch: ch, f: f}, nil
}

func (d *SFTPDest) Hash(ctx context.Context) (string, error) {
	var digest string
	// Hashing streams the whole staging file, so it runs without the
	// per-op deadline sized for single chunks; ctx is consulted only when
	// the channel is checked out.
	ch, err := d.pool.Get(ctx)
	if err != nil {
		return "", err
	}
	f, err := ch.sftp.Open(d.stagingPath)
	if err != nil {
		d.pool.Put(ch, true)
		return "", fmt.Errorf("open remote staging for hash: %w", err)
	}
	digest, err = verify.HashReader(f)
	closeErr := f.Close()
	d.pool.Put(ch, err != nil || closeErr != nil)
	if err != nil {
		return "", err
	}
	return digest, nil
}

func (d *SFTPDest) Chmod(ctx context.Context, mode os.FileMode) error {
	return d.pool.withChannel(ctx, func(c *sftp.Client) error {
		return c.Chmod(d.stagingPath, mode.Perm())
	})
}

func (d *SFTPDest) Publish(ctx context.Context) error {
	return d.pool.withChannel(ctx, func(c *sftp.Client) error {
		// POSIX rename replaces the target atomically where the server
		// supports the extension; plain SFTP rename needs the target
		// gone first.
		if err := c.PosixRename(d.stagingPath, d.dstPath); err == nil {
			return nil
		}
		_ = c.Remove(d.dstPath)
		if err := c.Rename(d.stagingPath, d.dstPath); err != nil {
			return fmt.Errorf("rename %s -> %s: %w", d.stagingPath, d.dstPath, err)
		}
		return nil
	})
}

func (d *SFTPDest) DiscardStaging(ctx context.Context) error {
	return d.pool.withChannel(ctx, func(c *sftp.Client) error {
		err := c.Remove(d.stagingPath)
		if err != nil && !os.IsNotExist(err) {
			// sftp returns its own not-found error type.
			if statErr, ok := err.(*sftp.StatusError); ok && statErr.FxCode() == sftp.ErrSSHFxNoSuchFile {
				return nil
			}
			return err
		}
		return nil
	})
}

func (d *SFTPDest) StagingPath() string { return d.stagingPath }

func (d *SFTPDest) Close() error { return nil }

type sftpWriter struct {
	pool   *ChannelPool
	ch     *channel
	f      *sftp.File
	broken bool
}

func (w *sftpWriter) WriteRange(ctx context.Context, offset int64, data []byte) error {
	if len(data) == 0 {
		return ctx.Err()
	}
	err := runWithDeadline(ctx, w.pool.timeout, func() error {
		n, err := w.f.WriteAt(data, offset)
		if err != nil {
			return err
		}
		if n != len(data) {
			return fmt.Errorf("short write at %d: %d of %d bytes", offset, n, len(data))
		}
		return nil
	})
	if err != nil {
		w.broken = true
	}
	return err
}

func (w *sftpWriter) Close() error {
	err := w.f.Close()
	w.pool.Put(w.ch, w.broken || err != nil)
	return err
}
