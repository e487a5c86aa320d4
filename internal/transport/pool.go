package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrOpTimeout marks an SFTP operation that exceeded its deadline. The
// channel that timed out is discarded rather than reused; its in-flight
// request may still complete server-side.
var ErrOpTimeout = errors.New("sftp operation timed out")

// channel is one SFTP channel, optionally owning a dedicated SSH
// connection when the primary connection refused further multiplexing.
type channel struct {
	sftp *sftp.Client
	conn *ssh.Client // nil when multiplexed over the pool's primary
}

func (c *channel) close() {
	_ = c.sftp.Close()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// ChannelPool hands out SFTP channels to workers. Channels are opened
// lazily up to max, multiplexed over one SSH connection when the server
// allows it and falling back to one SSH connection per channel when it
// does not. Checkout is mutually exclusive: a channel serves one worker
// at a time.
type ChannelPool struct {
	primary *ssh.Client
	dial    func() (*ssh.Client, error)
	max     int
	timeout time.Duration

	mu     sync.Mutex
	idle   []*channel
	open   int
	closed bool
}

// NewChannelPool creates a pool over primary. dial is used to open
// fallback connections when the server caps channel multiplexing; it may
// be nil to disable the fallback.
func NewChannelPool(primary *ssh.Client, dial func() (*ssh.Client, error), maxChannels int, timeout time.Duration) *ChannelPool {
	if maxChannels < 1 {
		maxChannels = 1
	}
	return &ChannelPool{
		primary: primary,
		dial:    dial,
		max:     maxChannels,
		timeout: timeout,
	}
}

// Timeout returns the per-operation deadline for channels of this pool.
func (p *ChannelPool) Timeout() time.Duration { return p.timeout }

// Get checks out a channel, opening a new one if none are idle and the
// pool is below its cap. It blocks only for channel creation, never for
// another worker to finish.
func (p *ChannelPool) Get(ctx context.Context) (*channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("channel pool closed")
	}
	if n := len(p.idle); n > 0 {
		ch := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return ch, nil
	}
	if p.open >= p.max {
		p.mu.Unlock()
		return nil, fmt.Errorf("channel pool exhausted (%d channels)", p.max)
	}
	p.open++
	p.mu.Unlock()

	ch, err := p.newChannel(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

func (p *ChannelPool) newChannel(ctx context.Context) (*channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := sftp.NewClient(p.primary)
	if err == nil {
		return &channel{sftp: client}, nil
	}

	// The server may cap sessions per connection; open a dedicated
	// connection for this channel instead.
	if p.dial == nil {
		return nil, fmt.Errorf("open sftp channel: %w", err)
	}
	conn, dialErr := p.dial()
	if dialErr != nil {
		return nil, fmt.Errorf("open sftp channel: %w (fallback dial: %v)", err, dialErr)
	}
	client, err = sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open sftp channel on fallback connection: %w", err)
	}
	return &channel{sftp: client, conn: conn}, nil
}

// Put returns a channel to the pool. Channels that saw errors or
// timeouts are passed with broken=true and closed instead of reused.
func (p *ChannelPool) Put(ch *channel, broken bool) {
	p.mu.Lock()
	if p.closed || broken {
		p.open--
		p.mu.Unlock()
		ch.close()
		return
	}
	p.idle = append(p.idle, ch)
	p.mu.Unlock()
}

// Close shuts down all idle channels and the primary connection.
// Channels still checked out are closed by their holders via Put.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	for _, ch := range idle {
		ch.close()
	}
	return p.primary.Close()
}

// withChannel runs op with a checked-out channel under the pool's
// per-operation deadline.
func (p *ChannelPool) withChannel(ctx context.Context, op func(*sftp.Client) error) error {
	ch, err := p.Get(ctx)
	if err != nil {
		return err
	}
	err = runWithDeadline(ctx, p.timeout, func() error { return op(ch.sftp) })
	p.Put(ch, err != nil)
	return err
}

// Stat stats a remote path.
func (p *ChannelPool) Stat(ctx context.Context, path string) (FileInfo, error) {
	var info FileInfo
	err := p.withChannel(ctx, func(c *sftp.Client) error {
		fi, err := c.Stat(path)
		if err != nil {
			return err
		}
		info = FileInfo{Size: fi.Size(), ModTime: fi.ModTime(), Mode: fi.Mode()}
		return nil
	})
	return info, err
}

// IsDir reports whether a remote path exists and is a directory.
func (p *ChannelPool) IsDir(ctx context.Context, path string) bool {
	info, err := p.Stat(ctx, path)
	return err == nil && info.Mode.IsDir()
}

// MkdirAll creates a remote directory and its parents.
func (p *ChannelPool) MkdirAll(ctx context.Context, path string) error {
	return p.withChannel(ctx, func(c *sftp.Client) error {
		return c.MkdirAll(path)
	})
}

// ResolvePath expands ~ and resolves relative paths against the remote
// home via SFTP path canonicalization.
func (p *ChannelPool) ResolvePath(ctx context.Context, path string) (string, error) {
	switch {
	case path == "~" || path == "":
		path = "."
	case strings.HasPrefix(path, "~/"):
		path = path[2:]
	}

	var resolved string
	err := p.withChannel(ctx, func(c *sftp.Client) error {
		// RealPath resolves relative to the SFTP server's start
		// directory, which is the login home.
		r, err := c.RealPath(path)
		if err != nil {
			return err
		}
		resolved = r
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("resolve remote path %q: %w", path, err)
	}
	return resolved, nil
}

// runWithDeadline runs op, bounding it by d and by ctx. A timed-out op's
// goroutine is abandoned; the caller must discard the channel it used.
func runWithDeadline(ctx context.Context, d time.Duration, op func() error) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return op()
	}

	done := make(chan error, 1)
	go func() { done <- op() }()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrOpTimeout
	}
}
