package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/remote-cli/remote/internal/endpoint"
	"github.com/remote-cli/remote/internal/progress"
	"github.com/remote-cli/remote/internal/transport"
	"github.com/remote-cli/remote/internal/verify"
)

// Service glues the transfer pipeline together: endpoint parsing, SSH
// session setup, manifest lifecycle, chunk planning, the engine run,
// verification, and atomic publish. It is the single layer that maps
// internal failures onto the error taxonomy.
type Service struct {
	store  *Store
	sink   progress.Sink
	logger *slog.Logger
}

// NewService creates a service around a manifest store. sink receives
// progress updates for the duration of each call.
func NewService(store *Store, sink progress.Sink, logger *slog.Logger) *Service {
	if sink == nil {
		sink = progress.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, sink: sink, logger: logger}
}

// Transfer moves one file between srcArg and dstArg according to cfg.
// Exactly one of the two endpoints must be remote.
func (s *Service) Transfer(ctx context.Context, srcArg, dstArg string, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	src, err := endpoint.Parse(srcArg)
	if err != nil {
		return nil, err
	}
	dst, err := endpoint.Parse(dstArg)
	if err != nil {
		return nil, err
	}

	if src.IsRemote() == dst.IsRemote() {
		if src.IsRemote() {
			return nil, &endpoint.ParseError{Arg: srcArg + " " + dstArg,
				Reason: "remote-to-remote transfers are not supported"}
		}
		return nil, &endpoint.ParseError{Arg: srcArg + " " + dstArg,
			Reason: "one endpoint must be remote"}
	}

	// A -P other than the default port beats ssh_config.
	remote := &src
	if dst.IsRemote() {
		remote = &dst
	}
	if cfg.SSHPort != 0 && cfg.SSHPort != endpoint.DefaultSSHPort {
		remote.Port = cfg.SSHPort
	}

	if src, err = src.ResolveLocal(); err != nil {
		return nil, err
	}
	if dst, err = dst.ResolveLocal(); err != nil {
		return nil, err
	}

	pool, err := s.dialPool(*remote, cfg)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	return s.run(ctx, pool, src, dst, cfg)
}

// dialPool opens the SSH session for the remote endpoint and wraps it in
// a channel pool. A transient dial failure is retried once before it
// becomes terminal.
func (s *Service) dialPool(ep endpoint.Endpoint, cfg Config) (*transport.ChannelPool, error) {
	opts := transport.SSHOpts{
		Port:    ep.Port,
		KeyFile: ep.KeyFile,
		Timeout: cfg.Timeout,
	}
	dial := func() (*ssh.Client, error) {
		return transport.DialSSH(ep.Host, ep.User, opts)
	}

	client, err := dial()
	if err != nil {
		var authErr *transport.AuthFailedError
		if errors.As(err, &authErr) {
			return nil, &AuthError{Endpoint: ep.String(), Err: err}
		}
		s.logger.Debug("ssh dial failed, retrying once", "host", ep.Host, "error", err)
		client, err = dial()
		if err != nil {
			if errors.As(err, &authErr) {
				return nil, &AuthError{Endpoint: ep.String(), Err: err}
			}
			return nil, &ConnectError{Endpoint: ep.String(), Err: err}
		}
	}

	return transport.NewChannelPool(client, dial, cfg.MaxWorkers(), cfg.Timeout), nil
}

//nolint:gocyclo // the orchestration sequence reads best in one place
func (s *Service) run(
	ctx context.Context,
	pool *transport.ChannelPool,
	src, dst endpoint.Endpoint,
	cfg Config,
) (*Result, error) {
	start := time.Now()
	download := src.IsRemote()

	// Resolve the remote path (~ and relative forms) against the remote
	// home, then re-check the destination for the copy-into-directory
	// case.
	var err error
	if download {
		if src.Path, err = pool.ResolvePath(ctx, src.Path); err != nil {
			return nil, err
		}
	} else {
		if dst.Path, err = pool.ResolvePath(ctx, dst.Path); err != nil {
			return nil, err
		}
	}

	if dstIsDir(ctx, pool, dst) {
		if dst.IsLocal {
			dst.Path = filepath.Join(dst.Path, filepath.Base(src.Path))
		} else {
			dst.Path = path.Join(dst.Path, path.Base(src.Path))
		}
	}

	// Stat the source.
	var source transport.Source
	if download {
		source = transport.NewSFTPSource(pool, src.Path)
	} else {
		local, err := transport.NewLocalSource(src.Path)
		if err != nil {
			return nil, err
		}
		source = local
	}
	defer source.Close()

	info, err := source.Stat(ctx)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src, err)
	}
	if info.Mode.IsDir() {
		return nil, fmt.Errorf("source %s is a directory (recursive transfer is not supported)", src)
	}

	taskID := endpoint.TaskID(src, dst)
	task := Task{
		ID:        taskID,
		Src:       src,
		Dst:       dst,
		Config:    cfg,
		FileSize:  info.Size,
		FileMtime: info.ModTime,
		FileMode:  uint32(info.Mode.Perm()),
		Status:    TaskPending,
		CreatedAt: start,
		UpdatedAt: start,
	}

	var dest transport.Dest
	if download {
		dest = transport.NewLocalDest(dst.Path, taskID)
	} else {
		dest = transport.NewSFTPDest(pool, dst.Path, taskID)
	}
	defer dest.Close()

	// One engine per task id at a time.
	lock, ok, err := s.store.AcquireLock(taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID[:12], ErrConcurrentTransfer)
	}
	defer lock.Release()

	man, resumed, err := s.prepareManifest(ctx, task, dest)
	if err != nil {
		return nil, err
	}

	if err := dest.Prepare(ctx, task.FileSize); err != nil {
		return nil, err
	}

	tracker := progress.NewTracker(task.FileSize)
	if resumedBytes := man.CompletedBytes(); resumedBytes > 0 {
		tracker.AddResumed(resumedBytes)
	}
	pusher := progress.NewPusher(tracker, s.sink, 100*time.Millisecond)
	defer pusher.Stop()

	man.Status = TaskRunning
	man.Touch()
	if err := s.store.Save(man); err != nil {
		return nil, err
	}

	engine := NewEngine(cfg, man, s.store, source, dest, tracker, s.logger)
	if err := engine.Run(ctx); err != nil {
		return nil, s.finishFailed(man, err)
	}

	// All chunks completed: verify the staged file end to end.
	man.Status = TaskVerifying
	man.Touch()
	if err := s.store.Save(man); err != nil {
		return nil, err
	}

	fileHash, err := dest.Hash(ctx)
	if err != nil {
		return nil, s.finishFailed(man, fmt.Errorf("hash staging file: %w", err))
	}
	if man.FileHash != "" && !verify.Equal(man.FileHash, fileHash) {
		intErr := &IntegrityError{
			Path:     dest.StagingPath(),
			Expected: man.FileHash,
			Actual:   fileHash,
		}
		return nil, s.finishFailed(man, intErr)
	}
	man.FileHash = fileHash

	// Cancellation during verification still pauses; once publish
	// begins the transfer runs to completion.
	if ctx.Err() != nil {
		return nil, s.finishPaused(man)
	}

	if cfg.PreservePermissions {
		if err := dest.Chmod(ctx, os.FileMode(task.FileMode)); err != nil {
			return nil, s.finishFailed(man, fmt.Errorf("preserve permissions: %w", err))
		}
	}

	if err := dest.Publish(context.WithoutCancel(ctx)); err != nil {
		return nil, s.finishFailed(man, err)
	}

	man.Status = TaskCompleted
	if err := s.store.Cleanup(task.ID); err != nil {
		s.logger.Warn("manifest cleanup failed", "task", task.ID, "error", err)
	}

	result := &Result{
		BytesTransferred: tracker.Transferred(),
		TotalBytes:       task.FileSize,
		Chunks:           len(man.Chunks),
		Elapsed:          time.Since(start),
		FileHash:         fileHash,
		Resumed:          resumed,
	}
	s.logger.Info("transfer complete",
		"src", src.String(), "dst", dst.String(),
		"bytes", result.BytesTransferred, "chunks", result.Chunks,
		"elapsed", result.Elapsed.Round(time.Millisecond).String())
	return result, nil
}

// prepareManifest loads, validates, and adopts an existing manifest, or
// plans a fresh one. force discards any prior state including staging.
func (s *Service) prepareManifest(ctx context.Context, task Task, dest transport.Dest) (*Manifest, bool, error) {
	if task.Config.Force {
		if err := s.store.Cleanup(task.ID); err != nil {
			return nil, false, err
		}
		if err := dest.DiscardStaging(ctx); err != nil {
			s.logger.Warn("discard staging failed", "error", err)
		}
		return New(task, PlanChunks(task.FileSize, task.Config)), false, nil
	}

	if task.Config.Resume {
		man, err := s.store.Load(task.ID)
		if err != nil {
			return nil, false, err
		}
		if man != nil {
			if man.Validate(task) {
				s.logger.Info("resuming from manifest",
					"task", task.ID[:12],
					"completed", len(man.Chunks)-len(man.Pending()),
					"total", len(man.Chunks))
				// Chunks interrupted mid-flight restart from scratch.
				resetInFlight(man)
				return man, true, nil
			}
			s.logger.Warn("manifest is stale, starting fresh", "task", task.ID[:12])
			if err := s.store.Cleanup(task.ID); err != nil {
				return nil, false, err
			}
			if err := dest.DiscardStaging(ctx); err != nil {
				s.logger.Warn("discard staging failed", "error", err)
			}
		}
	}

	return New(task, PlanChunks(task.FileSize, task.Config)), false, nil
}

func resetInFlight(man *Manifest) {
	for i := range man.Chunks {
		c := &man.Chunks[i]
		if c.Status == ChunkInProgress || c.Status == ChunkFailed {
			c.Status = ChunkPending
			c.Error = ""
		}
	}
}

func (s *Service) finishFailed(man *Manifest, cause error) error {
	if errors.Is(cause, ErrCancelled) {
		return s.finishPaused(man)
	}
	man.Status = TaskFailed
	man.Touch()
	if err := s.store.Save(man); err != nil {
		s.logger.Warn("manifest save failed", "error", err)
	}
	return cause
}

func (s *Service) finishPaused(man *Manifest) error {
	man.Status = TaskPaused
	man.Touch()
	if err := s.store.Save(man); err != nil {
		s.logger.Warn("manifest save failed", "error", err)
	}
	return ErrCancelled
}

func dstIsDir(ctx context.Context, pool *transport.ChannelPool, dst endpoint.Endpoint) bool {
	if dst.IsLocal {
		info, err := os.Stat(dst.Path)
		return err == nil && info.IsDir()
	}
	return pool.IsDir(ctx, dst.Path)
}
