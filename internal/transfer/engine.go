package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/remote-cli/remote/internal/progress"
	"github.com/remote-cli/remote/internal/transport"
	"github.com/remote-cli/remote/internal/verify"
)

// Engine moves the pending chunks of one task between a source and a
// destination. It is the sole writer of the manifest while running.
type Engine struct {
	cfg     Config
	man     *Manifest
	store   *Store
	src     transport.Source
	dst     transport.Dest
	tracker *progress.Tracker
	logger  *slog.Logger

	limiter *rate.Limiter

	mu sync.Mutex // guards man.Chunks mutations

	fatalMu sync.Mutex
	fatal   error
}

// NewEngine wires an engine for a planned task. The manifest must
// already carry the chunk plan; completed chunks are skipped.
func NewEngine(
	cfg Config,
	man *Manifest,
	store *Store,
	src transport.Source,
	dst transport.Dest,
	tracker *progress.Tracker,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		cfg:     cfg,
		man:     man,
		store:   store,
		src:     src,
		dst:     dst,
		tracker: tracker,
		logger:  logger,
	}
	if cfg.LimitRate > 0 {
		// Tokens are bytes; burst covers the largest planned chunk so a
		// single acquisition can always succeed.
		burst := int(maxChunkSize(man.Chunks))
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.LimitRate), burst)
	}
	return e
}

// Run transfers every pending chunk, blocking until all are complete,
// a fatal error occurs, or ctx is cancelled. On cancellation it drains
// workers for up to cfg.Timeout before abandoning them.
func (e *Engine) Run(ctx context.Context) error {
	pending := e.man.Pending()
	if len(pending) == 0 {
		return nil
	}

	workers := e.cfg.MaxWorkers()
	if workers > len(pending) {
		workers = len(pending)
	}

	// The queue holds chunk indices; capacity covers every chunk so a
	// retry re-enqueue never blocks.
	queue := make(chan int, len(e.man.Chunks))
	for _, idx := range pending {
		queue <- idx
	}

	var outstanding atomic.Int64
	outstanding.Store(int64(len(pending)))
	var closeOnce sync.Once
	finishOne := func() {
		if outstanding.Add(-1) == 0 {
			closeOnce.Do(func() { close(queue) })
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	saver := newCoalescedSaver(e.store, e.man, &e.mu, e.logger)
	defer saver.stop()

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(runCtx, w, queue, finishOne, saver, cancel)
		}()
	}

	drained := e.waitWithDrain(ctx, &wg, cancel)

	// Force a final save so the on-disk state reflects everything the
	// drained workers completed.
	saver.stop()

	e.fatalMu.Lock()
	fatal := e.fatal
	e.fatalMu.Unlock()

	switch {
	case fatal != nil:
		return fatal
	case ctx.Err() != nil:
		return ErrCancelled
	case !drained:
		return fmt.Errorf("workers failed to drain within %s", e.cfg.Timeout)
	default:
		return nil
	}
}

// waitWithDrain waits for workers, bounding the wait by cfg.Timeout once
// ctx is cancelled. Returns false if workers had to be abandoned.
func (e *Engine) waitWithDrain(ctx context.Context, wg *sync.WaitGroup, cancel context.CancelFunc) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		cancel()
	}

	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		e.logger.Warn("abandoning workers after drain timeout", "timeout", timeout)
		return false
	}
}

// worker is one chunk-processing loop pinned to one channel pair. The
// reader and writer are opened lazily and reopened after any error, so a
// poisoned channel never serves a second chunk.
func (e *Engine) worker(
	ctx context.Context,
	id int,
	queue chan int,
	finishOne func(),
	saver *coalescedSaver,
	cancel context.CancelFunc,
) {
	var (
		reader transport.Reader
		writer transport.Writer
		buf    []byte
	)
	defer func() {
		if reader != nil {
			_ = reader.Close()
		}
		if writer != nil {
			_ = writer.Close()
		}
	}()

	resetChannels := func() {
		if reader != nil {
			_ = reader.Close()
			reader = nil
		}
		if writer != nil {
			_ = writer.Close()
			writer = nil
		}
	}

	for idx := range queue {
		if ctx.Err() != nil {
			finishOne()
			continue
		}

		attempts := e.beginChunk(idx)
		size := e.man.Chunks[idx].Size
		offset := e.man.Chunks[idx].Offset

		err := func() error {
			if err := e.waitTokens(ctx, size); err != nil {
				return err
			}
			var err error
			if reader == nil {
				if reader, err = e.src.OpenReader(ctx); err != nil {
					return err
				}
			}
			if writer == nil {
				if writer, err = e.dst.OpenWriter(ctx); err != nil {
					return err
				}
			}
			if int64(cap(buf)) < size {
				buf = make([]byte, size)
			}
			buf = buf[:size]

			if err := reader.ReadRange(ctx, offset, buf); err != nil {
				return err
			}
			if err := writer.WriteRange(ctx, offset, buf); err != nil {
				return err
			}
			return nil
		}()

		if err != nil {
			resetChannels()
			e.failChunk(ctx, idx, attempts, err, queue, finishOne, saver, cancel)
			continue
		}

		e.completeChunk(idx, verify.HashBytes(buf))
		saver.markDirty()
		e.tracker.Add(size)
		e.tracker.ChunkFinished()
		finishOne()
	}
}

// beginChunk transitions a chunk to in-progress and returns its attempt
// number (1-based).
func (e *Engine) beginChunk(idx int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &e.man.Chunks[idx]
	c.Status = ChunkInProgress
	c.Attempts++
	e.tracker.ChunkStarted()
	return c.Attempts
}

func (e *Engine) completeChunk(idx int, sha string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &e.man.Chunks[idx]
	c.Status = ChunkCompleted
	c.SHA256 = sha
	c.Error = ""
}

// failChunk records the failure and either re-enqueues the chunk after a
// backoff sleep or escalates to a fatal error.
func (e *Engine) failChunk(
	ctx context.Context,
	idx, attempts int,
	cause error,
	queue chan int,
	finishOne func(),
	saver *coalescedSaver,
	cancel context.CancelFunc,
) {
	e.mu.Lock()
	c := &e.man.Chunks[idx]
	c.Status = ChunkFailed
	c.Error = cause.Error()
	offset := c.Offset
	e.mu.Unlock()

	e.tracker.ChunkFinished()
	saver.markDirty()

	chunkErr := &ChunkError{Index: idx, Offset: offset, Attempts: attempts, Err: cause}

	// Cancellation is not a chunk failure; leave the chunk for resume.
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		e.mu.Lock()
		c := &e.man.Chunks[idx]
		c.Status = ChunkPending
		c.Attempts--
		c.Error = ""
		e.mu.Unlock()
		finishOne()
		return
	}

	if attempts > e.cfg.MaxRetries {
		e.logger.Error("chunk failed permanently", "chunk", idx, "attempts", attempts, "error", cause)
		e.recordFatal(chunkErr)
		cancel()
		finishOne()
		return
	}

	delay := retryDelay(e.cfg.RetryDelay, attempts)
	e.logger.Debug("retrying chunk", "chunk", idx, "attempt", attempts, "delay", delay, "error", cause)

	select {
	case <-ctx.Done():
		// Leave the chunk pending for resume.
		e.mu.Lock()
		e.man.Chunks[idx].Status = ChunkPending
		e.mu.Unlock()
		finishOne()
	case <-time.After(delay):
		queue <- idx
	}
}

func (e *Engine) recordFatal(err error) {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	if e.fatal == nil {
		e.fatal = err
		return
	}
	e.fatal = multierror.Append(e.fatal, err)
}

// waitTokens blocks until the rate limiter grants size bytes.
func (e *Engine) waitTokens(ctx context.Context, size int64) error {
	if e.limiter == nil || size == 0 {
		return nil
	}
	return e.limiter.WaitN(ctx, int(size))
}

// retryDelay computes the sleep before retry number attempt:
// base * 2^(attempt-1), jittered by ±20%.
func retryDelay(base time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	// The constructor primed the current interval with the library
	// default; Reset restarts it from base.
	b.Reset()

	var d time.Duration
	for range attempt {
		d = b.NextBackOff()
	}
	return d
}

func maxChunkSize(chunks []Chunk) int64 {
	var m int64
	for _, c := range chunks {
		if c.Size > m {
			m = c.Size
		}
	}
	return m
}

// coalescedSaver persists the manifest with at most one save in flight.
// Completions mark a dirty bit; the save loop snapshots the chunk list
// under the engine lock and writes without holding it, so fsync traffic
// stays bounded while every completion still reaches disk.
type coalescedSaver struct {
	store  *Store
	man    *Manifest
	mu     *sync.Mutex
	logger *slog.Logger

	kick    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped sync.Once
}

func newCoalescedSaver(store *Store, man *Manifest, mu *sync.Mutex, logger *slog.Logger) *coalescedSaver {
	s := &coalescedSaver{
		store:  store,
		man:    man,
		mu:     mu,
		logger: logger,
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *coalescedSaver) markDirty() {
	select {
	case s.kick <- struct{}{}:
	default:
		// A save is already pending; it will pick up this change.
	}
}

func (s *coalescedSaver) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.kick:
			s.save()
		}
	}
}

func (s *coalescedSaver) save() {
	s.mu.Lock()
	snapshot := *s.man
	snapshot.Chunks = append([]Chunk(nil), s.man.Chunks...)
	s.mu.Unlock()

	snapshot.Touch()
	if err := s.store.Save(&snapshot); err != nil {
		s.logger.Warn("manifest save failed", "error", err)
	}
}

// stop drains the loop and forces a final save. Idempotent.
func (s *coalescedSaver) stop() {
	s.stopped.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		s.save()
	})
}
