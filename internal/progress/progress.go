// Package progress aggregates transfer counters and pushes periodic
// snapshots to a sink.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// maxETA clamps ETA estimates; anything beyond a day reads as noise.
const maxETA = 24 * time.Hour

// emaWindow is the averaging window for instantaneous speed.
const emaWindow = time.Second

// Snapshot is a point-in-time view of a transfer.
type Snapshot struct {
	TotalBytes   int64
	Transferred  int64
	ActiveChunks int
	Speed        float64 // bytes/s, EMA over ~1 s
	ETA          time.Duration
	Percent      float64
	Elapsed      time.Duration
	Done         bool
}

// Sink receives snapshots. Implementations must tolerate being called
// from a single pusher goroutine at 10 Hz.
type Sink interface {
	Update(Snapshot)
	// Finish is called once, with the final snapshot, when tracking stops.
	Finish(Snapshot)
}

// Discard is a no-op sink.
type Discard struct{}

func (Discard) Update(Snapshot) {}
func (Discard) Finish(Snapshot) {}

// Tracker accumulates thread-safe running totals for one task.
type Tracker struct {
	total        atomic.Int64
	transferred  atomic.Int64
	activeChunks atomic.Int32
	start        time.Time

	mu        sync.Mutex
	ema       float64
	lastBytes int64
	lastTick  time.Time
}

// NewTracker creates a tracker for a transfer of totalBytes. Bytes
// already present from a resumed manifest are recorded via AddResumed.
func NewTracker(totalBytes int64) *Tracker {
	now := time.Now()
	t := &Tracker{start: now, lastTick: now}
	t.total.Store(totalBytes)
	return t
}

// AddResumed credits bytes completed by a previous run. They count
// toward the total but not toward speed.
func (t *Tracker) AddResumed(n int64) {
	t.transferred.Add(n)
	t.mu.Lock()
	t.lastBytes = t.transferred.Load()
	t.mu.Unlock()
}

// Add records n freshly transferred bytes. The counter is monotonic.
func (t *Tracker) Add(n int64) { t.transferred.Add(n) }

// ChunkStarted and ChunkFinished maintain the active-chunk gauge.
func (t *Tracker) ChunkStarted()  { t.activeChunks.Add(1) }
func (t *Tracker) ChunkFinished() { t.activeChunks.Add(-1) }

// Transferred returns the monotonic byte counter.
func (t *Tracker) Transferred() int64 { return t.transferred.Load() }

// Snapshot computes the current view, folding the elapsed interval into
// the speed EMA.
func (t *Tracker) Snapshot() Snapshot {
	now := time.Now()
	transferred := t.transferred.Load()
	total := t.total.Load()

	t.mu.Lock()
	dt := now.Sub(t.lastTick)
	if dt > 0 {
		inst := float64(transferred-t.lastBytes) / dt.Seconds()
		// EMA weight proportional to the interval, saturating at the
		// window size so irregular tick spacing stays stable.
		alpha := dt.Seconds() / emaWindow.Seconds()
		if alpha > 1 {
			alpha = 1
		}
		t.ema += alpha * (inst - t.ema)
		t.lastBytes = transferred
		t.lastTick = now
	}
	speed := t.ema
	t.mu.Unlock()

	snap := Snapshot{
		TotalBytes:   total,
		Transferred:  transferred,
		ActiveChunks: int(t.activeChunks.Load()),
		Speed:        speed,
		Elapsed:      now.Sub(t.start),
	}
	if total > 0 {
		snap.Percent = 100 * float64(transferred) / float64(total)
	}
	if remaining := total - transferred; remaining > 0 && speed > 0 {
		eta := time.Duration(float64(remaining) / speed * float64(time.Second))
		if eta > maxETA {
			eta = maxETA
		}
		snap.ETA = eta
	}
	snap.Done = transferred >= total
	return snap
}

// Pusher drives a sink with periodic snapshots from a tracker.
type Pusher struct {
	tracker *Tracker
	sink    Sink
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewPusher starts pushing snapshots to sink every interval. Intervals
// outside the supported 10–30 Hz band are clamped.
func NewPusher(tracker *Tracker, sink Sink, interval time.Duration) *Pusher {
	const (
		minInterval = time.Second / 30
		maxInterval = time.Second / 10
	)
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}

	p := &Pusher{
		tracker: tracker,
		sink:    sink,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.loop(interval)
	return p
}

func (p *Pusher) loop(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sink.Update(p.tracker.Snapshot())
		}
	}
}

// Stop halts the pusher and delivers the final snapshot via Finish.
func (p *Pusher) Stop() {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		p.sink.Finish(p.tracker.Snapshot())
	})
}
