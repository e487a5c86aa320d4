package transfer

import (
	"time"

	"github.com/remote-cli/remote/internal/endpoint"
)

// TaskStatus is the lifecycle state of a transfer task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskVerifying TaskStatus = "verifying"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ChunkStatus is the state of a single chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkInProgress ChunkStatus = "in_progress"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

// Chunk is a contiguous byte range of the source file, the unit of
// parallel transfer and retry.
type Chunk struct {
	Index    int         `json:"index"`
	Offset   int64       `json:"offset"`
	Size     int64       `json:"size"`
	Status   ChunkStatus `json:"status"`
	SHA256   string      `json:"sha256,omitempty"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
}

// Done reports whether the chunk's bytes are durable in the staging file.
func (c Chunk) Done() bool { return c.Status == ChunkCompleted }

// Task describes one transfer: a (src, dst) pair plus the source file
// identity captured at start.
type Task struct {
	ID        string
	Src       endpoint.Endpoint
	Dst       endpoint.Endpoint
	Config    Config
	FileSize  int64
	FileMtime time.Time
	FileMode  uint32
	FileHash  string
	Status    TaskStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Download reports the transfer direction: true when the remote side is
// the source.
func (t Task) Download() bool { return t.Src.IsRemote() }

// StagingName returns the staging file basename for dst basename base.
func StagingName(base, taskID string) string {
	return base + ".part-" + taskID
}

// Result summarizes a finished transfer.
type Result struct {
	BytesTransferred int64
	TotalBytes       int64
	Chunks           int
	Elapsed          time.Duration
	FileHash         string
	Resumed          bool
}
