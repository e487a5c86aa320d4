package transfer

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/remote-cli/remote/internal/endpoint"
)

// Version is the manifest schema version this package reads and writes.
// Anything else is rejected as stale.
const Version = "2.0"

// mtimeTolerance absorbs filesystem timestamp rounding across stat calls.
const mtimeTolerance = time.Second

// SavedConfig is the config subset recorded in the manifest. The chunk
// plan is derived from it once; resuming with a different live config
// keeps the stored plan.
type SavedConfig struct {
	Parallel  int   `json:"parallel"`
	Aria2     bool  `json:"aria2"`
	ChunkSize int64 `json:"chunk_size"`
}

// Manifest is the durable projection of a task plus its chunk list.
//
// Unknown top-level JSON fields survive a load/save round trip so newer
// tools can annotate manifests without older ones destroying the data.
type Manifest struct {
	Version   string            `json:"version"`
	TaskID    string            `json:"task_id"`
	Src       endpoint.Endpoint `json:"src"`
	Dst       endpoint.Endpoint `json:"dst"`
	FileSize  int64             `json:"file_size"`
	FileMtime float64           `json:"file_mtime"`
	FileHash  string            `json:"file_hash"`
	Status    TaskStatus        `json:"status"`
	Chunks    []Chunk           `json:"chunks"`
	Config    SavedConfig       `json:"config"`
	CreatedAt float64           `json:"created_at"`
	UpdatedAt float64           `json:"updated_at"`

	extra map[string]json.RawMessage
}

// New builds a manifest for a freshly planned task.
func New(task Task, chunks []Chunk) *Manifest {
	now := unixSeconds(time.Now())
	return &Manifest{
		Version:   Version,
		TaskID:    task.ID,
		Src:       task.Src,
		Dst:       task.Dst,
		FileSize:  task.FileSize,
		FileMtime: unixSeconds(task.FileMtime),
		FileHash:  task.FileHash,
		Status:    TaskPending,
		Chunks:    chunks,
		Config: SavedConfig{
			Parallel:  task.Config.Parallel,
			Aria2:     task.Config.Aria2,
			ChunkSize: task.Config.ChunkSize,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch updates the modification stamp.
func (m *Manifest) Touch() { m.UpdatedAt = unixSeconds(time.Now()) }

// Pending returns the indices of chunks that still need transferring.
func (m *Manifest) Pending() []int {
	var idx []int
	for i, c := range m.Chunks {
		if !c.Done() {
			idx = append(idx, i)
		}
	}
	return idx
}

// CompletedBytes sums the sizes of completed chunks.
func (m *Manifest) CompletedBytes() int64 {
	var n int64
	for _, c := range m.Chunks {
		if c.Done() {
			n += c.Size
		}
	}
	return n
}

// Complete reports whether every chunk is completed.
func (m *Manifest) Complete() bool {
	for _, c := range m.Chunks {
		if !c.Done() {
			return false
		}
	}
	return len(m.Chunks) > 0
}

// Reset returns every chunk to pending and clears per-chunk results.
func (m *Manifest) Reset() {
	for i := range m.Chunks {
		m.Chunks[i].Status = ChunkPending
		m.Chunks[i].SHA256 = ""
		m.Chunks[i].Attempts = 0
		m.Chunks[i].Error = ""
	}
	m.Status = TaskPending
	m.Touch()
}

// Validate reports whether the manifest can seed a resume of task. A
// false return means the caller should treat the manifest as stale.
func (m *Manifest) Validate(task Task) bool {
	if m.Version != Version {
		return false
	}
	if m.FileSize != task.FileSize {
		return false
	}
	delta := m.FileMtime - unixSeconds(task.FileMtime)
	if math.Abs(delta) > mtimeTolerance.Seconds() {
		return false
	}
	if m.Src.Canonical() != task.Src.Canonical() ||
		m.Dst.Canonical() != task.Dst.Canonical() {
		return false
	}
	return ValidPlan(m.Chunks, task.FileSize)
}

// knownFields mirrors the struct's JSON layout for (un)marshalling while
// keeping unknown fields intact.
var knownFields = []string{
	"version", "task_id", "src", "dst", "file_size", "file_mtime",
	"file_hash", "status", "chunks", "config", "created_at", "updated_at",
}

type manifestAlias Manifest

// UnmarshalJSON decodes known fields and stashes everything else.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(data, (*manifestAlias)(m)); err != nil {
		return err
	}
	for _, k := range knownFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		m.extra = raw
	}
	return nil
}

// MarshalJSON re-emits unknown fields alongside the known layout.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal((*manifestAlias)(m))
	if err != nil {
		return nil, err
	}
	if len(m.extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.extra {
		if _, exists := merged[k]; exists {
			return nil, fmt.Errorf("extra field %q collides with schema", k)
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

// MtimeTime converts the stored float mtime back to a time.Time.
func (m *Manifest) MtimeTime() time.Time {
	sec, frac := math.Modf(m.FileMtime)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}
