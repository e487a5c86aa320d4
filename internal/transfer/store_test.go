package transfer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-cli/remote/internal/endpoint"
)

func storeTask(t *testing.T) Task {
	t.Helper()
	src := endpoint.Endpoint{Path: "/tmp/src.bin", IsLocal: true}
	dst := endpoint.Endpoint{Path: "/data/dst.bin", Host: "h", User: "u", Port: 22}
	return Task{
		ID:        endpoint.TaskID(src, dst),
		Src:       src,
		Dst:       dst,
		Config:    DefaultConfig(),
		FileSize:  10 * MiB,
		FileMtime: time.Unix(1700000000, 0),
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStoreAt(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	task := storeTask(t)
	m := New(task, PlanChunks(task.FileSize, task.Config))

	require.NoError(t, s.Save(m))

	loaded, err := s.Load(task.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, Version, loaded.Version)
	assert.Equal(t, task.ID, loaded.TaskID)
	assert.Equal(t, m.FileSize, loaded.FileSize)
	assert.Len(t, loaded.Chunks, len(m.Chunks))
	assert.Equal(t, m.Src.Canonical(), loaded.Src.Canonical())
	assert.Equal(t, m.Dst.Canonical(), loaded.Dst.Canonical())
	assert.True(t, loaded.Validate(task))
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	m, err := s.Load("deadbeef")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestStore_CorruptMovedAside(t *testing.T) {
	s := newTestStore(t)
	path := s.Path("badid")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": "2.0", "chu`), 0o600))

	m, err := s.Load("badid")
	require.NoError(t, err)
	assert.Nil(t, m)

	// The corrupt file is quarantined, not deleted.
	assert.NoFileExists(t, path)
	assert.FileExists(t, path+".corrupt")
}

func TestStore_SaveIsAtomic(t *testing.T) {
	s := newTestStore(t)
	task := storeTask(t)
	m := New(task, PlanChunks(task.FileSize, task.Config))

	require.NoError(t, s.Save(m))

	// No tmp residue after a successful save.
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestStore_CleanupIdempotent(t *testing.T) {
	s := newTestStore(t)
	task := storeTask(t)
	m := New(task, PlanChunks(task.FileSize, task.Config))
	require.NoError(t, s.Save(m))

	require.NoError(t, s.Cleanup(task.ID))
	assert.NoFileExists(t, s.Path(task.ID))
	require.NoError(t, s.Cleanup(task.ID))
}

func TestStore_ListAll(t *testing.T) {
	s := newTestStore(t)
	task := storeTask(t)
	m := New(task, PlanChunks(task.FileSize, task.Config))
	require.NoError(t, s.Save(m))

	// Non-manifest files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "history.db"), nil, 0o600))

	ids, err := s.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, ids)
}

func TestStore_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvStateDir, dir)

	s, err := NewStore()
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())
}

func TestManifest_Validate(t *testing.T) {
	task := storeTask(t)
	m := New(task, PlanChunks(task.FileSize, task.Config))

	assert.True(t, m.Validate(task))

	// Wrong version (a v1.0 manifest is stale by definition).
	stale := *m
	stale.Version = "1.0"
	assert.False(t, stale.Validate(task))

	// Size drift.
	stale = *m
	stale.FileSize++
	assert.False(t, stale.Validate(task))

	// Mtime outside the 1 s tolerance.
	changed := task
	changed.FileMtime = task.FileMtime.Add(2 * time.Second)
	assert.False(t, m.Validate(changed))

	// Within tolerance is fine.
	changed.FileMtime = task.FileMtime.Add(500 * time.Millisecond)
	assert.True(t, m.Validate(changed))

	// Endpoint drift.
	changed = task
	changed.Dst.Port = 2222
	assert.False(t, m.Validate(changed))

	// Broken chunk tiling.
	stale = *m
	stale.Chunks = append([]Chunk(nil), m.Chunks...)
	stale.Chunks[1].Offset += 7
	assert.False(t, stale.Validate(task))
}

func TestManifest_UnknownFieldsPreserved(t *testing.T) {
	s := newTestStore(t)
	task := storeTask(t)
	m := New(task, PlanChunks(task.FileSize, task.Config))
	require.NoError(t, s.Save(m))

	// Inject an unknown field the way a newer tool version might.
	path := s.Path(task.ID)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["x_future_field"] = json.RawMessage(`{"nested": [1, 2, 3]}`)
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := s.Load(task.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	require.NoError(t, s.Save(loaded))

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `{"nested": [1, 2, 3]}`, string(raw["x_future_field"]))
}

func TestManifest_SchemaLayout(t *testing.T) {
	s := newTestStore(t)
	task := storeTask(t)
	m := New(task, PlanChunks(task.FileSize, task.Config))
	require.NoError(t, s.Save(m))

	data, err := os.ReadFile(s.Path(task.ID))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{
		"version", "task_id", "src", "dst", "file_size", "file_mtime",
		"chunks", "config", "created_at", "updated_at",
	} {
		assert.Contains(t, raw, key)
	}

	var cfg struct {
		Parallel  int   `json:"parallel"`
		Aria2     bool  `json:"aria2"`
		ChunkSize int64 `json:"chunk_size"`
	}
	require.NoError(t, json.Unmarshal(raw["config"], &cfg))
	assert.Equal(t, 4, cfg.Parallel)
	assert.Equal(t, int64(DefaultChunkSize), cfg.ChunkSize)
}

func TestManifest_PendingAndProgress(t *testing.T) {
	task := storeTask(t)
	m := New(task, PlanChunks(task.FileSize, task.Config))

	require.Greater(t, len(m.Chunks), 1)
	assert.Len(t, m.Pending(), len(m.Chunks))
	assert.Zero(t, m.CompletedBytes())
	assert.False(t, m.Complete())

	m.Chunks[0].Status = ChunkCompleted
	assert.Len(t, m.Pending(), len(m.Chunks)-1)
	assert.Equal(t, m.Chunks[0].Size, m.CompletedBytes())

	for i := range m.Chunks {
		m.Chunks[i].Status = ChunkCompleted
	}
	assert.True(t, m.Complete())
	assert.Empty(t, m.Pending())

	m.Reset()
	assert.False(t, m.Complete())
	assert.Len(t, m.Pending(), len(m.Chunks))
	assert.Zero(t, m.Chunks[0].Attempts)
}

func TestLock_Exclusion(t *testing.T) {
	s := newTestStore(t)

	l1, ok, err := s.AcquireLock("task1")
	require.NoError(t, err)
	require.True(t, ok)

	// flock is per open-file-description, so a second acquisition in the
	// same process still observes contention.
	_, ok, err = s.AcquireLock("task1")
	require.NoError(t, err)
	assert.False(t, ok)

	// A different task id is independent.
	l2, ok, err := s.AcquireLock("task2")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l2.Release())

	require.NoError(t, l1.Release())

	// Released locks can be re-acquired; Release is idempotent.
	l3, ok, err := s.AcquireLock("task1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l3.Release())
	require.NoError(t, l3.Release())
}
