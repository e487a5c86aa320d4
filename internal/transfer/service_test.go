package transfer

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-cli/remote/internal/endpoint"
	"github.com/remote-cli/remote/internal/transport"
)

func TestService_RejectsBadEndpointPairs(t *testing.T) {
	s := NewService(newTestStore(t), nil, slog.Default())
	ctx := context.Background()
	cfg := DefaultConfig()

	// Both local.
	_, err := s.Transfer(ctx, "/tmp/a", "/tmp/b", cfg)
	require.Error(t, err)
	var perr *endpoint.ParseError
	assert.ErrorAs(t, err, &perr)

	// Both remote.
	_, err = s.Transfer(ctx, "h1:/a", "h2:/b", cfg)
	require.Error(t, err)
	assert.ErrorAs(t, err, &perr)

	// Unparseable endpoint.
	_, err = s.Transfer(ctx, "", "h:/b", cfg)
	require.Error(t, err)
	assert.ErrorAs(t, err, &perr)
}

func TestService_RejectsInvalidConfig(t *testing.T) {
	s := NewService(newTestStore(t), nil, slog.Default())
	cfg := DefaultConfig()
	cfg.Parallel = 0
	_, err := s.Transfer(context.Background(), "/tmp/a", "h:/b", cfg)
	require.Error(t, err)
}

func serviceFixture(t *testing.T) (*Service, Task, *transport.LocalDest) {
	t.Helper()
	store := newTestStore(t)
	s := NewService(store, nil, slog.Default())

	dir := t.TempDir()
	task := storeTask(t)
	task.Dst = endpoint.Endpoint{Path: filepath.Join(dir, "out.bin"), Host: "h", User: "u", Port: 22}
	task.ID = endpoint.TaskID(task.Src, task.Dst)

	dest := transport.NewLocalDest(filepath.Join(dir, "staging-probe"), task.ID)
	return s, task, dest
}

func TestPrepareManifest_FreshWhenAbsent(t *testing.T) {
	s, task, dest := serviceFixture(t)

	man, resumed, err := s.prepareManifest(context.Background(), task, dest)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.True(t, ValidPlan(man.Chunks, task.FileSize))
	assert.Equal(t, task.ID, man.TaskID)
}

func TestPrepareManifest_AdoptsValidManifest(t *testing.T) {
	s, task, dest := serviceFixture(t)

	prior := New(task, PlanChunks(task.FileSize, task.Config))
	prior.Chunks[0].Status = ChunkCompleted
	prior.Chunks[1].Status = ChunkInProgress
	prior.Chunks[2].Status = ChunkFailed
	prior.Chunks[2].Error = "boom"
	require.NoError(t, s.store.Save(prior))

	man, resumed, err := s.prepareManifest(context.Background(), task, dest)
	require.NoError(t, err)
	assert.True(t, resumed)

	// Completed chunks survive; in-flight and failed ones restart.
	assert.Equal(t, ChunkCompleted, man.Chunks[0].Status)
	assert.Equal(t, ChunkPending, man.Chunks[1].Status)
	assert.Equal(t, ChunkPending, man.Chunks[2].Status)
	assert.Empty(t, man.Chunks[2].Error)
}

func TestPrepareManifest_StalePlanDiscarded(t *testing.T) {
	s, task, dest := serviceFixture(t)

	// Manifest recorded against an older source file.
	staleTask := task
	staleTask.FileMtime = task.FileMtime.Add(-time.Hour)
	prior := New(staleTask, PlanChunks(task.FileSize, task.Config))
	prior.Chunks[0].Status = ChunkCompleted
	require.NoError(t, s.store.Save(prior))

	man, resumed, err := s.prepareManifest(context.Background(), task, dest)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Len(t, man.Pending(), len(man.Chunks))

	// The stale manifest file is gone.
	loaded, err := s.store.Load(task.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestPrepareManifest_StablePlanAcrossParallelChange(t *testing.T) {
	s, task, dest := serviceFixture(t)

	prior := New(task, PlanChunks(task.FileSize, task.Config))
	require.NoError(t, s.store.Save(prior))

	// Resume with different parallelism: the stored plan wins and the
	// task id is unchanged.
	task.Config.Parallel = 16
	man, resumed, err := s.prepareManifest(context.Background(), task, dest)
	require.NoError(t, err)
	assert.True(t, resumed)
	require.Len(t, man.Chunks, len(prior.Chunks))
	for i := range man.Chunks {
		assert.Equal(t, prior.Chunks[i].Offset, man.Chunks[i].Offset)
		assert.Equal(t, prior.Chunks[i].Size, man.Chunks[i].Size)
	}
}

func TestPrepareManifest_ForceDiscards(t *testing.T) {
	s, task, dest := serviceFixture(t)

	prior := New(task, PlanChunks(task.FileSize, task.Config))
	prior.Chunks[0].Status = ChunkCompleted
	require.NoError(t, s.store.Save(prior))

	task.Config.Force = true
	man, resumed, err := s.prepareManifest(context.Background(), task, dest)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Len(t, man.Pending(), len(man.Chunks))

	loaded, err := s.store.Load(task.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestPrepareManifest_NoResumeIgnoresManifest(t *testing.T) {
	s, task, dest := serviceFixture(t)

	prior := New(task, PlanChunks(task.FileSize, task.Config))
	prior.Chunks[0].Status = ChunkCompleted
	require.NoError(t, s.store.Save(prior))

	task.Config.Resume = false
	man, resumed, err := s.prepareManifest(context.Background(), task, dest)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Len(t, man.Pending(), len(man.Chunks))
}

func TestFinishTransitions(t *testing.T) {
	s, task, _ := serviceFixture(t)
	man := New(task, PlanChunks(task.FileSize, task.Config))

	cause := errors.New("disk on fire")
	err := s.finishFailed(man, cause)
	assert.Equal(t, cause, err)
	assert.Equal(t, TaskFailed, man.Status)

	loaded, lerr := s.store.Load(task.ID)
	require.NoError(t, lerr)
	require.NotNil(t, loaded)
	assert.Equal(t, TaskFailed, loaded.Status)

	// Cancellation routes to paused, not failed.
	err = s.finishFailed(man, ErrCancelled)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, TaskPaused, man.Status)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitAuth, ExitCode(&AuthError{Endpoint: "h", Err: errors.New("denied")}))
	assert.Equal(t, ExitIntegrity, ExitCode(&IntegrityError{Path: "p"}))
	assert.Equal(t, ExitCancelled, ExitCode(ErrCancelled))
	assert.Equal(t, ExitFailure, ExitCode(ErrConcurrentTransfer))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("anything else")))

	// Wrapped errors still map.
	wrapped := &ChunkError{Index: 1, Err: &AuthError{Endpoint: "h", Err: errors.New("x")}}
	assert.Equal(t, ExitAuth, ExitCode(wrapped))
}
