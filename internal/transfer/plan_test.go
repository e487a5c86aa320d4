package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanChunks_Tiling(t *testing.T) {
	cfg := DefaultConfig()

	sizes := []int64{
		1, 1024, DefaultChunkSize - 1, DefaultChunkSize,
		DefaultChunkSize + 1, 100 * MiB, 100*MiB + 1,
		200 * MiB, 5 * GiB,
	}
	for _, size := range sizes {
		chunks := PlanChunks(size, cfg)
		assert.True(t, ValidPlan(chunks, size), "size %d", size)

		var sum int64
		var offset int64
		for i, c := range chunks {
			assert.Equal(t, i, c.Index)
			assert.Equal(t, offset, c.Offset)
			assert.Equal(t, ChunkPending, c.Status)
			sum += c.Size
			offset += c.Size
		}
		assert.Equal(t, size, sum, "size %d", size)
	}
}

func TestPlanChunks_SmallFileSingleChunk(t *testing.T) {
	cfg := DefaultConfig()

	chunks := PlanChunks(1024, cfg)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(1024), chunks[0].Size)

	cfg.Aria2 = true
	chunks = PlanChunks(2*MiB, cfg)
	require.Len(t, chunks, 1)
}

func TestPlanChunks_ZeroByteFile(t *testing.T) {
	chunks := PlanChunks(0, DefaultConfig())
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(0), chunks[0].Size)
	assert.True(t, ValidPlan(chunks, 0))
}

func TestPlanChunks_DefaultTiers(t *testing.T) {
	cfg := DefaultConfig()

	// 200 MiB in default mode: 50 chunks of 4 MiB.
	chunks := PlanChunks(200*MiB, cfg)
	require.Len(t, chunks, 50)
	assert.Equal(t, int64(DefaultChunkSize), chunks[0].Size)

	// Very large files grow the chunk size: ceil(S/256) above 4 MiB.
	chunks = PlanChunks(5*GiB, cfg)
	assert.Equal(t, int64(20*MiB), chunks[0].Size)
	assert.Len(t, chunks, 256)
}

func TestPlanChunks_ExplicitChunkSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 8 * MiB
	cfg.ChunkSizeSet = true

	chunks := PlanChunks(200*MiB, cfg)
	assert.Len(t, chunks, 25)
	assert.Equal(t, int64(8*MiB), chunks[0].Size)

	// The override only applies in default mode.
	cfg.Aria2 = true
	chunks = PlanChunks(200*MiB, cfg)
	assert.Len(t, chunks, 200)
}

func TestPlanChunks_Aria2(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Aria2 = true

	// 200 MiB: 200 chunks of 1 MiB.
	chunks := PlanChunks(200*MiB, cfg)
	require.Len(t, chunks, 200)
	assert.Equal(t, int64(Aria2ChunkSize), chunks[0].Size)

	// Chunk count is capped at 4096 for huge files.
	chunks = PlanChunks(8*GiB, cfg)
	assert.Len(t, chunks, 4096)
	assert.True(t, ValidPlan(chunks, 8*GiB))
}

func TestPlanChunks_Aria2SplitHint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Aria2 = true
	cfg.Split = 8
	cfg.SplitSet = true

	chunks := PlanChunks(200*MiB, cfg)
	assert.Len(t, chunks, 8)
	assert.True(t, ValidPlan(chunks, 200*MiB))

	// A split hint looser than 1 MiB chunking is a no-op.
	cfg.Split = 1000
	chunks = PlanChunks(200*MiB, cfg)
	assert.Len(t, chunks, 200)
}

func TestPlanChunks_LastChunkSmaller(t *testing.T) {
	cfg := DefaultConfig()
	size := int64(DefaultChunkSize + 1000)

	chunks := PlanChunks(size, cfg)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(DefaultChunkSize), chunks[0].Size)
	assert.Equal(t, int64(1000), chunks[1].Size)
}

func TestValidPlan_Rejects(t *testing.T) {
	good := PlanChunks(10*MiB, DefaultConfig())

	// Gap in offsets.
	bad := append([]Chunk(nil), good...)
	bad[1].Offset++
	assert.False(t, ValidPlan(bad, 10*MiB))

	// Wrong total.
	assert.False(t, ValidPlan(good, 10*MiB+1))

	// Index mismatch.
	bad = append([]Chunk(nil), good...)
	bad[0].Index = 5
	assert.False(t, ValidPlan(bad, 10*MiB))

	assert.False(t, ValidPlan(nil, 0))
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"100B", 100},
		{"4K", 4 * KiB},
		{"4M", 4 * MiB},
		{"1g", GiB},
		{"1.5M", 3 * MiB / 2},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, in := range []string{"", "M", "abc", "12X"} {
		_, err := ParseSize(in)
		assert.Error(t, err, in)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Parallel = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.LimitRate = -1
	assert.Error(t, cfg.Validate())
}
