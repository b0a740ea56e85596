package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{StateActive, StateFinalizing},
		{StateActive, StateExpired},
		{StateActive, StateCancelled},
		{StateActive, StateFailed},
		{StateFinalizing, StateCompleted},
		{StateFinalizing, StateFailed},
		// Reaper 回收 finalize 中途崩溃的会话
		{StateFinalizing, StateExpired},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s 应当合法", tr[0], tr[1])
	}

	denied := [][2]string{
		{StateActive, StateCompleted}, // 必须先经过 finalizing
		{StateFinalizing, StateActive},
		{StateFinalizing, StateCancelled},
		{StateCompleted, StateActive},
		{StateExpired, StateActive},
		{StateCancelled, StateFinalizing},
		{StateFailed, StateCompleted},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s 应当非法", tr[0], tr[1])
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StateCompleted, StateExpired, StateFailed, StateCancelled} {
		assert.True(t, IsTerminal(s))
	}
	for _, s := range []string{StateActive, StateFinalizing} {
		assert.False(t, IsTerminal(s))
	}
}

func TestTotalChunksFor(t *testing.T) {
	assert.Equal(t, 0, TotalChunksFor(0, 10))
	assert.Equal(t, 1, TotalChunksFor(1, 10))
	assert.Equal(t, 1, TotalChunksFor(10, 10))
	assert.Equal(t, 2, TotalChunksFor(11, 10))
	// 25 MB / 10 MB → 3 个分片
	assert.Equal(t, 3, TotalChunksFor(25_000_000, 10_000_000))
}

func TestChunkGeometry(t *testing.T) {
	s := &UploadSession{
		TotalSize:   25_000_000,
		ChunkSize:   10_000_000,
		TotalChunks: 3,
	}

	assert.Equal(t, int64(0), s.ChunkOffset(0))
	assert.Equal(t, int64(10_000_000), s.ChunkOffset(1))
	assert.Equal(t, int64(20_000_000), s.ChunkOffset(2))

	// 只有最后一个分片允许更短
	assert.Equal(t, int64(10_000_000), s.ExpectedChunkLength(0))
	assert.Equal(t, int64(10_000_000), s.ExpectedChunkLength(1))
	assert.Equal(t, int64(5_000_000), s.ExpectedChunkLength(2))

	// 整除时最后一个分片是满长的
	even := &UploadSession{TotalSize: 20, ChunkSize: 10, TotalChunks: 2}
	assert.Equal(t, int64(10), even.ExpectedChunkLength(1))
}

func TestIncompleteErrorIsSentinel(t *testing.T) {
	err := &IncompleteError{Missing: []int{1, 3}, MissingCount: 2}
	assert.True(t, errors.Is(err, ErrIncompleteUpload))
	assert.Contains(t, err.Error(), "[1 3]")

	truncated := &IncompleteError{Missing: []int{0, 1}, MissingCount: 80}
	assert.Contains(t, truncated.Error(), "80 chunks missing")
}
