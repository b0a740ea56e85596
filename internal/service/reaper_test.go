package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"klipz-media-go/internal/config"
	"klipz-media-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSessionForReaper(t *testing.T, repo *fakeRepo, store *fakeStore,
	token, state string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, repo.CreateSession(&model.UploadSession{
		Token: token, FileName: "a.bin", MimeType: "application/octet-stream",
		TotalSize: 25, ChunkSize: 10, TotalChunks: 3,
		Mode: model.ModeStreaming, State: state, OwnerID: 7,
		LastActivityAt: time.Now(), ExpiresAt: expiresAt,
	}))
	store.objects[chunkKey(token, 0)] = []byte("0123456789")
	store.objects[chunkKey(token, 1)] = []byte("ABCDEFGHIJ")
	require.NoError(t, repo.UpsertChunk(&model.Chunk{
		SessionToken: token, ChunkIndex: 0, Length: 10,
		StorageKey: chunkKey(token, 0), State: model.ChunkUploaded,
	}))
	require.NoError(t, repo.MarkChunkReceived(context.Background(), 7, token, 0))
}

func TestSweepOnceReclaimsExpiredSessions(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	scratch := t.TempDir()

	seedSessionForReaper(t, repo, store, "stale", model.StateActive,
		time.Now().Add(-time.Hour))
	seedSessionForReaper(t, repo, store, "fresh", model.StateActive,
		time.Now().Add(time.Hour))

	// 过期会话的暂存目录也应一并回收
	staleScratch := sessionScratchDir(scratch, "stale")
	require.NoError(t, os.MkdirAll(staleScratch, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staleScratch, "assembled"), []byte("x"), 0o644))

	r := NewReaper(repo, store, config.UploadConfig{ScratchDir: scratch}, config.ReaperConfig{})
	reclaimed, err := r.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	assert.Equal(t, model.StateExpired, repo.sessionState("stale"))
	assert.Equal(t, 0, repo.chunkCount("stale"))
	assert.Nil(t, store.object(chunkKey("stale", 0)))
	assert.NoDirExists(t, staleScratch)

	// 未过期的会话不受影响
	assert.Equal(t, model.StateActive, repo.sessionState("fresh"))
	assert.Equal(t, 1, repo.chunkCount("fresh"))
	assert.NotNil(t, store.object(chunkKey("fresh", 0)))

	received, err := repo.ReceivedChunks(context.Background(), 7, "stale", 3)
	require.NoError(t, err)
	assert.Empty(t, received)
}

func TestSweepOnceIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()

	seedSessionForReaper(t, repo, store, "stale", model.StateActive,
		time.Now().Add(-time.Hour))

	r := NewReaper(repo, store, config.UploadConfig{}, config.ReaperConfig{})
	reclaimed, err := r.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	// 第二轮没有可回收的会话
	reclaimed, err = r.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
}

func TestSweepOnceReclaimsStuckFinalizing(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()

	// finalize 中途崩溃的会话同样会过期并被回收
	seedSessionForReaper(t, repo, store, "stuck", model.StateFinalizing,
		time.Now().Add(-time.Hour))

	r := NewReaper(repo, store, config.UploadConfig{}, config.ReaperConfig{})
	reclaimed, err := r.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, model.StateExpired, repo.sessionState("stuck"))
}

func TestSweepOnceSkipsTerminalSessions(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()

	seedSessionForReaper(t, repo, store, "done", model.StateCompleted,
		time.Now().Add(-time.Hour))

	r := NewReaper(repo, store, config.UploadConfig{}, config.ReaperConfig{})
	reclaimed, err := r.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
	assert.Equal(t, model.StateCompleted, repo.sessionState("done"))
	assert.NotNil(t, store.object(chunkKey("done", 0)))
}
