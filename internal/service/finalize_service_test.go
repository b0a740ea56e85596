package service

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"klipz-media-go/internal/model"
	"klipz-media-go/internal/repository"
	"klipz-media-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type finalizeFixture struct {
	repo     *fakeRepo
	store    *fakeStore
	sessions SessionService
	finalize *finalizeService
	notified int32
	lastTask tasks.ObjectReadyTask
}

func newFinalizeFixture(t *testing.T, compact bool) *finalizeFixture {
	t.Helper()
	cfg := testUploadConfig()
	cfg.ScratchDir = t.TempDir()
	cfg.Compact = compact
	cfg.CompactMaxRetries = 3

	fx := &finalizeFixture{repo: newFakeRepo(), store: newFakeStore()}
	fx.sessions = NewSessionService(fx.repo, fx.store, cfg)
	notify := func(_ context.Context, task tasks.ObjectReadyTask) error {
		atomic.AddInt32(&fx.notified, 1)
		fx.lastTask = task
		return nil
	}
	fx.finalize = NewFinalizeService(fx.repo, fx.repo, fx.store, cfg, notify).(*finalizeService)
	fx.finalize.retryBaseDelay = time.Millisecond
	return fx
}

func (fx *finalizeFixture) createSession(t *testing.T, mimeType string) *model.UploadSession {
	t.Helper()
	s, err := fx.sessions.CreateSession(context.Background(), CreateSessionInput{
		FileName: "a.bin", MimeType: mimeType, TotalSize: 25, OwnerID: 7,
	})
	require.NoError(t, err)
	return s
}

func (fx *finalizeFixture) uploadChunk(t *testing.T, token string, index int, data string) {
	t.Helper()
	_, err := fx.sessions.ReceiveChunk(context.Background(), token, index,
		strings.NewReader(data), int64(len(data)), "")
	require.NoError(t, err)
}

func (fx *finalizeFixture) uploadAll(t *testing.T, token string) {
	t.Helper()
	fx.uploadChunk(t, token, 0, "0123456789")
	fx.uploadChunk(t, token, 1, "ABCDEFGHIJ")
	fx.uploadChunk(t, token, 2, "abcde")
}

func TestFinalizeRejectsIncompleteUpload(t *testing.T) {
	fx := newFinalizeFixture(t, false)
	s := fx.createSession(t, "application/octet-stream")

	fx.uploadChunk(t, s.Token, 0, "0123456789")
	fx.uploadChunk(t, s.Token, 2, "abcde")

	_, err := fx.finalize.Finalize(context.Background(), s.Token)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrIncompleteUpload)

	var inc *model.IncompleteError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, []int{1}, inc.Missing)
	assert.Equal(t, 1, inc.MissingCount)

	// 拒绝收尾后会话保持 active，可以继续补传
	assert.Equal(t, model.StateActive, fx.repo.sessionState(s.Token))
	assert.Equal(t, int32(0), atomic.LoadInt32(&fx.notified))
}

func TestFinalizeStreamingSession(t *testing.T) {
	fx := newFinalizeFixture(t, false)
	s := fx.createSession(t, "video/mp4")
	fx.uploadAll(t, s.Token)

	ref, err := fx.finalize.Finalize(context.Background(), s.Token)
	require.NoError(t, err)
	assert.Equal(t, s.Token, ref.Token)
	assert.Equal(t, model.ModeStreaming, ref.Mode)
	assert.Empty(t, ref.ObjectKey)
	assert.Equal(t, model.StateCompleted, fx.repo.sessionState(s.Token))

	// 下游处理状态与就绪事件
	status, err := fx.repo.GetStatus(context.Background(), s.Token)
	require.NoError(t, err)
	assert.Equal(t, repository.ProcessingPending, status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fx.notified))
	assert.Equal(t, s.Token, fx.lastTask.SessionToken)
	assert.Equal(t, int64(25), fx.lastTask.TotalSize)

	// streaming 模式保留分片对象供 Range 读取
	assert.Equal(t, 3, fx.store.objectCount())
}

func TestFinalizeIsIdempotentWhenCompleted(t *testing.T) {
	fx := newFinalizeFixture(t, false)
	s := fx.createSession(t, "video/mp4")
	fx.uploadAll(t, s.Token)

	first, err := fx.finalize.Finalize(context.Background(), s.Token)
	require.NoError(t, err)

	// 重复收尾直接返回既有引用，不重发事件
	second, err := fx.finalize.Finalize(context.Background(), s.Token)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fx.notified))
}

func TestFinalizeCompactedSession(t *testing.T) {
	fx := newFinalizeFixture(t, true)
	s := fx.createSession(t, "application/pdf")
	require.Equal(t, model.ModeCompacted, s.Mode)
	fx.uploadAll(t, s.Token)

	ref, err := fx.finalize.Finalize(context.Background(), s.Token)
	require.NoError(t, err)
	assert.Equal(t, model.ModeCompacted, ref.Mode)
	assert.Equal(t, "objects/"+s.Token+"/a.bin", ref.ObjectKey)
	assert.Contains(t, ref.ObjectURL, ref.ObjectKey)

	// 合并对象是分片按序号串接的结果
	assert.Equal(t, []byte("0123456789ABCDEFGHIJabcde"), fx.store.object(ref.ObjectKey))
	assert.Equal(t, model.StateCompleted, fx.repo.sessionState(s.Token))

	// 中间分片与回执由后台清理回收
	require.Eventually(t, func() bool {
		return fx.store.objectCount() == 1 && fx.repo.chunkCount(s.Token) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFinalizeCompactedRetriesPublish(t *testing.T) {
	fx := newFinalizeFixture(t, true)
	s := fx.createSession(t, "application/pdf")
	fx.uploadAll(t, s.Token)

	// 前两次发布失败，第三次成功
	fx.store.fputFailures = 2
	ref, err := fx.finalize.Finalize(context.Background(), s.Token)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789ABCDEFGHIJabcde"), fx.store.object(ref.ObjectKey))
}

func TestFinalizeCompactedFailsAfterRetryExhaustion(t *testing.T) {
	fx := newFinalizeFixture(t, true)
	s := fx.createSession(t, "application/pdf")
	fx.uploadAll(t, s.Token)

	fx.store.fputFailures = 3
	_, err := fx.finalize.Finalize(context.Background(), s.Token)
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.Equal(t, model.StateFailed, fx.repo.sessionState(s.Token))

	latest, gerr := fx.repo.GetSession(s.Token)
	require.NoError(t, gerr)
	assert.Contains(t, latest.LastError, "发布合并对象重试耗尽")
	assert.Equal(t, int32(0), atomic.LoadInt32(&fx.notified))
}

func TestFinalizeRejectsNonActiveSession(t *testing.T) {
	fx := newFinalizeFixture(t, false)
	s := fx.createSession(t, "video/mp4")
	fx.uploadAll(t, s.Token)

	_, err := fx.repo.TransitionState(s.Token, []string{model.StateActive}, model.StateCancelled)
	require.NoError(t, err)

	_, err = fx.finalize.Finalize(context.Background(), s.Token)
	assert.ErrorIs(t, err, model.ErrSessionNotActive)
}

func TestFinalizeExpiredSessionReportsNotFound(t *testing.T) {
	fx := newFinalizeFixture(t, false)
	s := fx.createSession(t, "video/mp4")
	fx.uploadAll(t, s.Token)

	_, err := fx.repo.TransitionState(s.Token, []string{model.StateActive}, model.StateExpired)
	require.NoError(t, err)

	// 过期即视为不存在：客户端应重新建会话而不是重试冲突
	_, err = fx.finalize.Finalize(context.Background(), s.Token)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestFinalizeUnknownSession(t *testing.T) {
	fx := newFinalizeFixture(t, false)
	_, err := fx.finalize.Finalize(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}
