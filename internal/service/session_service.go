package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"klipz-media-go/internal/config"
	"klipz-media-go/internal/model"
	"klipz-media-go/internal/repository"
	"klipz-media-go/pkg/log"

	"github.com/google/uuid"
)

// progressLogEvery 控制粗粒度进度日志的频率，避免刷屏且不阻塞写入路径。
const progressLogEvery = 16

// Progress 描述一个会话当前的接收进度。
type Progress struct {
	Received    int     `json:"received"`
	TotalChunks int     `json:"totalChunks"`
	Percent     float64 `json:"progress"`
	State       string  `json:"state"`
}

// CreateSessionInput 是创建上传会话的入参。
type CreateSessionInput struct {
	FileName  string
	MimeType  string
	TotalSize int64
	// ChunkSize 是客户端期望的分片大小，0 表示交由服务端决定
	ChunkSize int64
	OwnerID   uint
}

// SessionService 接口定义了上传会话账本与分片接收的业务操作。
type SessionService interface {
	CreateSession(ctx context.Context, in CreateSessionInput) (*model.UploadSession, error)
	// ReceiveChunk 先写对象存储、后记账，幂等于同序号重传。
	ReceiveChunk(ctx context.Context, token string, index int, payload io.Reader, length int64, checksum string) (Progress, error)
	GetProgress(ctx context.Context, token string) (Progress, error)
	GetSession(token string) (*model.UploadSession, error)
	Cancel(ctx context.Context, token string) error
}

type sessionService struct {
	repo      repository.SessionRepository
	store     ChunkStore
	uploadCfg config.UploadConfig
}

// NewSessionService 创建一个新的 SessionService 实例。
func NewSessionService(repo repository.SessionRepository, store ChunkStore, uploadCfg config.UploadConfig) SessionService {
	return &sessionService{repo: repo, store: store, uploadCfg: uploadCfg}
}

// CreateSession 建立一次可断点续传的上传会话。
// 超时档位由声明的总大小决定：大文件拿到更长的空闲超时。
func (s *sessionService) CreateSession(ctx context.Context, in CreateSessionInput) (*model.UploadSession, error) {
	if in.TotalSize <= 0 {
		return nil, fmt.Errorf("%w: totalSize=%d", model.ErrPayloadTooLarge, in.TotalSize)
	}
	if in.TotalSize > s.uploadCfg.MaxObjectSizeBytes {
		return nil, fmt.Errorf("%w: totalSize=%d, ceiling=%d",
			model.ErrPayloadTooLarge, in.TotalSize, s.uploadCfg.MaxObjectSizeBytes)
	}

	// 服务端确认分片大小：只接受不超过默认值的客户端偏好
	chunkSize := s.uploadCfg.ChunkSizeBytes
	if in.ChunkSize > 0 && in.ChunkSize <= s.uploadCfg.ChunkSizeBytes {
		chunkSize = in.ChunkSize
	}

	mode := model.ModeStreaming
	if s.uploadCfg.Compact && !isMediaMime(in.MimeType) {
		mode = model.ModeCompacted
	}

	now := time.Now()
	session := &model.UploadSession{
		Token:          uuid.NewString(),
		FileName:       in.FileName,
		MimeType:       in.MimeType,
		TotalSize:      in.TotalSize,
		ChunkSize:      chunkSize,
		TotalChunks:    model.TotalChunksFor(in.TotalSize, chunkSize),
		Mode:           mode,
		State:          model.StateActive,
		OwnerID:        in.OwnerID,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.uploadCfg.IdleTimeout(in.TotalSize)),
	}
	if err := s.repo.CreateSession(session); err != nil {
		log.Errorf("[CreateSession] 创建会话记录失败, error: %v", err)
		return nil, err
	}

	log.Infof("[CreateSession] 会话已创建。token: %s, 大小: %d, 分片: %d x %d, 模式: %s",
		session.Token, session.TotalSize, session.TotalChunks, session.ChunkSize, session.Mode)
	return session, nil
}

// ReceiveChunk 处理单个分片的上传。
// 顺序约定：必须先在对象存储写入成功，再更新账本——两步之间崩溃时
// 账本仍然权威，孤儿对象由 Reaper 按 chunks/ 前缀回收。
func (s *sessionService) ReceiveChunk(ctx context.Context, token string, index int, payload io.Reader, length int64, checksum string) (Progress, error) {
	session, err := s.repo.GetSession(token)
	if err != nil {
		return Progress{}, err
	}
	if err := ensureActive(session); err != nil {
		return Progress{}, err
	}
	if index < 0 || index >= session.TotalChunks {
		return Progress{}, fmt.Errorf("%w: index=%d, totalChunks=%d",
			model.ErrIndexOutOfRange, index, session.TotalChunks)
	}
	if expected := session.ExpectedChunkLength(index); length != expected {
		return Progress{}, fmt.Errorf("%w: chunk %d declared %d bytes, expected %d",
			model.ErrIndexOutOfRange, index, length, expected)
	}

	// 1. 写入对象存储，同时计算 MD5 以便校验
	key := chunkKey(token, index)
	hasher := md5.New()
	if err := s.store.Put(ctx, key, io.TeeReader(payload, hasher), length); err != nil {
		log.Errorf("[ReceiveChunk] 分片写入对象存储失败, key: %s, error: %v", key, err)
		return Progress{}, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}

	chunkState := model.ChunkUploaded
	if checksum != "" {
		if got := hex.EncodeToString(hasher.Sum(nil)); !strings.EqualFold(got, checksum) {
			// 校验失败的分片不能计入进度，删除脏对象由客户端重传覆盖
			_ = s.store.Remove(ctx, key)
			return Progress{}, fmt.Errorf("chunk %d checksum mismatch: got %s, want %s", index, got, checksum)
		}
		chunkState = model.ChunkVerified
	}

	// 2. 账本记账：同序号重传覆盖原行，新上传获胜且不重复计数
	if err := s.repo.UpsertChunk(&model.Chunk{
		SessionToken: token,
		ChunkIndex:   index,
		Length:       length,
		StorageKey:   key,
		Checksum:     checksum,
		State:        chunkState,
	}); err != nil {
		log.Errorf("[ReceiveChunk] 写入分片回执失败, token: %s, index: %d, error: %v", token, index, err)
		return Progress{}, err
	}

	// 3. Redis 位图标记 + 刷新空闲超时
	if err := s.repo.MarkChunkReceived(ctx, session.OwnerID, token, index); err != nil {
		log.Errorf("[ReceiveChunk] 严重错误：Redis 标记分片失败, error: %v", err)
		return Progress{}, err
	}
	now := time.Now()
	if err := s.repo.Touch(token, now, now.Add(s.uploadCfg.IdleTimeout(session.TotalSize))); err != nil {
		log.Warnf("[ReceiveChunk] 刷新会话活动时间失败, token: %s, error: %v", token, err)
	}

	progress, err := s.progressOf(ctx, session)
	if err != nil {
		return Progress{}, err
	}
	if index%progressLogEvery == 0 || progress.Received == session.TotalChunks {
		log.Infof("[ReceiveChunk] 进度 %d/%d。token: %s, 本次分片: %d",
			progress.Received, session.TotalChunks, token, index)
	}
	return progress, nil
}

// GetProgress 获取会话的接收进度。
func (s *sessionService) GetProgress(ctx context.Context, token string) (Progress, error) {
	session, err := s.repo.GetSession(token)
	if err != nil {
		return Progress{}, err
	}
	return s.progressOf(ctx, session)
}

// GetSession 返回会话记录本身。
func (s *sessionService) GetSession(token string) (*model.UploadSession, error) {
	return s.repo.GetSession(token)
}

// Cancel 立即取消会话并回收其分片与暂存目录，不等待 Reaper。
func (s *sessionService) Cancel(ctx context.Context, token string) error {
	session, err := s.repo.GetSession(token)
	if err != nil {
		return err
	}
	if err := ensureActive(session); err != nil {
		return err
	}

	ok, err := s.repo.TransitionState(token, []string{model.StateActive}, model.StateCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: state=%s", model.ErrSessionNotActive, session.State)
	}

	if err := s.store.RemoveKeys(ctx, chunkKeys(token, session.TotalChunks)); err != nil {
		// 对象删除失败不回滚取消，残留对象由 Reaper 兜底
		log.Warnf("[Cancel] 删除分片对象失败, token: %s, error: %v", token, err)
	}
	if err := s.repo.DeleteChunks(token); err != nil {
		log.Warnf("[Cancel] 删除分片回执失败, token: %s, error: %v", token, err)
	}
	if err := s.repo.DeleteReceiptBitmap(ctx, session.OwnerID, token); err != nil {
		log.Warnf("[Cancel] 删除回执位图失败, token: %s, error: %v", token, err)
	}
	if s.uploadCfg.ScratchDir != "" {
		_ = os.RemoveAll(sessionScratchDir(s.uploadCfg.ScratchDir, token))
	}

	log.Infof("[Cancel] 会话已取消并回收。token: %s", token)
	return nil
}

// progressOf 从 Redis 位图取已收分片集合并换算百分比。
func (s *sessionService) progressOf(ctx context.Context, session *model.UploadSession) (Progress, error) {
	received, err := s.repo.ReceivedChunks(ctx, session.OwnerID, session.Token, session.TotalChunks)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{
		Received:    len(received),
		TotalChunks: session.TotalChunks,
		State:       session.State,
	}
	if session.TotalChunks > 0 {
		p.Percent = float64(len(received)) / float64(session.TotalChunks) * 100
	}
	return p, nil
}

// ensureActive 校验会话仍可接受写入类操作。
// 过期会话按不存在回答，提示客户端重新建立会话，而不是当作可恢复的冲突；
// 其余终止态与 finalizing 返回状态冲突。
func ensureActive(session *model.UploadSession) error {
	switch session.State {
	case model.StateActive:
		return nil
	case model.StateExpired:
		return fmt.Errorf("%w: 会话已过期", model.ErrSessionNotFound)
	default:
		return fmt.Errorf("%w: state=%s", model.ErrSessionNotActive, session.State)
	}
}

// isMediaMime 判断是否为需要 Range 寻址播放的媒体类型。
func isMediaMime(mimeType string) bool {
	return strings.HasPrefix(mimeType, "video/") || strings.HasPrefix(mimeType, "audio/")
}
