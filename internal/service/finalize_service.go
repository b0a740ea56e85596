package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"klipz-media-go/internal/config"
	"klipz-media-go/internal/model"
	"klipz-media-go/internal/repository"
	"klipz-media-go/pkg/log"
	"klipz-media-go/pkg/tasks"
)

// presignExpiry 是 finalize 响应与就绪事件中下载链接的有效期。
const presignExpiry = time.Hour

// ObjectRef 是 finalize 的产出：streaming 模式下即会话本身，
// compacted 模式下附带合并后单对象的 key 与带时效链接。
type ObjectRef struct {
	Token     string `json:"token"`
	Mode      string `json:"mode"`
	ObjectKey string `json:"objectKey,omitempty"`
	ObjectURL string `json:"objectUrl,omitempty"`
}

// NotifyFunc 在对象就绪后向下游管道发布事件，失败不影响 finalize 结果。
type NotifyFunc func(ctx context.Context, task tasks.ObjectReadyTask) error

// FinalizeService 接口定义了会话收尾的业务操作。
type FinalizeService interface {
	Finalize(ctx context.Context, token string) (ObjectRef, error)
}

type finalizeService struct {
	repo       repository.SessionRepository
	statusRepo repository.StatusRepository
	store      ChunkStore
	uploadCfg  config.UploadConfig
	notify     NotifyFunc
	// retryBaseDelay 是合并结果上传重试的退避基数
	retryBaseDelay time.Duration
}

// NewFinalizeService 创建一个新的 FinalizeService 实例。
func NewFinalizeService(repo repository.SessionRepository, statusRepo repository.StatusRepository,
	store ChunkStore, uploadCfg config.UploadConfig, notify NotifyFunc) FinalizeService {
	return &finalizeService{
		repo:           repo,
		statusRepo:     statusRepo,
		store:          store,
		uploadCfg:      uploadCfg,
		notify:         notify,
		retryBaseDelay: time.Second,
	}
}

// Finalize 收尾一次上传。
// 对已完成的会话幂等：直接返回既有对象引用，不做任何重复处理。
func (s *finalizeService) Finalize(ctx context.Context, token string) (ObjectRef, error) {
	session, err := s.repo.GetSession(token)
	if err != nil {
		return ObjectRef{}, err
	}

	if session.State == model.StateCompleted {
		return s.objectRef(ctx, session)
	}
	if err := ensureActive(session); err != nil {
		return ObjectRef{}, err
	}

	// 完整性预检：sum(length) == totalSize 才算齐，行数相等并不充分
	if err := s.checkComplete(session); err != nil {
		return ObjectRef{}, err
	}

	// 单飞：条件 UPDATE 抢 finalizing，并发的第二个调用方在此落败
	ok, err := s.repo.TransitionState(token, []string{model.StateActive}, model.StateFinalizing)
	if err != nil {
		return ObjectRef{}, err
	}
	if !ok {
		// 可能已被并发 finalize 推进，以最新状态回答
		latest, gerr := s.repo.GetSession(token)
		if gerr == nil && latest.State == model.StateCompleted {
			return s.objectRef(ctx, latest)
		}
		return ObjectRef{}, fmt.Errorf("%w: concurrent finalize", model.ErrInvalidStateTransition)
	}

	if session.Mode == model.ModeCompacted {
		if err := s.compact(ctx, session); err != nil {
			s.fail(session, err)
			return ObjectRef{}, err
		}
		// 合并成功后，中间分片对象与回执后台回收
		go s.cleanupChunks(context.Background(), session)
	}

	if _, err := s.repo.TransitionState(token, []string{model.StateFinalizing}, model.StateCompleted); err != nil {
		return ObjectRef{}, err
	}
	session.State = model.StateCompleted

	if err := s.statusRepo.SetStatus(ctx, token, repository.ProcessingPending); err != nil {
		log.Warnf("[Finalize] 写入处理状态失败, token: %s, error: %v", token, err)
	}

	ref, err := s.objectRef(ctx, session)
	if err != nil {
		return ObjectRef{}, err
	}
	s.announce(ctx, session, ref)

	log.Infof("[Finalize] 会话收尾完成。token: %s, 模式: %s", token, session.Mode)
	return ref, nil
}

// checkComplete 校验所有分片均已回执且字节总和等于声明大小，
// 否则返回带有界缺失列表的 IncompleteError。
func (s *finalizeService) checkComplete(session *model.UploadSession) error {
	chunks, err := s.repo.GetChunks(session.Token)
	if err != nil {
		return err
	}

	lengths := make(map[int]int64, len(chunks))
	var sum int64
	for _, c := range chunks {
		if c.State == model.ChunkFailed {
			continue
		}
		lengths[c.ChunkIndex] = c.Length
		sum += c.Length
	}

	var missing []int
	missingCount := 0
	for i := 0; i < session.TotalChunks; i++ {
		got, ok := lengths[i]
		if ok && got == session.ExpectedChunkLength(i) {
			continue
		}
		missingCount++
		if len(missing) < model.MaxReportedMissing {
			missing = append(missing, i)
		}
	}
	if missingCount > 0 || sum != session.TotalSize {
		log.Warnf("[Finalize] 拒绝收尾：分片不完整。token: %s, 缺失: %d, 字节: %d/%d",
			session.Token, missingCount, sum, session.TotalSize)
		return &model.IncompleteError{Missing: missing, MissingCount: missingCount}
	}
	return nil
}

// compact 按序号顺序把分片串接进本地暂存文件再整体发布。
// 任一时刻内存中最多只有拷贝缓冲区大小的数据；暂存目录无论成败都会清理。
func (s *finalizeService) compact(ctx context.Context, session *model.UploadSession) (err error) {
	scratch := sessionScratchDir(s.uploadCfg.ScratchDir, session.Token)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("创建暂存目录失败: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			log.Warnf("[Finalize] 清理暂存目录失败, dir: %s, error: %v", scratch, rmErr)
		}
	}()

	assembled := filepath.Join(scratch, "assembled")
	f, err := os.Create(assembled)
	if err != nil {
		return fmt.Errorf("创建暂存文件失败: %w", err)
	}

	// 串行逐分片下载是有意为之：内存上界约等于单个拷贝缓冲区
	for i := 0; i < session.TotalChunks; i++ {
		if ctx.Err() != nil {
			f.Close()
			return ctx.Err()
		}
		rc, gerr := s.store.Get(ctx, chunkKey(session.Token, i))
		if gerr != nil {
			f.Close()
			return fmt.Errorf("%w: 下载分片 %d 失败: %v", model.ErrStoreUnavailable, i, gerr)
		}
		_, cerr := io.Copy(f, rc)
		rc.Close()
		if cerr != nil {
			f.Close()
			return fmt.Errorf("串接分片 %d 失败: %w", i, cerr)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("关闭暂存文件失败: %w", err)
	}

	// 整体发布，指数退避重试，次数有界
	objectKey := compactedKey(session.Token, session.FileName)
	maxRetries := s.uploadCfg.CompactMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryBaseDelay << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = s.store.FPut(ctx, objectKey, assembled, session.MimeType); lastErr == nil {
			break
		}
		log.Warnf("[Finalize] 发布合并对象失败 (第 %d/%d 次), token: %s, error: %v",
			attempt+1, maxRetries, session.Token, lastErr)
	}
	if lastErr != nil {
		return fmt.Errorf("%w: 发布合并对象重试耗尽: %v", model.ErrStoreUnavailable, lastErr)
	}

	if err := s.repo.SetCompactedObject(session.Token, objectKey); err != nil {
		return err
	}
	session.ObjectKey = objectKey
	return nil
}

// cleanupChunks 回收合并后不再需要的中间分片与回执。
func (s *finalizeService) cleanupChunks(ctx context.Context, session *model.UploadSession) {
	if err := s.store.RemoveKeys(ctx, chunkKeys(session.Token, session.TotalChunks)); err != nil {
		log.Warnf("[Finalize] 后台清理：删除分片对象失败, token: %s, error: %v", session.Token, err)
	}
	if err := s.repo.DeleteChunks(session.Token); err != nil {
		log.Warnf("[Finalize] 后台清理：删除分片回执失败, token: %s, error: %v", session.Token, err)
	}
	if err := s.repo.DeleteReceiptBitmap(ctx, session.OwnerID, session.Token); err != nil {
		log.Warnf("[Finalize] 后台清理：删除回执位图失败, token: %s, error: %v", session.Token, err)
	}
	log.Infof("[Finalize] 后台清理完成。token: %s", session.Token)
}

// fail 把会话转入 failed 并保留最后一次错误。
func (s *finalizeService) fail(session *model.UploadSession, cause error) {
	if err := s.repo.SetLastError(session.Token, cause.Error()); err != nil {
		log.Warnf("[Finalize] 记录失败原因失败, token: %s, error: %v", session.Token, err)
	}
	if _, err := s.repo.TransitionState(session.Token,
		[]string{model.StateFinalizing}, model.StateFailed); err != nil {
		log.Errorf("[Finalize] 会话转入 failed 状态失败, token: %s, error: %v", session.Token, err)
	}
}

// objectRef 构造对象引用；compacted 模式附带带时效的直连链接。
func (s *finalizeService) objectRef(ctx context.Context, session *model.UploadSession) (ObjectRef, error) {
	ref := ObjectRef{Token: session.Token, Mode: session.Mode}
	if session.Mode == model.ModeCompacted && session.ObjectKey != "" {
		ref.ObjectKey = session.ObjectKey
		url, err := s.store.PresignedGetURL(ctx, session.ObjectKey, presignExpiry, session.FileName)
		if err != nil {
			log.Warnf("[Finalize] 生成下载链接失败, token: %s, error: %v", session.Token, err)
		} else {
			ref.ObjectURL = url
		}
	}
	return ref, nil
}

// announce 向下游管道发布对象就绪事件，发送失败只记日志。
func (s *finalizeService) announce(ctx context.Context, session *model.UploadSession, ref ObjectRef) {
	if s.notify == nil {
		return
	}
	task := tasks.ObjectReadyTask{
		SessionToken: session.Token,
		ObjectKey:    ref.ObjectKey,
		ObjectURL:    ref.ObjectURL,
		FileName:     session.FileName,
		MimeType:     session.MimeType,
		TotalSize:    session.TotalSize,
		OwnerID:      session.OwnerID,
		Mode:         session.Mode,
	}
	if err := s.notify(ctx, task); err != nil {
		log.Errorf("[Finalize] 发送对象就绪事件失败, token: %s, error: %v", session.Token, err)
		return
	}
	log.Infof("[Finalize] 对象就绪事件已发送。token: %s", session.Token)
}
