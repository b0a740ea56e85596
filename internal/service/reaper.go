package service

import (
	"context"
	"os"
	"time"

	"klipz-media-go/internal/config"
	"klipz-media-go/internal/model"
	"klipz-media-go/internal/repository"
	"klipz-media-go/pkg/log"
)

// Reaper 周期性地把超过空闲超时的会话转入 expired 并回收其分片
// 与本地暂存目录。它由进程生命周期显式启动和取消，不做模块级副作用。
type Reaper struct {
	repo       repository.SessionRepository
	store      ChunkStore
	scratchDir string
	interval   time.Duration
	batchSize  int
}

// NewReaper 创建一个新的 Reaper 实例。
func NewReaper(repo repository.SessionRepository, store ChunkStore,
	uploadCfg config.UploadConfig, reaperCfg config.ReaperConfig) *Reaper {
	interval := time.Duration(reaperCfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	batch := reaperCfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Reaper{
		repo:       repo,
		store:      store,
		scratchDir: uploadCfg.ScratchDir,
		interval:   interval,
		batchSize:  batch,
	}
}

// Start 以固定间隔运行清理，直到 ctx 被取消。应在独立 goroutine 中调用。
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Infof("[Reaper] 已启动，间隔 %s", r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("[Reaper] 已停止")
			return
		case <-ticker.C:
			if _, err := r.SweepOnce(ctx); err != nil {
				log.Error("[Reaper] 清理轮次失败", err)
			}
		}
	}
}

// SweepOnce 执行一轮清理，返回本轮回收的会话数。
// 终止态迁移走条件 UPDATE，重复调用与并发调用都是无害的：
// 已被其他清理者拿走的会话在这里简单跳过。
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	sessions, err := r.repo.FindExpired(time.Now(), r.batchSize)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, session := range sessions {
		ok, err := r.repo.TransitionState(session.Token,
			[]string{model.StateActive, model.StateFinalizing}, model.StateExpired)
		if err != nil {
			log.Warnf("[Reaper] 会话转入 expired 失败, token: %s, error: %v", session.Token, err)
			continue
		}
		if !ok {
			continue
		}

		// 单个会话的回收失败不中断整轮清理
		if err := r.store.RemoveKeys(ctx, chunkKeys(session.Token, session.TotalChunks)); err != nil {
			log.Warnf("[Reaper] 删除分片对象失败, token: %s, error: %v", session.Token, err)
		}
		if err := r.repo.DeleteChunks(session.Token); err != nil {
			log.Warnf("[Reaper] 删除分片回执失败, token: %s, error: %v", session.Token, err)
		}
		if err := r.repo.DeleteReceiptBitmap(ctx, session.OwnerID, session.Token); err != nil {
			log.Warnf("[Reaper] 删除回执位图失败, token: %s, error: %v", session.Token, err)
		}
		if r.scratchDir != "" {
			_ = os.RemoveAll(sessionScratchDir(r.scratchDir, session.Token))
		}
		reclaimed++
	}

	if reclaimed > 0 {
		log.Infof("[Reaper] 本轮回收了 %d 个过期会话", reclaimed)
	}
	return reclaimed, nil
}
