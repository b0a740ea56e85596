package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"klipz-media-go/internal/config"
	"klipz-media-go/internal/model"
	"klipz-media-go/internal/repository"
	"klipz-media-go/pkg/log"
)

// fallbackWindowBytes 是未配置窗口大小时开区间请求的兜底窗口。
const fallbackWindowBytes = 8 << 20

// RangePlan 是一次检索请求经地址翻译后的读取计划，区间为闭区间。
type RangePlan struct {
	Partial bool
	Start   int64
	End     int64
}

// Length 返回计划覆盖的字节数。
func (p RangePlan) Length() int64 {
	return p.End - p.Start + 1
}

// StreamService 接口定义了按字节范围流式读取已完成对象的业务操作。
type StreamService interface {
	// GetObject 按 token 取可检索对象，只有 completed 会话可见
	GetObject(token string) (*model.UploadSession, error)
	PlanRange(session *model.UploadSession, rangeHeader string) (RangePlan, error)
	// Stream 把计划区间内的字节按序写入 w，只拉取与区间相交的分片
	Stream(ctx context.Context, w io.Writer, session *model.UploadSession, plan RangePlan) error
	PresignedURL(ctx context.Context, session *model.UploadSession) (string, error)
}

type streamService struct {
	repo      repository.SessionRepository
	store     ChunkStore
	streamCfg config.StreamConfig
}

// NewStreamService 创建一个新的 StreamService 实例。
func NewStreamService(repo repository.SessionRepository, store ChunkStore, streamCfg config.StreamConfig) StreamService {
	return &streamService{repo: repo, store: store, streamCfg: streamCfg}
}

// GetObject 把完成态会话作为可检索对象返回。
// 过期或未完成的会话一律按不存在处理，提示客户端重新开始。
func (s *streamService) GetObject(token string) (*model.UploadSession, error) {
	session, err := s.repo.GetSession(token)
	if err != nil {
		return nil, err
	}
	if session.State != model.StateCompleted {
		return nil, fmt.Errorf("%w: state=%s", model.ErrSessionNotFound, session.State)
	}
	return session, nil
}

// PlanRange 把 Range 请求头翻译为读取计划。
// 只支持 bytes=a-b 与 bytes=a- 两种形式；无法解析的头按整对象处理，
// 起点越界返回 ErrRangeNotSatisfiable。开区间请求的终点被钳制为
// min(start+defaultWindow-1, totalSize-1)，限制单次请求的工作量。
func (s *streamService) PlanRange(session *model.UploadSession, rangeHeader string) (RangePlan, error) {
	full := RangePlan{Partial: false, Start: 0, End: session.TotalSize - 1}

	spec, ok := strings.CutPrefix(rangeHeader, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return full, nil
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok || startStr == "" {
		return full, nil
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return full, nil
	}
	if start >= session.TotalSize {
		return RangePlan{}, fmt.Errorf("%w: start=%d, size=%d",
			model.ErrRangeNotSatisfiable, start, session.TotalSize)
	}

	var end int64
	if endStr == "" {
		// 开区间：合成有界窗口而不是一路放到对象末尾
		window := s.streamCfg.DefaultWindowBytes
		if window <= 0 {
			window = fallbackWindowBytes
		}
		end = start + window - 1
	} else {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return full, nil
		}
		if end < start {
			return RangePlan{}, fmt.Errorf("%w: start=%d, end=%d",
				model.ErrRangeNotSatisfiable, start, end)
		}
	}
	if end > session.TotalSize-1 {
		end = session.TotalSize - 1
	}
	return RangePlan{Partial: true, Start: start, End: end}, nil
}

// Stream 依次拉取与 [Start, End] 相交的分片并把相交字节写入 w。
// 写入 ResponseWriter 本身是阻塞的：下游消费慢时拷贝停在 Write 上，
// 天然挂起后续分片的拉取，不会无界缓冲已取未发的字节。
// 每个分片开始前检查 ctx，客户端断开后立即停止拉取。
func (s *streamService) Stream(ctx context.Context, w io.Writer, session *model.UploadSession, plan RangePlan) error {
	startChunk := int(plan.Start / session.ChunkSize)
	endChunk := int(plan.End / session.ChunkSize)

	for idx := startChunk; idx <= endChunk; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		offset := session.ChunkOffset(idx)
		chunkLen := session.ExpectedChunkLength(idx)

		// 区间端点换算到分片内坐标
		localStart := int64(0)
		if plan.Start > offset {
			localStart = plan.Start - offset
		}
		localEnd := chunkLen - 1
		if plan.End < offset+chunkLen-1 {
			localEnd = plan.End - offset
		}

		rc, err := s.store.GetRange(ctx, chunkKey(session.Token, idx), localStart, localEnd)
		if err != nil {
			return fmt.Errorf("%w: 拉取分片 %d 失败: %v", model.ErrStoreUnavailable, idx, err)
		}
		_, cerr := io.Copy(w, rc)
		rc.Close()
		if cerr != nil {
			return fmt.Errorf("写出分片 %d 失败: %w", idx, cerr)
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return nil
}

// PresignedURL 为对象生成带时效的直连下载链接。
// compacted 会话指向合并后的单对象；streaming 会话没有单对象可签，
// 返回空串由调用方回退到流式端点。
func (s *streamService) PresignedURL(ctx context.Context, session *model.UploadSession) (string, error) {
	if session.ObjectKey == "" {
		return "", nil
	}
	url, err := s.store.PresignedGetURL(ctx, session.ObjectKey, presignExpiry, session.FileName)
	if err != nil {
		log.Errorf("[PresignedURL] 生成下载链接失败, token: %s, error: %v", session.Token, err)
		return "", err
	}
	return url, nil
}
