package repository

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// 下游处理状态。finalize 成功后写入 pending，外部管道完成后改写。
const (
	ProcessingPending   = "pending"
	ProcessingPublished = "published"
	ProcessingFailed    = "failed"
)

const statusTTL = 7 * 24 * time.Hour

// StatusRepository 是对象处理状态的显式 KV 能力接口。
// 状态按对象 token 落在 Redis 中，进程重启后仍然可查。
type StatusRepository interface {
	GetStatus(ctx context.Context, token string) (string, error)
	SetStatus(ctx context.Context, token, status string) error
	DeleteStatus(ctx context.Context, token string) error
}

type statusRepository struct {
	redisClient *redis.Client
}

// NewStatusRepository 创建一个新的 StatusRepository 实例。
func NewStatusRepository(redisClient *redis.Client) StatusRepository {
	return &statusRepository{redisClient: redisClient}
}

func (r *statusRepository) statusKey(token string) string {
	return "object:status:" + token
}

// GetStatus 返回对象的处理状态，不存在时返回空字符串。
func (r *statusRepository) GetStatus(ctx context.Context, token string) (string, error) {
	val, err := r.redisClient.Get(ctx, r.statusKey(token)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// SetStatus 写入对象的处理状态。
func (r *statusRepository) SetStatus(ctx context.Context, token, status string) error {
	return r.redisClient.Set(ctx, r.statusKey(token), status, statusTTL).Err()
}

// DeleteStatus 删除对象的处理状态。
func (r *statusRepository) DeleteStatus(ctx context.Context, token string) error {
	return r.redisClient.Del(ctx, r.statusKey(token)).Err()
}
