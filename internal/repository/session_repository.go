// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"klipz-media-go/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepository 接口定义了上传会话账本的数据持久化操作。
// MySQL 行是权威记录；Redis 位图只是已收分片集合的快速通道，
// 与教科书式的 (session, index) 单行条件更新配合避免并发重传丢更新。
type SessionRepository interface {
	// UploadSession operations (GORM)
	CreateSession(session *model.UploadSession) error
	GetSession(token string) (*model.UploadSession, error)
	Touch(token string, lastActivity, expiresAt time.Time) error
	TransitionState(token string, allowedFrom []string, to string) (bool, error)
	SetCompactedObject(token, objectKey string) error
	SetLastError(token, lastError string) error
	FindExpired(now time.Time, limit int) ([]model.UploadSession, error)
	DeleteSession(token string) error

	// Chunk operations (GORM)
	UpsertChunk(chunk *model.Chunk) error
	GetChunks(token string) ([]model.Chunk, error)
	ChunkProgress(token string) (count int64, byteSum int64, err error)
	DeleteChunks(token string) error

	// Chunk receipt bitmap (Redis)
	IsChunkReceived(ctx context.Context, ownerID uint, token string, index int) (bool, error)
	MarkChunkReceived(ctx context.Context, ownerID uint, token string, index int) error
	ReceivedChunks(ctx context.Context, ownerID uint, token string, totalChunks int) ([]int, error)
	DeleteReceiptBitmap(ctx context.Context, ownerID uint, token string) error
}

// sessionRepository 是 SessionRepository 接口的 GORM+Redis 实现。
type sessionRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewSessionRepository 创建一个新的 SessionRepository 实例。
func NewSessionRepository(db *gorm.DB, redisClient *redis.Client) SessionRepository {
	return &sessionRepository{db: db, redisClient: redisClient}
}

// receiptKey generates the redis key for the chunk receipt bitmap.
func (r *sessionRepository) receiptKey(ownerID uint, token string) string {
	return "upload:" + strconv.FormatUint(uint64(ownerID), 10) + ":" + token
}

// CreateSession 在数据库中创建一个新的上传会话记录。
func (r *sessionRepository) CreateSession(session *model.UploadSession) error {
	return r.db.Create(session).Error
}

// GetSession 根据会话 token 检索会话记录。
func (r *sessionRepository) GetSession(token string) (*model.UploadSession, error) {
	var session model.UploadSession
	err := r.db.Where("token = ?", token).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// Touch 刷新会话的最后活动时间与过期时间。
func (r *sessionRepository) Touch(token string, lastActivity, expiresAt time.Time) error {
	return r.db.Model(&model.UploadSession{}).Where("token = ?", token).
		Updates(map[string]interface{}{
			"last_activity_at": lastActivity,
			"expires_at":       expiresAt,
		}).Error
}

// TransitionState 以单条条件 UPDATE 执行状态迁移，返回是否有行被更新。
// 并发的同一迁移最多只有一个调用方拿到 true，finalize 的单飞语义依赖于此。
func (r *sessionRepository) TransitionState(token string, allowedFrom []string, to string) (bool, error) {
	res := r.db.Model(&model.UploadSession{}).
		Where("token = ? AND state IN ?", token, allowedFrom).
		Update("state", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetCompactedObject 记录合并后单对象的存储 key。
func (r *sessionRepository) SetCompactedObject(token, objectKey string) error {
	return r.db.Model(&model.UploadSession{}).Where("token = ?", token).
		Update("object_key", objectKey).Error
}

// SetLastError 保留会话最后一次失败的错误信息。
func (r *sessionRepository) SetLastError(token, lastError string) error {
	if len(lastError) > 512 {
		lastError = lastError[:512]
	}
	return r.db.Model(&model.UploadSession{}).Where("token = ?", token).
		Update("last_error", lastError).Error
}

// FindExpired 查找所有已超过过期时间且仍处于非终止态的会话。
func (r *sessionRepository) FindExpired(now time.Time, limit int) ([]model.UploadSession, error) {
	var sessions []model.UploadSession
	err := r.db.Where("expires_at < ? AND state IN ?", now,
		[]string{model.StateActive, model.StateFinalizing}).
		Limit(limit).Find(&sessions).Error
	return sessions, err
}

// DeleteSession 删除会话行，仅在取消后的硬删除场景使用。
func (r *sessionRepository) DeleteSession(token string) error {
	return r.db.Where("token = ?", token).Delete(&model.UploadSession{}).Error
}

// UpsertChunk 写入一条分片回执；同一 (session, index) 的重传覆盖原行，
// 新上传的 length/storage_key/checksum 生效，不会产生重复行。
func (r *sessionRepository) UpsertChunk(chunk *model.Chunk) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_token"}, {Name: "chunk_index"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"length", "storage_key", "checksum", "state",
		}),
	}).Create(chunk).Error
}

// GetChunks 按分片序号升序返回会话的全部分片回执。
func (r *sessionRepository) GetChunks(token string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := r.db.Where("session_token = ?", token).
		Order("chunk_index asc").Find(&chunks).Error
	return chunks, err
}

// ChunkProgress 返回非失败分片的行数与字节总和。
// 完整性判定依据 sum(length) == totalSize，而不只是行数。
func (r *sessionRepository) ChunkProgress(token string) (int64, int64, error) {
	type agg struct {
		Count int64
		Bytes int64
	}
	var a agg
	err := r.db.Model(&model.Chunk{}).
		Select("COUNT(*) AS count, COALESCE(SUM(length), 0) AS bytes").
		Where("session_token = ? AND state <> ?", token, model.ChunkFailed).
		Scan(&a).Error
	if err != nil {
		return 0, 0, err
	}
	return a.Count, a.Bytes, nil
}

// DeleteChunks 删除会话的全部分片回执行。
func (r *sessionRepository) DeleteChunks(token string) error {
	return r.db.Where("session_token = ?", token).Delete(&model.Chunk{}).Error
}

// IsChunkReceived checks if a chunk is marked as received in Redis.
func (r *sessionRepository) IsChunkReceived(ctx context.Context, ownerID uint, token string, index int) (bool, error) {
	val, err := r.redisClient.GetBit(ctx, r.receiptKey(ownerID, token), int64(index)).Result()
	if err != nil {
		return false, err
	}
	return val == 1, nil
}

// MarkChunkReceived marks a chunk as received in Redis.
func (r *sessionRepository) MarkChunkReceived(ctx context.Context, ownerID uint, token string, index int) error {
	return r.redisClient.SetBit(ctx, r.receiptKey(ownerID, token), int64(index), 1).Err()
}

// ReceivedChunks retrieves the list of received chunk indexes from the Redis bitmap.
func (r *sessionRepository) ReceivedChunks(ctx context.Context, ownerID uint, token string, totalChunks int) ([]int, error) {
	if totalChunks == 0 {
		return []int{}, nil
	}
	bitmap, err := r.redisClient.Get(ctx, r.receiptKey(ownerID, token)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return []int{}, nil // key 不存在，尚无分片
		}
		return nil, fmt.Errorf("读取分片回执位图失败: %w", err)
	}

	received := make([]int, 0)
	for i := 0; i < totalChunks; i++ {
		byteIndex := i / 8
		bitIndex := i % 8
		if byteIndex < len(bitmap) && (bitmap[byteIndex]>>(7-bitIndex))&1 == 1 {
			received = append(received, i)
		}
	}
	return received, nil
}

// DeleteReceiptBitmap deletes the receipt bitmap key from Redis.
func (r *sessionRepository) DeleteReceiptBitmap(ctx context.Context, ownerID uint, token string) error {
	return r.redisClient.Del(ctx, r.receiptKey(ownerID, token)).Err()
}
