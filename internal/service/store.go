// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"
)

// ChunkStore 描述了核心逻辑对外部对象存储的全部要求。
// pkg/storage 的 MinIO 适配器实现了它；测试中用内存假实现替换。
type ChunkStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	FPut(ctx context.Context, key, filePath, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (int64, error)
	Remove(ctx context.Context, key string) error
	RemoveKeys(ctx context.Context, keys []string) error
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration, filename string) (string, error)
}

// chunkKey 派生 (session, index) 分片在对象存储中的 key。
// 所有中间分片都落在 chunks/<token>/ 前缀下，便于 Reaper 按前缀回收。
func chunkKey(token string, index int) string {
	return fmt.Sprintf("chunks/%s/%d", token, index)
}

// compactedKey 派生合并后单对象的存储 key。
func compactedKey(token, fileName string) string {
	return fmt.Sprintf("objects/%s/%s", token, fileName)
}

// chunkKeys 列出会话全部分片的存储 key。
func chunkKeys(token string, totalChunks int) []string {
	keys := make([]string, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		keys = append(keys, chunkKey(token, i))
	}
	return keys
}

// sessionScratchDir 返回会话在本地暂存区的目录。
func sessionScratchDir(base, token string) string {
	return filepath.Join(base, token)
}
