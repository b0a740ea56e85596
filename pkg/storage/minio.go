// Package storage 提供了与对象存储服务（如 MinIO）交互的分片存储适配器。
// 对核心逻辑而言，对象存储只是一个不透明的 key/value 字节存储。
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"klipz-media-go/internal/config"
	"klipz-media-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store 封装了一个绑定到固定 bucket 的 MinIO 客户端。
type Store struct {
	cl     *minio.Client
	bucket string
}

// New 初始化 MinIO 客户端并确保指定的存储桶存在。
func New(cfg config.MinIOConfig) (*Store, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	ctx := context.Background()
	exists, err := cl.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := cl.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}

	log.Info("MinIO 客户端初始化成功")
	return &Store{cl: cl, bucket: cfg.BucketName}, nil
}

// Put 将 r 中的全部字节写入 key 对应的对象。
// size 为 -1 时由客户端流式推断长度。
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.cl.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{})
	return err
}

// FPut 将本地文件上传为 key 对应的对象，用于合并后的大对象发布。
func (s *Store) FPut(ctx context.Context, key, filePath, contentType string) error {
	_, err := s.cl.FPutObject(ctx, s.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// Get 返回 key 对应对象的完整读取流，由调用方负责 Close。
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// GetRange 返回对象 [start, end]（闭区间）字节的读取流。
// 利用存储端的 Range 读取，避免为切片而拉取整个分片对象。
func (s *Store) GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, err
	}
	obj, err := s.cl.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Stat 返回对象的字节长度。
func (s *Store) Stat(ctx context.Context, key string) (int64, error) {
	info, err := s.cl.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Remove 删除单个对象。
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.cl.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// RemoveKeys 批量删除对象，返回第一个删除错误（不中断其余删除）。
func (s *Store) RemoveKeys(ctx context.Context, keys []string) error {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for _, key := range keys {
			objectsCh <- minio.ObjectInfo{Key: key}
		}
	}()

	var firstErr error
	for rErr := range s.cl.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if rErr.Err != nil && firstErr == nil {
			firstErr = fmt.Errorf("删除对象 %s 失败: %w", rErr.ObjectName, rErr.Err)
		}
	}
	return firstErr
}

// PresignedGetURL 为对象生成一个带时效的下载链接。
// filename 非空时通过 response-content-disposition 指定下载文件名。
func (s *Store) PresignedGetURL(ctx context.Context, key string, expiry time.Duration, filename string) (string, error) {
	reqParams := make(url.Values)
	if filename != "" {
		reqParams.Set("response-content-disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	}
	presignedURL, err := s.cl.PresignedGetObject(ctx, s.bucket, key, expiry, reqParams)
	if err != nil {
		return "", err
	}
	return presignedURL.String(), nil
}
