// Package model 定义了与数据库表对应的 Go 结构体以及核心领域错误。
package model

import (
	"errors"
	"fmt"
)

// 核心操作统一返回以下哨兵错误，调用方用 errors.Is 判定。
var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionNotActive       = errors.New("session is not active")
	ErrIndexOutOfRange        = errors.New("chunk index out of range")
	ErrPayloadTooLarge        = errors.New("declared size exceeds the configured ceiling")
	ErrIncompleteUpload       = errors.New("upload is incomplete")
	ErrStoreUnavailable       = errors.New("object store unavailable")
	ErrInvalidStateTransition = errors.New("invalid session state transition")
	ErrRangeNotSatisfiable    = errors.New("requested range not satisfiable")
)

// IncompleteError 在拒绝 finalize 时携带缺失分片的有界列表，
// 客户端据此选择性重传而不是从零开始。
type IncompleteError struct {
	// Missing 最多包含 MaxReportedMissing 个缺失的分片序号
	Missing      []int
	MissingCount int
}

// MaxReportedMissing 限制缺失分片列表的上报长度。
const MaxReportedMissing = 50

func (e *IncompleteError) Error() string {
	if e.MissingCount > len(e.Missing) {
		return fmt.Sprintf("upload is incomplete: %d chunks missing, first %d: %v", e.MissingCount, len(e.Missing), e.Missing)
	}
	return fmt.Sprintf("upload is incomplete: missing chunks %v", e.Missing)
}

// Is 使 errors.Is(err, ErrIncompleteUpload) 成立。
func (e *IncompleteError) Is(target error) bool {
	return target == ErrIncompleteUpload
}
