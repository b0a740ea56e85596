package model

import "time"

// 会话生命周期状态。completed/expired/failed/cancelled 为终止态。
const (
	StateActive     = "active"
	StateFinalizing = "finalizing"
	StateCompleted  = "completed"
	StateExpired    = "expired"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// 会话的持久化形态：streaming 直接以分片集合作为对象本体，
// compacted 在 finalize 时把分片串接为单个对象。
const (
	ModeStreaming = "streaming"
	ModeCompacted = "compacted"
)

// 分片回执状态。
const (
	ChunkUploaded = "uploaded"
	ChunkVerified = "verified"
	ChunkFailed   = "failed"
)

// transitions 列出了状态机允许的全部迁移。
// finalizing → expired 对应 Reaper 回收 finalize 中途崩溃的会话。
var transitions = map[string][]string{
	StateActive:     {StateFinalizing, StateExpired, StateCancelled, StateFailed},
	StateFinalizing: {StateCompleted, StateFailed, StateExpired},
}

// CanTransition 判断 from → to 是否是合法的状态迁移。
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断给定状态是否为终止态。
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateExpired, StateFailed, StateCancelled:
		return true
	}
	return false
}

// UploadSession 定义了 upload_session 表的 ORM 模型。
// 它是一次可断点续传传输的权威记账记录。
type UploadSession struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Token       string `gorm:"type:varchar(36);not null;uniqueIndex" json:"token"`
	FileName    string `gorm:"type:varchar(255);not null" json:"fileName"`
	MimeType    string `gorm:"type:varchar(127);not null" json:"mimeType"`
	TotalSize   int64  `gorm:"not null" json:"totalSize"`
	ChunkSize   int64  `gorm:"not null" json:"chunkSize"`
	TotalChunks int    `gorm:"not null" json:"totalChunks"`
	Mode        string `gorm:"type:varchar(16);not null;default:streaming" json:"mode"`
	State       string `gorm:"type:varchar(16);not null;default:active;index" json:"state"`
	OwnerID     uint   `gorm:"not null;index" json:"ownerId"`
	// ObjectKey 仅在 compacted 模式 finalize 成功后填充
	ObjectKey      string    `gorm:"type:varchar(255)" json:"objectKey,omitempty"`
	LastError      string    `gorm:"type:varchar(512)" json:"-"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
	LastActivityAt time.Time `gorm:"not null" json:"lastActivityAt"`
	ExpiresAt      time.Time `gorm:"not null;index" json:"expiresAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UploadSession) TableName() string {
	return "upload_session"
}

// Chunk 对应于数据库中的 'upload_chunk' 表，每条记录对应
// (session, index) 一个分片的回执。重传同一序号时整行被覆盖而不是追加。
type Chunk struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionToken string `gorm:"type:varchar(36);not null;uniqueIndex:idx_session_chunk" json:"sessionToken"`
	ChunkIndex   int    `gorm:"not null;uniqueIndex:idx_session_chunk" json:"chunkIndex"`
	Length       int64  `gorm:"not null" json:"length"`
	StorageKey   string `gorm:"type:varchar(255);not null" json:"storageKey"`
	Checksum     string `gorm:"type:varchar(64)" json:"checksum,omitempty"`
	State        string `gorm:"type:varchar(16);not null;default:uploaded" json:"state"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Chunk) TableName() string {
	return "upload_chunk"
}

// ChunkOffset 返回第 index 个分片在整个对象中的起始字节偏移。
func (s *UploadSession) ChunkOffset(index int) int64 {
	return int64(index) * s.ChunkSize
}

// ExpectedChunkLength 返回第 index 个分片的期望长度。
// 除最后一个分片可以更短外，其余分片长度必须等于名义分片大小。
func (s *UploadSession) ExpectedChunkLength(index int) int64 {
	if index == s.TotalChunks-1 {
		if rem := s.TotalSize - int64(index)*s.ChunkSize; rem < s.ChunkSize {
			return rem
		}
	}
	return s.ChunkSize
}

// TotalChunksFor 计算 ceil(totalSize / chunkSize)。
func TotalChunksFor(totalSize, chunkSize int64) int {
	if totalSize == 0 || chunkSize == 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}
