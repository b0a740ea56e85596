// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// ObjectReadyTask 描述一个已完成上传、可供下游管道（转码/截图等）消费的对象。
type ObjectReadyTask struct {
	SessionToken string `json:"session_token"`
	ObjectKey    string `json:"object_key"`
	ObjectURL    string `json:"object_url"`
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	TotalSize    int64  `json:"total_size"`
	OwnerID      uint   `json:"owner_id"`
	// Mode 为 streaming 或 compacted，下游据此决定读取方式
	Mode string `json:"mode"`
}
