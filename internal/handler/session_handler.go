// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"klipz-media-go/internal/model"
	"klipz-media-go/internal/repository"
	"klipz-media-go/internal/service"
	"klipz-media-go/pkg/log"
	"klipz-media-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// SessionHandler 负责处理所有与上传会话相关的 API 请求。
type SessionHandler struct {
	sessionService  service.SessionService
	finalizeService service.FinalizeService
	statusRepo      repository.StatusRepository
}

// NewSessionHandler 创建一个新的 SessionHandler 实例。
func NewSessionHandler(sessionService service.SessionService,
	finalizeService service.FinalizeService, statusRepo repository.StatusRepository) *SessionHandler {
	return &SessionHandler{
		sessionService:  sessionService,
		finalizeService: finalizeService,
		statusRepo:      statusRepo,
	}
}

// CreateSessionRequest 定义了创建上传会话 API 的请求体结构。
type CreateSessionRequest struct {
	FileName  string `json:"fileName" binding:"required"`
	MimeType  string `json:"mimeType" binding:"required"`
	TotalSize int64  `json:"totalSize" binding:"required"`
	// ChunkSize 是客户端的分片大小偏好，最终以服务端确认值为准
	ChunkSize int64 `json:"chunkSize"`
}

// CreateSession 处理创建上传会话的请求。
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	claims := c.MustGet("claims").(*token.CustomClaims)

	session, err := h.sessionService.CreateSession(c.Request.Context(), service.CreateSessionInput{
		FileName:  req.FileName,
		MimeType:  req.MimeType,
		TotalSize: req.TotalSize,
		ChunkSize: req.ChunkSize,
		OwnerID:   claims.UserID,
	})
	if err != nil {
		if errors.Is(err, model.ErrPayloadTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    http.StatusRequestEntityTooLarge,
				"message": "声明的文件大小超出上限",
			})
			return
		}
		log.Error("CreateSession: failed to create session", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "上传会话创建成功",
		"data": gin.H{
			"sessionToken": session.Token,
			"chunkSize":    session.ChunkSize,
			"totalChunks":  session.TotalChunks,
			"expiresAt":    session.ExpiresAt,
		},
	})
}

// UploadChunk 处理分片上传的请求。
func (h *SessionHandler) UploadChunk(c *gin.Context) {
	sessionToken := c.PostForm("sessionToken")
	chunkIndexStr := c.PostForm("chunkIndex")
	checksum := c.PostForm("checksum") // 可选的分片 MD5

	if sessionToken == "" || chunkIndexStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少必要的参数"})
		return
	}
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的分片索引"})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未能获取上传的分片"})
		return
	}
	defer file.Close()

	progress, err := h.sessionService.ReceiveChunk(c.Request.Context(),
		sessionToken, chunkIndex, file, header.Size, checksum)
	if err != nil {
		h.writeSessionError(c, "分片上传失败", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "分片上传成功",
		"data":    progress,
	})
}

// FinalizeRequest 定义了会话收尾 API 的请求体结构。
type FinalizeRequest struct {
	SessionToken string `json:"sessionToken" binding:"required"`
}

// Finalize 处理会话收尾的请求。
func (h *SessionHandler) Finalize(c *gin.Context) {
	var req FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	ref, err := h.finalizeService.Finalize(c.Request.Context(), req.SessionToken)
	if err != nil {
		var incomplete *model.IncompleteError
		if errors.As(err, &incomplete) {
			// 返回有界的缺失分片列表，客户端据此选择性重传
			c.JSON(http.StatusConflict, gin.H{
				"code":          http.StatusConflict,
				"message":       "分片未全部上传，无法收尾",
				"missingChunks": incomplete.Missing,
				"missingCount":  incomplete.MissingCount,
			})
			return
		}
		h.writeSessionError(c, "会话收尾失败", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "会话收尾成功",
		"data":    ref,
	})
}

// GetStatus 处理获取上传进度的请求。
func (h *SessionHandler) GetStatus(c *gin.Context) {
	sessionToken := c.Query("sessionToken")
	if sessionToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 sessionToken 参数"})
		return
	}

	progress, err := h.sessionService.GetProgress(c.Request.Context(), sessionToken)
	if err != nil {
		h.writeSessionError(c, "获取上传进度失败", err)
		return
	}

	processingStatus, err := h.statusRepo.GetStatus(c.Request.Context(), sessionToken)
	if err != nil {
		log.Warnf("GetStatus: 读取处理状态失败, token: %s, err: %v", sessionToken, err)
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取上传进度成功",
		"data": gin.H{
			"received":         progress.Received,
			"totalChunks":      progress.TotalChunks,
			"progress":         progress.Percent,
			"state":            progress.State,
			"processingStatus": processingStatus,
		},
	})
}

// Cancel 处理取消上传会话的请求，立即回收分片与暂存空间。
func (h *SessionHandler) Cancel(c *gin.Context) {
	sessionToken := c.Query("sessionToken")
	if sessionToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 sessionToken 参数"})
		return
	}

	if err := h.sessionService.Cancel(c.Request.Context(), sessionToken); err != nil {
		h.writeSessionError(c, "取消上传会话失败", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "上传会话已取消",
		"data":    gin.H{"success": true},
	})
}

// writeSessionError 把领域错误映射为对应的 HTTP 响应。
func (h *SessionHandler) writeSessionError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		// 会话不存在或已过期：提示客户端重新建立会话
		c.JSON(http.StatusNotFound, gin.H{
			"code":    http.StatusNotFound,
			"message": "上传会话不存在或已过期，请重新创建会话",
		})
	case errors.Is(err, model.ErrSessionNotActive),
		errors.Is(err, model.ErrInvalidStateTransition):
		c.JSON(http.StatusConflict, gin.H{
			"code":    http.StatusConflict,
			"message": msg + ": " + err.Error(),
		})
	case errors.Is(err, model.ErrIndexOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": msg + ": " + err.Error(),
		})
	case errors.Is(err, model.ErrStoreUnavailable):
		log.Error(msg+": 对象存储不可用", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    http.StatusBadGateway,
			"message": "对象存储暂不可用，请稍后重试",
		})
	default:
		log.Error(msg, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": msg,
		})
	}
}
