package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"klipz-media-go/internal/model"
	"klipz-media-go/internal/service"
	"klipz-media-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ObjectHandler 负责已完成对象的检索：HEAD 元数据、GET 全量/范围流式
// 读取，以及带时效下载链接的生成。
type ObjectHandler struct {
	streamService service.StreamService
}

// NewObjectHandler 创建一个新的 ObjectHandler 实例。
func NewObjectHandler(streamService service.StreamService) *ObjectHandler {
	return &ObjectHandler{streamService: streamService}
}

// Head 返回对象的大小、MIME 与范围寻址能力，不触碰分片数据。
func (h *ObjectHandler) Head(c *gin.Context) {
	session, err := h.streamService.GetObject(c.Param("token"))
	if err != nil {
		h.writeObjectError(c, err)
		return
	}

	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", session.MimeType)
	c.Header("Content-Length", strconv.FormatInt(session.TotalSize, 10))
	c.Status(http.StatusOK)
}

// Get 流式返回对象字节。
// 带 Range 头时只拉取与区间相交的分片并返回 206；旧的 compacted
// 会话已有单对象，直接重定向到其直连链接而不是逐分片回放。
func (h *ObjectHandler) Get(c *gin.Context) {
	session, err := h.streamService.GetObject(c.Param("token"))
	if err != nil {
		h.writeObjectError(c, err)
		return
	}

	// compacted 短路：重定向到合并对象的带时效链接
	if session.ObjectKey != "" {
		url, err := h.streamService.PresignedURL(c.Request.Context(), session)
		if err == nil && url != "" {
			c.Redirect(http.StatusFound, url)
			return
		}
		// 签名失败时退回逐分片流式（分片可能已被清理，此时报 502）
		log.Warnf("Get: 合并对象签名失败，回退流式。token: %s", session.Token)
	}

	plan, err := h.streamService.PlanRange(session, c.GetHeader("Range"))
	if err != nil {
		if errors.Is(err, model.ErrRangeNotSatisfiable) {
			c.Header("Content-Range", fmt.Sprintf("bytes */%d", session.TotalSize))
			c.Status(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		h.writeObjectError(c, err)
		return
	}

	disposition := "inline"
	if c.Query("download") == "1" {
		disposition = "attachment"
	}
	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", session.MimeType)
	c.Header("Content-Disposition", fmt.Sprintf("%s; filename=\"%s\"", disposition, session.FileName))
	c.Header("Content-Length", strconv.FormatInt(plan.Length(), 10))

	if plan.Partial {
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", plan.Start, plan.End, session.TotalSize))
		c.Status(http.StatusPartialContent)
	} else {
		c.Status(http.StatusOK)
	}

	// 响应头已发出，此后的拉取失败只能截断：已写出的字节无法收回，
	// 记日志后由客户端用新请求重试
	if err := h.streamService.Stream(c.Request.Context(), c.Writer, session, plan); err != nil {
		log.Warnf("Get: 流式读取中断, token: %s, range: %d-%d, err: %v",
			session.Token, plan.Start, plan.End, err)
	}
}

// GetURL 处理生成文件下载链接的请求。
// compacted 对象返回存储端的带时效直连链接；streaming 对象没有单一
// 存储对象可签名，返回本服务的流式端点。
func (h *ObjectHandler) GetURL(c *gin.Context) {
	session, err := h.streamService.GetObject(c.Param("token"))
	if err != nil {
		h.writeObjectError(c, err)
		return
	}

	url := ""
	if session.ObjectKey != "" {
		url, err = h.streamService.PresignedURL(c.Request.Context(), session)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "生成下载链接失败"})
			return
		}
	}
	if url == "" {
		url = "/objects/" + session.Token + "?download=1"
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文件下载链接生成成功",
		"data": gin.H{
			"url":      url,
			"fileName": session.FileName,
		},
	})
}

func (h *ObjectHandler) writeObjectError(c *gin.Context, err error) {
	if errors.Is(err, model.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    http.StatusNotFound,
			"message": "对象不存在",
		})
		return
	}
	log.Error("object handler: failed", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "服务器内部错误"})
}
