package handler

import (
	"errors"
	"net/http"
	"time"

	"klipz-media-go/internal/model"
	"klipz-media-go/internal/service"
	"klipz-media-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// progressPushInterval 是 WebSocket 进度推送的轮询间隔。
const progressPushInterval = time.Second

// ProgressHandler 通过 WebSocket 向客户端持续推送上传进度，
// 会话进入终止态或连接断开时结束。
type ProgressHandler struct {
	sessionService service.SessionService
}

// NewProgressHandler 创建一个新的 ProgressHandler 实例。
func NewProgressHandler(sessionService service.SessionService) *ProgressHandler {
	return &ProgressHandler{sessionService: sessionService}
}

// Handle 升级连接并开始推送进度。
func (h *ProgressHandler) Handle(c *gin.Context) {
	sessionToken := c.Query("sessionToken")
	if sessionToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 sessionToken 参数"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("进度推送连接已建立。token: %s", sessionToken)

	ticker := time.NewTicker(progressPushInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			progress, err := h.sessionService.GetProgress(ctx, sessionToken)
			if err != nil {
				if errors.Is(err, model.ErrSessionNotFound) {
					_ = conn.WriteJSON(gin.H{"error": "上传会话不存在或已过期"})
					return
				}
				log.Warnf("进度推送：查询进度失败, token: %s, err: %v", sessionToken, err)
				continue
			}
			if err := conn.WriteJSON(progress); err != nil {
				log.Warnf("进度推送：写入失败, token: %s, err: %v", sessionToken, err)
				return
			}
			if model.IsTerminal(progress.State) {
				return
			}
		}
	}
}
