package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/fordgazer/internal/service"
	"github.com/langchou/fordgazer/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger      *zap.Logger
	registry    *service.Registry
	wsHub       *ws.Hub
	defaultUser string
	upgrader    websocket.Upgrader
}

// NewHandler 创建处理器；defaultUser 用于请求未指定用户的授权接口
func NewHandler(logger *zap.Logger, registry *service.Registry, wsHub *ws.Hub, defaultUser string) *Handler {
	return &Handler{
		logger:      logger,
		registry:    registry,
		wsHub:       wsHub,
		defaultUser: defaultUser,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	if !client.Register() {
		conn.Close()
		return
	}

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"vehicles":   len(h.registry.List()),
		"ws_clients": h.wsHub.ClientCount(),
	})
}
