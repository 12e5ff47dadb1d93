package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		// 车辆
		api.GET("/vehicles", h.ListVehicles)
		api.GET("/vehicles/:vin", h.GetVehicle)
		api.GET("/vehicles/:vin/snapshot", h.GetSnapshot)
		api.GET("/vehicles/:vin/tags", h.GetTags)
		api.POST("/vehicles/:vin/refresh", h.RefreshVehicle)
		api.POST("/vehicles/:vin/commands/:command", h.ExecuteCommand)

		// 授权
		api.GET("/auth/status", h.AuthStatus)
		api.POST("/auth/code", h.Authorize)
		api.DELETE("/auth/tokens", h.ClearTokens)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}
