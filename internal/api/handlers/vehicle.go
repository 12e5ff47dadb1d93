package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/langchou/fordgazer/internal/command"
	"github.com/langchou/fordgazer/internal/normalize"
	"github.com/langchou/fordgazer/internal/service"
	"github.com/langchou/fordgazer/internal/token"
)

// VehicleView 车辆会话概要
type VehicleView struct {
	VIN                  string                    `json:"vin"`
	User                 string                    `json:"user"`
	Available            bool                      `json:"available"`
	StatusUpdatesAllowed bool                      `json:"status_updates_allowed"`
	LastUpdate           *time.Time                `json:"last_update,omitempty"`
	Context              *normalize.VehicleContext `json:"context,omitempty"`
}

func viewOf(s *service.Session) VehicleView {
	v := VehicleView{
		VIN:                  s.VIN(),
		User:                 s.User(),
		Available:            s.Available(),
		StatusUpdatesAllowed: s.StatusUpdatesAllowed(),
	}
	if snap := s.Snapshot(); snap != nil {
		at := snap.UpdatedAt()
		v.LastUpdate = &at
	}
	if vc, ok := s.VehicleContext(); ok {
		v.Context = &vc
	}
	return v
}

// Vehicles 所有车辆概要，供 WebSocket 初始化使用
func (h *Handler) Vehicles() []VehicleView {
	return lo.Map(h.registry.List(), func(s *service.Session, _ int) VehicleView {
		return viewOf(s)
	})
}

func (h *Handler) session(c *gin.Context) (*service.Session, bool) {
	vin := strings.ToUpper(c.Param("vin"))
	sess, ok := h.registry.Get(vin)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle not found"})
		return nil, false
	}
	return sess, true
}

// ListVehicles 获取车辆列表
func (h *Handler) ListVehicles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.Vehicles()})
}

// GetVehicle 获取车辆概要
func (h *Handler) GetVehicle(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": viewOf(sess)})
}

// GetSnapshot 获取原始快照
func (h *Handler) GetSnapshot(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	snap := sess.Snapshot()
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No snapshot yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snap})
}

// GetTags 获取归一化数据项
func (h *Handler) GetTags(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	tags, err := sess.Tags()
	if err != nil {
		if errors.Is(err, service.ErrNoSnapshot) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No snapshot yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tags})
}

// RefreshVehicle 强制刷新
// POST /api/vehicles/:vin/refresh
func (h *Handler) RefreshVehicle(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	snap, err := sess.Refresh(c.Request.Context(), true)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, token.ErrReauthRequired) {
			status = http.StatusUnauthorized
		}
		h.logger.Warn("Forced refresh failed", zap.String("vin", sess.VIN()), zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snap})
}

type commandBody struct {
	Properties map[string]any `json:"properties"`
}

// ExecuteCommand 执行远程命令，阻塞直到得到结果
// POST /api/vehicles/:vin/commands/:command
func (h *Handler) ExecuteCommand(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	commandType, err := command.Parse(c.Param("command"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var body commandBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	outcome, err := sess.Execute(c.Request.Context(), command.Request{Type: commandType, Properties: body.Properties})
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, service.ErrCommandInFlight) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("Command finished via API",
		zap.String("vin", sess.VIN()),
		zap.String("command", commandType),
		zap.Stringer("result", outcome))
	c.JSON(statusForOutcome(outcome), gin.H{
		"result":    outcome,
		"exit_code": outcome.ExitCode(),
	})
}

func statusForOutcome(o command.Outcome) int {
	switch o {
	case command.Success:
		return http.StatusOK
	case command.ReauthRequired:
		return http.StatusUnauthorized
	case command.CommError:
		return http.StatusBadGateway
	case command.Expired, command.Exhausted:
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}
