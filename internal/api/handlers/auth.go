package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/langchou/fordgazer/internal/api/ford"
	"github.com/langchou/fordgazer/internal/service"
)

// AccountStatus 账户令牌状态
type AccountStatus struct {
	User           string    `json:"user"`
	Region         string    `json:"region"`
	State          string    `json:"state"`
	Since          time.Time `json:"since"`
	ReauthRequired bool      `json:"reauth_required"`
}

// AuthStatus 列出各账户的令牌会话状态
// GET /api/auth/status
func (h *Handler) AuthStatus(c *gin.Context) {
	data := lo.Map(h.registry.Accounts(), func(acc *service.Account, _ int) AccountStatus {
		st := acc.Tokens.Status()
		return AccountStatus{
			User:           acc.User,
			Region:         acc.Region.Code,
			State:          st.State,
			Since:          st.Since,
			ReauthRequired: acc.Tokens.ReauthRequired(),
		}
	})
	c.JSON(http.StatusOK, gin.H{"data": data})
}

type authorizeBody struct {
	User         string `json:"user"`
	RedirectURL  string `json:"redirect_url" binding:"required"`
	CodeVerifier string `json:"code_verifier" binding:"required"`
}

func (h *Handler) userOr(user string) string {
	if user == "" {
		return h.defaultUser
	}
	return user
}

// Authorize 提交登录后的重定向 URL 完成授权
// POST /api/auth/code
func (h *Handler) Authorize(c *gin.Context) {
	var body authorizeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user := h.userOr(body.User)

	if err := h.registry.Authorize(c.Request.Context(), user, body.RedirectURL, body.CodeVerifier); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, service.ErrUnknownUser):
			status = http.StatusNotFound
		case errors.Is(err, ford.ErrInvalidRedirect):
			status = http.StatusBadRequest
		}
		h.logger.Warn("Authorization failed", zap.String("user", user), zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("Authorization completed via API", zap.String("user", user))
	c.JSON(http.StatusOK, gin.H{"message": "Authorized", "user": user})
}

// ClearTokens 删除用户令牌
// DELETE /api/auth/tokens?user=
func (h *Handler) ClearTokens(c *gin.Context) {
	user := h.userOr(c.Query("user"))
	if err := h.registry.ClearTokens(c.Request.Context(), user); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrUnknownUser) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Tokens cleared", "user": user})
}
