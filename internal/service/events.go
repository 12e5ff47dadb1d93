package service

import (
	"time"

	"github.com/langchou/fordgazer/internal/normalize"
)

// 宿主事件类型
const (
	EventSnapshotUpdated = "snapshot_updated"
	EventUnavailable     = "unavailable"
	EventAvailable       = "available"
	EventReauthRequired  = "reauth_required"
)

// Event 会话向宿主发出的事件
type Event struct {
	Type  string               `json:"type"`
	VIN   string               `json:"vin"`
	User  string               `json:"user,omitempty"`
	At    time.Time            `json:"at"`
	Error string               `json:"error,omitempty"`
	Tags  []normalize.TagValue `json:"tags,omitempty"`
}
