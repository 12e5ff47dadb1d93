package models

import "time"

// Vehicle 车辆档案（来自 dashboard）
type Vehicle struct {
	ID                  int64     `json:"id" db:"id"`
	VIN                 string    `json:"vin" db:"vin"`
	Year                string    `json:"year" db:"year"`
	Model               string    `json:"model" db:"model"`
	EngineType          string    `json:"engine_type" db:"engine_type"`
	SupportsRemoteStart bool      `json:"supports_remote_start" db:"supports_remote_start"`
	SupportsGuardMode   bool      `json:"supports_guard_mode" db:"supports_guard_mode"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// TokenRecord 数据库中的令牌组
type TokenRecord struct {
	Username  string    `json:"username" db:"username"`
	Bundle    []byte    `json:"-" db:"bundle"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
