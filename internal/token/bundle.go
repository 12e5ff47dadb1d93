package token

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 令牌相关错误
var (
	ErrNoToken        = errors.New("no token stored")
	ErrInvalidBundle  = errors.New("invalid token bundle")
	ErrReauthRequired = errors.New("reauthorization required")
)

// Bundle 持久化的令牌组，每个用户一份
type Bundle struct {
	CatAccess             string `json:"cat_access"`
	CatRefresh            string `json:"cat_refresh"`
	CatExpiryEpoch        int64  `json:"cat_expiry_epoch"`
	CatRefreshExpiryEpoch int64  `json:"cat_refresh_expiry_epoch"`

	// Autonomic 令牌首次写入时可能缺失
	AutoAccess             string `json:"auto_access,omitempty"`
	AutoRefresh            string `json:"auto_refresh,omitempty"`
	AutoExpiryEpoch        int64  `json:"auto_expiry_epoch,omitempty"`
	AutoRefreshExpiryEpoch int64  `json:"auto_refresh_expiry_epoch,omitempty"`
}

// Validate 检查必填字段：有 cat_access 就必须有 cat_expiry_epoch
func (b *Bundle) Validate() error {
	if b == nil {
		return ErrInvalidBundle
	}
	if b.CatAccess == "" || b.CatRefresh == "" {
		return fmt.Errorf("%w: missing cat tokens", ErrInvalidBundle)
	}
	if b.CatExpiryEpoch <= 0 {
		return fmt.Errorf("%w: missing cat_expiry_epoch", ErrInvalidBundle)
	}
	return nil
}

// HasAuto 是否已有 Autonomic access token
func (b *Bundle) HasAuto() bool {
	return b.AutoAccess != "" && b.AutoExpiryEpoch > 0
}

// Clone 返回副本
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

// Marshal 序列化为存储格式
func (b *Bundle) Marshal() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// Unmarshal 解析并校验存储内容，任何缺失或无法解析都视为 ErrInvalidBundle
func Unmarshal(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
