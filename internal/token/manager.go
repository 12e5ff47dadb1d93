package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fordgazer/internal/api/ford"
	"github.com/langchou/fordgazer/internal/state"
)

const (
	// ExpirySkew 过期前 7 秒即视为过期，不假设本地时钟精确
	ExpirySkew = 7 * time.Second
	// ReauthThreshold 同一端点连续 401 达到该次数后需要重新授权
	ReauthThreshold = 5
)

// 刷新端点名称，与 REST 端点共用同一套 401 计数
const (
	EndpointCATRefresh  = "cat_refresh"
	EndpointAutoRefresh = "auto_refresh"
)

// Authenticator 认证客户端接口
type Authenticator interface {
	ExchangeCode(ctx context.Context, redirectURL, codeVerifier string) (string, error)
	ExchangeCAT(ctx context.Context, idpToken string) (*ford.Token, error)
	RefreshCAT(ctx context.Context, refreshToken string) (*ford.Token, error)
	ExchangeAutonomic(ctx context.Context, catAccess string) (*ford.Token, error)
}

// Manager 管理一个用户的 CAT 与 Autonomic 两组令牌
type Manager struct {
	logger  *zap.Logger
	user    string
	store   Store
	auth    Authenticator
	machine *state.Machine
	now     func() time.Time

	// mu 串行化 EnsureValid / Authorize / Clear
	mu sync.Mutex

	bundleMu sync.RWMutex
	bundle   *Bundle

	countMu      sync.Mutex
	unauthorized map[string]int
}

// NewManager 创建令牌管理器
func NewManager(logger *zap.Logger, user string, store Store, auth Authenticator) *Manager {
	m := &Manager{
		logger:       logger.With(zap.String("user", user)),
		user:         user,
		store:        store,
		auth:         auth,
		now:          time.Now,
		unauthorized: make(map[string]int),
	}
	m.machine = state.NewMachine(user, m.onStateChange)
	return m
}

// SetClock 替换时钟（测试用）
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// User 用户标识
func (m *Manager) User() string {
	return m.user
}

// State 当前令牌会话状态
func (m *Manager) State() string {
	return m.machine.CurrentState()
}

// Status 令牌会话状态及进入时间
func (m *Manager) Status() state.Snapshot {
	return m.machine.GetState()
}

// ReauthRequired 是否需要人工重新授权
func (m *Manager) ReauthRequired() bool {
	return m.machine.Is(state.StateReauthRequired)
}

// CatAccess 当前 CAT access token
func (m *Manager) CatAccess() string {
	m.bundleMu.RLock()
	defer m.bundleMu.RUnlock()
	if m.bundle == nil {
		return ""
	}
	return m.bundle.CatAccess
}

// AutoAccess 当前 Autonomic access token
func (m *Manager) AutoAccess() string {
	m.bundleMu.RLock()
	defer m.bundleMu.RUnlock()
	if m.bundle == nil {
		return ""
	}
	return m.bundle.AutoAccess
}

// Bundle 当前令牌组副本
func (m *Manager) Bundle() *Bundle {
	m.bundleMu.RLock()
	defer m.bundleMu.RUnlock()
	return m.bundle.Clone()
}

func (m *Manager) setBundle(b *Bundle) {
	m.bundleMu.Lock()
	m.bundle = b
	m.bundleMu.Unlock()
}

// EnsureValid 在任何需要认证的调用之前调用，保证令牌有效
// 令牌新鲜时不产生网络请求；并发调用在内部串行执行
func (m *Manager) EnsureValid(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ReauthRequired() {
		return ErrReauthRequired
	}

	b := m.Bundle()
	if b == nil {
		loaded, err := m.store.Load(ctx, m.user)
		if err != nil {
			m.logger.Warn("No usable token bundle, reauthorization required", zap.Error(err))
			m.markReauthRequired("token bundle unavailable")
			return fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		m.setBundle(loaded)
		_ = m.machine.Trigger(state.EventLoad)
		b = loaded.Clone()
	}

	deadline := m.now().Add(ExpirySkew).Unix()

	if b.CatExpiryEpoch <= deadline {
		refreshed, err := m.refreshCAT(ctx, b)
		if err != nil {
			return err
		}
		// CAT 刷新成功后立即刷新 Autonomic
		return m.refreshAuto(ctx, refreshed)
	}

	if !b.HasAuto() || b.AutoExpiryEpoch <= deadline {
		return m.refreshAuto(ctx, b)
	}

	return nil
}

// refreshCAT 刷新 CAT 令牌对，成功后持久化
func (m *Manager) refreshCAT(ctx context.Context, b *Bundle) (*Bundle, error) {
	_ = m.machine.Trigger(state.EventBeginRefresh)

	issued := m.now()
	tok, err := m.auth.RefreshCAT(ctx, b.CatRefresh)
	if err == nil {
		err = validateToken(tok)
	}
	if err != nil {
		return nil, m.refreshFailed(EndpointCATRefresh, err)
	}
	m.resetUnauthorized(EndpointCATRefresh)

	next := b.Clone()
	applyCAT(next, tok, issued)
	if !m.commit(ctx, next) {
		m.logger.Warn("Discarding refreshed CAT token, reauthorization required")
		return nil, fmt.Errorf("%s: %w", EndpointCATRefresh, ErrReauthRequired)
	}
	_ = m.machine.Trigger(state.EventRefreshOK)

	m.logger.Info("CAT token refreshed", zap.Time("expires_at", time.Unix(next.CatExpiryEpoch, 0)))
	return next.Clone(), nil
}

// refreshAuto 用当前 CAT access token 换取新的 Autonomic 令牌
func (m *Manager) refreshAuto(ctx context.Context, b *Bundle) error {
	_ = m.machine.Trigger(state.EventBeginRefresh)

	issued := m.now()
	tok, err := m.auth.ExchangeAutonomic(ctx, b.CatAccess)
	if err == nil {
		err = validateToken(tok)
	}
	if err != nil {
		return m.refreshFailed(EndpointAutoRefresh, err)
	}
	m.resetUnauthorized(EndpointAutoRefresh)

	next := b.Clone()
	applyAuto(next, tok, issued)
	if !m.commit(ctx, next) {
		m.logger.Warn("Discarding refreshed Autonomic token, reauthorization required")
		return fmt.Errorf("%s: %w", EndpointAutoRefresh, ErrReauthRequired)
	}
	_ = m.machine.Trigger(state.EventRefreshOK)

	m.logger.Info("Autonomic token refreshed", zap.Time("expires_at", time.Unix(next.AutoExpiryEpoch, 0)))
	return nil
}

// commit 写入并持久化刷新结果；刷新期间已标记需要重新授权时丢弃
func (m *Manager) commit(ctx context.Context, next *Bundle) bool {
	m.bundleMu.Lock()
	defer m.bundleMu.Unlock()
	if m.ReauthRequired() {
		return false
	}
	m.bundle = next
	m.persist(ctx, next)
	return true
}

// refreshFailed 处理刷新失败：401 计数，其他按通信错误处理（不修改存储）
func (m *Manager) refreshFailed(endpoint string, err error) error {
	if errors.Is(err, ford.ErrUnauthorized) {
		if m.recordUnauthorized(endpoint) {
			return fmt.Errorf("%s: %w", endpoint, ErrReauthRequired)
		}
		_ = m.machine.Trigger(state.EventRefreshFailed)
		return fmt.Errorf("%s: %w", endpoint, err)
	}

	_ = m.machine.Trigger(state.EventRefreshFailed)
	m.logger.Warn("Token refresh failed",
		zap.String("endpoint", endpoint),
		zap.Error(err))
	return fmt.Errorf("%s: %w", endpoint, err)
}

// ObserveStatus 统计 REST 端点的状态码：401 计数，2xx 清零
func (m *Manager) ObserveStatus(endpoint string, statusCode int) {
	switch {
	case statusCode == http.StatusUnauthorized:
		if !m.recordUnauthorized(endpoint) {
			// access token 可能已被服务端吊销，下次 EnsureValid 时强制刷新
			m.invalidate(endpoint)
		}
	case statusCode >= 200 && statusCode < 300:
		m.resetUnauthorized(endpoint)
	}
}

// invalidate 让对应的 access token 立即过期
func (m *Manager) invalidate(endpoint string) {
	m.bundleMu.Lock()
	defer m.bundleMu.Unlock()
	if m.bundle == nil {
		return
	}
	next := m.bundle.Clone()
	switch endpoint {
	case ford.EndpointTelemetry, ford.EndpointCommand:
		next.AutoExpiryEpoch = 0
	default:
		next.CatExpiryEpoch = 1
	}
	m.bundle = next
}

// recordUnauthorized 计数一次 401，达到阈值时标记需要重新授权并返回 true
func (m *Manager) recordUnauthorized(endpoint string) bool {
	m.countMu.Lock()
	m.unauthorized[endpoint]++
	n := m.unauthorized[endpoint]
	m.countMu.Unlock()

	m.logger.Warn("Unauthorized response",
		zap.String("endpoint", endpoint),
		zap.Int("consecutive", n))

	if n < ReauthThreshold {
		return false
	}
	m.markReauthRequired(fmt.Sprintf("%d consecutive 401 on %s", n, endpoint))
	m.dropBundle()
	return true
}

// dropBundle 清空内存与存储中的令牌组，与 commit 互斥
func (m *Manager) dropBundle() {
	m.bundleMu.Lock()
	defer m.bundleMu.Unlock()
	m.bundle = nil
	if err := m.store.Delete(context.Background(), m.user); err != nil {
		m.logger.Error("Failed to delete token bundle", zap.Error(err))
	}
}

func (m *Manager) resetUnauthorized(endpoint string) {
	m.countMu.Lock()
	m.unauthorized[endpoint] = 0
	m.countMu.Unlock()
}

// UnauthorizedCount 某端点当前连续 401 次数
func (m *Manager) UnauthorizedCount(endpoint string) int {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	return m.unauthorized[endpoint]
}

// MarkReauthRequired 标记需要重新授权
func (m *Manager) MarkReauthRequired(reason string) {
	m.markReauthRequired(reason)
}

func (m *Manager) markReauthRequired(reason string) {
	if m.ReauthRequired() {
		return
	}
	_ = m.machine.Trigger(state.EventRequireReauth)
	m.logger.Warn("Reauthorization required", zap.String("reason", reason))
}

// Authorize 首次授权：授权码 -> B2C -> CAT -> Autonomic，成功后清除重新授权标记
func (m *Manager) Authorize(ctx context.Context, redirectURL, codeVerifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idpToken, err := m.auth.ExchangeCode(ctx, redirectURL, codeVerifier)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	issued := m.now()
	cat, err := m.auth.ExchangeCAT(ctx, idpToken)
	if err == nil {
		err = validateToken(cat)
	}
	if err != nil {
		return fmt.Errorf("exchange cat: %w", err)
	}

	b := &Bundle{}
	applyCAT(b, cat, issued)

	auto, err := m.auth.ExchangeAutonomic(ctx, b.CatAccess)
	if err == nil {
		err = validateToken(auto)
	}
	if err != nil {
		// Autonomic 令牌可以缺失，下次 EnsureValid 时再换
		m.logger.Warn("Autonomic exchange failed during authorization", zap.Error(err))
	} else {
		applyAuto(b, auto, m.now())
	}

	if err := m.store.Save(ctx, m.user, b); err != nil {
		return fmt.Errorf("save token bundle: %w", err)
	}
	m.setBundle(b)
	m.clearUnauthorized()

	_ = m.machine.Trigger(state.EventAuthorize)
	m.logger.Info("Authorization completed")
	return nil
}

// Reload 从存储重新加载令牌组并清除重新授权标记
// 同一用户的其他区域账户共用存储中的令牌，授权码只能兑换一次
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.store.Load(ctx, m.user)
	if err != nil {
		return fmt.Errorf("reload token bundle: %w", err)
	}
	m.setBundle(b)
	m.clearUnauthorized()

	_ = m.machine.Trigger(state.EventAuthorize)
	m.logger.Info("Token bundle reloaded")
	return nil
}

func (m *Manager) clearUnauthorized() {
	m.countMu.Lock()
	m.unauthorized = make(map[string]int)
	m.countMu.Unlock()
}

// Clear 删除令牌并标记需要重新授权
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setBundle(nil)
	m.markReauthRequired("tokens cleared")
	if err := m.store.Delete(ctx, m.user); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, b *Bundle) {
	if err := m.store.Save(ctx, m.user, b); err != nil {
		m.logger.Error("Failed to persist token bundle", zap.Error(err))
	}
}

func (m *Manager) onStateChange(user, from, to string) {
	m.logger.Debug("Token session state changed", zap.String("from", from), zap.String("to", to))
}

// validateToken 过期时间必须晚于签发时间
func validateToken(tok *ford.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("%w: empty token response", ford.ErrUnexpectedStatus)
	}
	if tok.ExpiresIn <= 0 {
		return fmt.Errorf("%w: non-positive expires_in %d", ford.ErrUnexpectedStatus, tok.ExpiresIn)
	}
	return nil
}

// applyCAT 把 expires_in 改写为绝对时间后写入令牌组
func applyCAT(b *Bundle, tok *ford.Token, issued time.Time) {
	b.CatAccess = tok.AccessToken
	if tok.RefreshToken != "" {
		b.CatRefresh = tok.RefreshToken
	}
	b.CatExpiryEpoch = issued.Unix() + tok.ExpiresIn
	if tok.RefreshExpiresIn > 0 {
		b.CatRefreshExpiryEpoch = issued.Unix() + tok.RefreshExpiresIn
	}
}

func applyAuto(b *Bundle, tok *ford.Token, issued time.Time) {
	b.AutoAccess = tok.AccessToken
	if tok.RefreshToken != "" {
		b.AutoRefresh = tok.RefreshToken
	}
	b.AutoExpiryEpoch = issued.Unix() + tok.ExpiresIn
	if tok.RefreshExpiresIn > 0 {
		b.AutoRefreshExpiryEpoch = issued.Unix() + tok.RefreshExpiresIn
	}
}
