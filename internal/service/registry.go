package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/langchou/fordgazer/internal/api/ford"
	"github.com/langchou/fordgazer/internal/normalize"
	"github.com/langchou/fordgazer/internal/token"
	"github.com/langchou/fordgazer/internal/units"
)

// 注册表错误
var (
	ErrMissingVIN     = errors.New("vin is required")
	ErrMissingUser    = errors.New("user is required")
	ErrUnknownVehicle = errors.New("unknown vehicle")
	ErrUnknownUser    = errors.New("unknown user")
)

// Options 注册表参数
type Options struct {
	Hosts    ford.Hosts
	Store    token.Store
	Profiles ProfileStore
	Display  units.Display
	Session  SessionConfig
	OnEvent  func(Event)
}

// Account 一个 (用户, 区域) 共享的 HTTP 连接池、客户端和令牌管理器
type Account struct {
	User   string
	Region ford.Region

	HTTPClient *http.Client
	Auth       *ford.AuthClient
	REST       *ford.Client
	Tokens     *token.Manager
}

type accountKey struct {
	user   string
	region string
}

// Registry 进程内的车辆会话表，VIN -> Session
type Registry struct {
	logger *zap.Logger
	opts   Options

	mu       sync.RWMutex
	accounts map[accountKey]*Account
	sessions map[string]*Session
	owners   map[string]accountKey
}

// NewRegistry 创建注册表
func NewRegistry(logger *zap.Logger, opts Options) *Registry {
	if opts.Display == (units.Display{}) {
		opts.Display = units.ForVehicle(units.Metric, "")
	}
	return &Registry{
		logger:   logger,
		opts:     opts,
		accounts: make(map[accountKey]*Account),
		sessions: make(map[string]*Session),
		owners:   make(map[string]accountKey),
	}
}

// Account 获取或创建账户，区域键可以是旧版名称
func (r *Registry) Account(user, regionKey string) (*Account, error) {
	if strings.TrimSpace(user) == "" {
		return nil, ErrMissingUser
	}
	region, err := ford.LookupRegion(regionKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accountLocked(user, region), nil
}

func (r *Registry) accountLocked(user string, region ford.Region) *Account {
	key := accountKey{user: user, region: region.Code}
	if acc, ok := r.accounts[key]; ok {
		return acc
	}

	logger := r.logger.With(zap.String("user", user), zap.String("region", region.Code))
	hc := ford.NewHTTPClient()
	acc := &Account{
		User:       user,
		Region:     region,
		HTTPClient: hc,
		Auth:       ford.NewAuthClient(logger, hc, region, r.opts.Hosts),
		REST:       ford.NewClient(logger, hc, region, r.opts.Hosts),
	}
	acc.Tokens = token.NewManager(logger, user, r.opts.Store, acc.Auth)
	acc.REST.SetObserver(acc.Tokens)

	r.accounts[key] = acc
	return acc
}

// Add 为车辆创建并启动会话；VIN 已存在时返回已有会话
func (r *Registry) Add(ctx context.Context, user, regionKey, vin string) (*Session, error) {
	vin = strings.ToUpper(strings.TrimSpace(vin))
	if vin == "" {
		return nil, ErrMissingVIN
	}
	if strings.TrimSpace(user) == "" {
		return nil, ErrMissingUser
	}
	region, err := ford.LookupRegion(regionKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.sessions[vin]; ok {
		r.mu.Unlock()
		return existing, nil
	}

	acc := r.accountLocked(user, region)
	sess := r.newSession(acc, vin)
	r.sessions[vin] = sess
	r.owners[vin] = accountKey{user: user, region: region.Code}
	r.mu.Unlock()

	sess.Start(ctx)
	r.logger.Info("Vehicle added",
		zap.String("vin", vin),
		zap.String("user", user),
		zap.String("region", region.Code))
	return sess, nil
}

// Open 创建不登记、不启动后台任务的会话，用于一次性命令
func (r *Registry) Open(user, regionKey, vin string) (*Session, error) {
	vin = strings.ToUpper(strings.TrimSpace(vin))
	if vin == "" {
		return nil, ErrMissingVIN
	}
	acc, err := r.Account(user, regionKey)
	if err != nil {
		return nil, err
	}
	return r.newSession(acc, vin), nil
}

func (r *Registry) newSession(acc *Account, vin string) *Session {
	return NewSession(r.logger, SessionDeps{
		VIN:        vin,
		API:        acc.REST,
		Tokens:     acc.Tokens,
		Normalizer: normalize.New(r.logger.With(zap.String("vin", vin)), r.opts.Display),
		NewPush:    r.pushFactory(acc),
		Profiles:   r.opts.Profiles,
		OnEvent:    r.opts.OnEvent,
		Config:     r.opts.Session,
	})
}

func (r *Registry) pushFactory(acc *Account) PushFactory {
	return func(vin string, callbacks ford.PushCallbacks) PushConn {
		client := ford.NewPushClient(r.logger.With(zap.String("vin", vin)), r.opts.Hosts, acc.Region, vin, acc.Tokens.AutoAccess)
		client.SetCallbacks(callbacks)
		return client
	}
}

// Accounts 所有账户，按用户和区域排序
func (r *Registry) Accounts() []*Account {
	r.mu.RLock()
	out := make([]*Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, acc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].Region.Code < out[j].Region.Code
	})
	return out
}

// Get 按 VIN 查找会话
func (r *Registry) Get(vin string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[strings.ToUpper(vin)]
	return sess, ok
}

// List 全部会话，按 VIN 排序
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VIN() < out[j].VIN() })
	return out
}

// Remove 停止并移除会话；账户没有车辆后一并释放
func (r *Registry) Remove(vin string) error {
	vin = strings.ToUpper(vin)

	r.mu.Lock()
	sess, ok := r.sessions[vin]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownVehicle, vin)
	}
	key := r.owners[vin]
	delete(r.sessions, vin)
	delete(r.owners, vin)

	inUse := false
	for _, owner := range r.owners {
		if owner == key {
			inUse = true
			break
		}
	}
	var acc *Account
	if !inUse {
		acc = r.accounts[key]
		delete(r.accounts, key)
	}
	r.mu.Unlock()

	sess.Stop()
	if acc != nil {
		acc.HTTPClient.CloseIdleConnections()
	}
	r.logger.Info("Vehicle removed", zap.String("vin", vin))
	return nil
}

// Close 停止全部会话并释放账户
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	accounts := r.accounts
	r.sessions = make(map[string]*Session)
	r.owners = make(map[string]accountKey)
	r.accounts = make(map[accountKey]*Account)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(sess)
	}
	wg.Wait()

	for _, acc := range accounts {
		acc.HTTPClient.CloseIdleConnections()
	}
	r.logger.Info("Vehicle registry closed", zap.Int("sessions", len(sessions)))
}

// accountsFor 用户的全部账户以及对应会话
func (r *Registry) accountsFor(user string) map[*Account][]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[*Account][]*Session)
	for key, acc := range r.accounts {
		if key.user == user {
			out[acc] = nil
		}
	}
	for vin, key := range r.owners {
		if key.user != user {
			continue
		}
		acc := r.accounts[key]
		out[acc] = append(out[acc], r.sessions[vin])
	}
	return out
}

// Authorize 用重定向 URL 和 code_verifier 完成授权，随后强制刷新该用户的车辆
// 授权码只兑换一次，用户的其他区域账户从存储加载同一组令牌
func (r *Registry) Authorize(ctx context.Context, user, redirectURL, codeVerifier string) error {
	accounts := r.accountsFor(user)
	if len(accounts) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUser, user)
	}

	ordered := make([]*Account, 0, len(accounts))
	for acc := range accounts {
		ordered = append(ordered, acc)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Region.Code < ordered[j].Region.Code })

	first := ordered[0]
	if err := first.Tokens.Authorize(ctx, redirectURL, codeVerifier); err != nil {
		return fmt.Errorf("authorize %s/%s: %w", user, first.Region.Code, err)
	}
	for _, acc := range ordered[1:] {
		if err := acc.Tokens.Reload(ctx); err != nil {
			return fmt.Errorf("authorize %s/%s: %w", user, acc.Region.Code, err)
		}
	}

	for _, acc := range ordered {
		for _, sess := range accounts[acc] {
			sess.ResetReauth()
			if _, err := sess.Refresh(ctx, true); err != nil {
				r.logger.Warn("Refresh after authorization failed",
					zap.String("vin", sess.VIN()),
					zap.Error(err))
			}
		}
	}
	return nil
}

// ClearTokens 删除用户令牌，会话随后进入需要重新授权状态
func (r *Registry) ClearTokens(ctx context.Context, user string) error {
	accounts := r.accountsFor(user)
	if len(accounts) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUser, user)
	}
	for acc := range accounts {
		if err := acc.Tokens.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}
