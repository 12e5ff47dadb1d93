package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/fordgazer/internal/api/ford"
	"github.com/langchou/fordgazer/internal/command"
	"github.com/langchou/fordgazer/internal/normalize"
	"github.com/langchou/fordgazer/internal/token"
)

// 会话错误
var (
	ErrCommandInFlight    = errors.New("another command is in flight")
	ErrUnsupportedCommand = errors.New("command not supported by vehicle")
	ErrNoSnapshot         = errors.New("no snapshot yet")
)

// 默认时间参数
const (
	DefaultUpdateInterval   = 290 * time.Second
	DefaultWatchdogInterval = 64 * time.Second
	DefaultPushMaxAge       = 15 * time.Minute
	RefreshTimeout          = 60 * time.Second
)

// VehicleAPI 会话使用的 REST 接口
type VehicleAPI interface {
	command.API
	Messages(ctx context.Context, catAccess string) ([]any, error)
	Dashboard(ctx context.Context, catAccess string) (map[string]any, error)
	GuardStatus(ctx context.Context, catAccess, vin string) (map[string]any, error)
}

// TokenSource 会话使用的令牌管理器
type TokenSource interface {
	command.Tokens
	User() string
	ReauthRequired() bool
}

// PushConn 推送连接
type PushConn interface {
	Run(ctx context.Context) error
	IsConnected() bool
	LastMessageAge() time.Duration
}

// PushFactory 为车辆创建推送连接
type PushFactory func(vin string, callbacks ford.PushCallbacks) PushConn

// ProfileStore 保存车辆档案
type ProfileStore interface {
	UpsertProfile(ctx context.Context, vc normalize.VehicleContext) error
}

// SessionConfig 会话参数
type SessionConfig struct {
	UpdateInterval   time.Duration
	WatchdogInterval time.Duration
	PushEnabled      bool
	PushMaxAge       time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = DefaultUpdateInterval
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.PushMaxAge <= 0 {
		c.PushMaxAge = DefaultPushMaxAge
	}
	return c
}

// SessionDeps 会话依赖
type SessionDeps struct {
	VIN        string
	API        VehicleAPI
	Tokens     TokenSource
	Normalizer *normalize.Normalizer
	NewPush    PushFactory
	Profiles   ProfileStore
	OnEvent    func(Event)
	Config     SessionConfig
}

// Session 单辆车的会话协调器：持有最新快照，运行刷新定时器和推送看门狗
type Session struct {
	logger     *zap.Logger
	vin        string
	cfg        SessionConfig
	api        VehicleAPI
	tokens     TokenSource
	normalizer *normalize.Normalizer
	executor   *command.Executor
	newPush    PushFactory
	profiles   ProfileStore
	onEvent    func(Event)
	now        func() time.Time

	mu                   sync.RWMutex
	snapshot             *normalize.Snapshot
	vehicle              *normalize.VehicleContext
	available            bool
	reauthNotified       bool
	statusUpdatesAllowed bool
	subscribers          []chan Event

	refreshing atomic.Bool
	commandMu  sync.Mutex

	pushMu     sync.Mutex
	push       PushConn
	pushCancel context.CancelFunc
	pushDone   chan struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSession 创建会话，调用 Start 后开始后台任务
func NewSession(logger *zap.Logger, deps SessionDeps) *Session {
	s := &Session{
		logger:               logger.With(zap.String("vin", deps.VIN), zap.String("user", deps.Tokens.User())),
		vin:                  deps.VIN,
		cfg:                  deps.Config.withDefaults(),
		api:                  deps.API,
		tokens:               deps.Tokens,
		normalizer:           deps.Normalizer,
		newPush:              deps.NewPush,
		profiles:             deps.Profiles,
		onEvent:              deps.OnEvent,
		now:                  time.Now,
		statusUpdatesAllowed: true,
	}
	s.executor = command.NewExecutor(logger, deps.API, deps.Tokens, deps.VIN)
	s.executor.OnTelemetry(s.applyTelemetry)
	return s
}

// VIN 车辆 VIN
func (s *Session) VIN() string {
	return s.vin
}

// User 用户标识
func (s *Session) User() string {
	return s.tokens.User()
}

// Executor 命令执行器
func (s *Session) Executor() *command.Executor {
	return s.executor
}

// Start 启动刷新定时器和看门狗
func (s *Session) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.refreshLoop(ctx)
	go s.watchdogLoop(ctx)

	s.logger.Info("Vehicle session started",
		zap.Duration("update_interval", s.cfg.UpdateInterval),
		zap.Duration("watchdog_interval", s.cfg.WatchdogInterval))
}

// Stop 停止全部后台任务，返回前任务一定已退出，快照被清空
func (s *Session) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.runMu.Unlock()

	s.wg.Wait()
	s.stopPush()

	s.mu.Lock()
	s.snapshot = nil
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.mu.Unlock()

	s.logger.Info("Vehicle session stopped")
}

// refreshLoop 启动时立即刷新一次，之后按 UpdateInterval 刷新
func (s *Session) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Session) tick(ctx context.Context) {
	if _, err := s.Refresh(ctx, false); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("Refresh tick failed", zap.Error(err))
	}
}

// Subscribe 订阅会话事件
func (s *Session) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, 10)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// emit 通知订阅者，慢订阅者丢弃消息
func (s *Session) emit(ev Event) {
	ev.VIN = s.vin
	if ev.At.IsZero() {
		ev.At = s.now()
	}

	s.mu.RLock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.RUnlock()

	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// Snapshot 当前快照，尚无数据时为 nil
func (s *Session) Snapshot() *normalize.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Available 最近一次刷新是否成功
func (s *Session) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

// VehicleContext 车辆能力，首次成功刷新后可用
func (s *Session) VehicleContext() (normalize.VehicleContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.vehicle == nil {
		return normalize.VehicleContext{}, false
	}
	return *s.vehicle, true
}

// Tags 当前快照的归一化数据项
func (s *Session) Tags() ([]normalize.TagValue, error) {
	s.mu.RLock()
	snap := s.snapshot
	vc := s.vehicle
	s.mu.RUnlock()

	if snap == nil {
		return nil, ErrNoSnapshot
	}
	if vc == nil {
		derived := normalize.NewVehicleContext(snap, s.vin)
		vc = &derived
	}
	return s.normalizer.Tags(snap, *vc), nil
}

// SetStatusUpdatesAllowed 命令执行期间关闭定时刷新
func (s *Session) SetStatusUpdatesAllowed(allowed bool) {
	s.mu.Lock()
	s.statusUpdatesAllowed = allowed
	s.mu.Unlock()
}

// StatusUpdatesAllowed 定时刷新是否允许拉取遥测
func (s *Session) StatusUpdatesAllowed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusUpdatesAllowed
}

// Refresh 拉取遥测、消息和 dashboard 并重建快照。
// 推送在线且未强制时直接返回内存快照；同一时间只允许一次刷新
func (s *Session) Refresh(ctx context.Context, force bool) (*normalize.Snapshot, error) {
	if !s.refreshing.CompareAndSwap(false, true) {
		s.logger.Debug("Refresh already running, skipped")
		return s.Snapshot(), nil
	}
	defer s.refreshing.Store(false)

	if s.tokens.ReauthRequired() {
		s.handleReauth()
		return s.Snapshot(), token.ErrReauthRequired
	}

	current := s.Snapshot()
	if !s.StatusUpdatesAllowed() {
		s.logger.Debug("Command in flight, returning previous snapshot")
		return current, nil
	}
	if !force && current != nil && s.pushConnected() {
		return current, nil
	}

	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	snap, err := s.fetch(ctx)
	if err != nil {
		if errors.Is(err, token.ErrReauthRequired) || s.tokens.ReauthRequired() {
			s.handleReauth()
		} else {
			s.markUnavailable(err)
		}
		return current, err
	}

	s.mu.Lock()
	s.snapshot = snap
	first := s.vehicle == nil
	if first {
		vc := normalize.NewVehicleContext(snap, s.vin)
		s.vehicle = &vc
	}
	vc := *s.vehicle
	s.mu.Unlock()

	if first {
		s.logger.Info("Vehicle context derived",
			zap.String("engine_type", vc.EngineType),
			zap.Bool("supports_ev", vc.SupportsEV),
			zap.Bool("supports_remote_start", vc.SupportsRemoteStart),
			zap.Bool("supports_guard_mode", vc.SupportsGuardMode))
		if s.profiles != nil {
			if err := s.profiles.UpsertProfile(ctx, vc); err != nil {
				s.logger.Error("Failed to save vehicle profile", zap.Error(err))
			}
		}
	}

	s.markAvailable()
	s.emitSnapshot(snap, vc)
	return snap, nil
}

// fetch 并发拉取三个接口，任一失败则整体失败，不产生部分快照
func (s *Session) fetch(ctx context.Context) (*normalize.Snapshot, error) {
	if err := s.tokens.EnsureValid(ctx); err != nil {
		return nil, err
	}
	auto, cat := s.tokens.AutoAccess(), s.tokens.CatAccess()

	var (
		telemetry map[string]any
		messages  []any
		dashboard map[string]any
		guard     map[string]any
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		telemetry, err = s.api.Telemetry(gctx, auto, s.vin)
		return err
	})
	g.Go(func() error {
		var err error
		messages, err = s.api.Messages(gctx, cat)
		return err
	})
	g.Go(func() error {
		var err error
		dashboard, err = s.api.Dashboard(gctx, cat)
		return err
	})
	g.Go(func() error {
		status, err := s.api.GuardStatus(gctx, cat, s.vin)
		switch {
		case err == nil:
			guard = status
		case errors.Is(err, ford.ErrNotLicensed), errors.Is(err, ford.ErrForbidden), errors.Is(err, ford.ErrUnexpectedStatus):
			// 未开通哨兵模式
		default:
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("refresh %s: %w", s.vin, err)
	}
	return normalize.NewSnapshot(telemetry, messages, dashboard, guard, s.now()), nil
}

// applyTelemetry 把命令轮询或推送得到的数据合并进快照
func (s *Session) applyTelemetry(delta map[string]any) {
	s.mu.Lock()
	base := s.snapshot
	if base == nil {
		base = normalize.FromRoot(nil, s.now())
	}
	snap := base.MergeDelta(delta, s.now())
	s.snapshot = snap
	vc := s.vehicle
	s.mu.Unlock()

	if vc == nil {
		derived := normalize.NewVehicleContext(snap, s.vin)
		vc = &derived
	}
	s.emitSnapshot(snap, *vc)
}

func (s *Session) emitSnapshot(snap *normalize.Snapshot, vc normalize.VehicleContext) {
	s.emit(Event{
		Type: EventSnapshotUpdated,
		User: s.tokens.User(),
		At:   snap.UpdatedAt(),
		Tags: s.normalizer.Tags(snap, vc),
	})
}

// markAvailable 刷新成功：恢复可用，并允许下一次重新授权通知
func (s *Session) markAvailable() {
	s.mu.Lock()
	was := s.available
	s.available = true
	s.reauthNotified = false
	s.mu.Unlock()

	if !was {
		s.logger.Info("Vehicle session available")
		s.emit(Event{Type: EventAvailable, User: s.tokens.User()})
	}
}

// markUnavailable 刷新失败：保留旧快照，只在状态变化时告警
func (s *Session) markUnavailable(err error) {
	s.mu.Lock()
	was := s.available
	s.available = false
	s.mu.Unlock()

	if was {
		s.logger.Warn("Vehicle session unavailable", zap.Error(err))
		ev := Event{Type: EventUnavailable, User: s.tokens.User()}
		if err != nil {
			ev.Error = err.Error()
		}
		s.emit(ev)
	}
}

// handleReauth 标记不可用并通知宿主重新授权，直到重新授权前只通知一次
func (s *Session) handleReauth() {
	s.markUnavailable(token.ErrReauthRequired)

	s.mu.Lock()
	notified := s.reauthNotified
	s.reauthNotified = true
	s.mu.Unlock()

	if notified {
		return
	}
	s.logger.Warn("Reauthorization required, notifying host")
	s.emit(Event{Type: EventReauthRequired, User: s.tokens.User(), Error: token.ErrReauthRequired.Error()})
}

// ResetReauth 重新授权成功后允许再次通知
func (s *Session) ResetReauth() {
	s.mu.Lock()
	s.reauthNotified = false
	s.mu.Unlock()
}

// Execute 执行命令；同一时间只允许一条命令
func (s *Session) Execute(ctx context.Context, req command.Request) (command.Outcome, error) {
	if err := s.checkSupported(req.Type); err != nil {
		return command.Rejected, err
	}
	if !s.commandMu.TryLock() {
		return command.Rejected, ErrCommandInFlight
	}
	defer s.commandMu.Unlock()

	outcome := s.executor.Execute(ctx, s, req)
	if outcome == command.ReauthRequired {
		s.handleReauth()
	}
	return outcome, nil
}

// checkSupported 按车辆能力屏蔽不适用的命令，能力未知时放行
func (s *Session) checkSupported(commandType string) error {
	vc, ok := s.VehicleContext()
	if !ok {
		return nil
	}
	supported := true
	switch commandType {
	case command.RemoteStart, command.CancelRemoteStart:
		supported = vc.SupportsRemoteStart
	case command.GuardEnable, command.GuardDisable:
		supported = vc.SupportsGuardMode
	case command.StartCharge, command.StopCharge:
		supported = vc.SupportsEV
	}
	if !supported {
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, commandType)
	}
	return nil
}
