package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fordgazer/internal/api/ford"
	"github.com/langchou/fordgazer/internal/normalize"
	"github.com/langchou/fordgazer/internal/token"
)

// 轮询节奏
const (
	InitialWait    = 2 * time.Second
	MaxIterations  = 13
	QueuedWait     = 10 * time.Second
	InProgressWait = 5 * time.Second
	DefaultWait    = 5 * time.Second
	LateWait       = 10 * time.Second
	CommErrorWait  = 60 * time.Second
	// LateAfter 第 5 次之后默认等待加长
	LateAfter = 5
	// Deadline 整个命令的最长执行时间
	Deadline = 150 * time.Second
)

// 命令终态
const (
	stateSuccess       = "success"
	stateExpired       = "expired"
	stateRequestQueued = "request_queued"
	stateInProgress    = "in_progress"
)

// API 执行命令所需的 REST 接口
type API interface {
	SendCommand(ctx context.Context, autoAccess, vin, commandType string, properties map[string]any) (string, error)
	SendURLCommand(ctx context.Context, catAccess, vin, urlCommand string) (string, error)
	Telemetry(ctx context.Context, autoAccess, vin string) (map[string]any, error)
	GuardEnable(ctx context.Context, catAccess, vin string) error
	GuardDisable(ctx context.Context, catAccess, vin string) error
}

// Tokens 令牌来源
type Tokens interface {
	EnsureValid(ctx context.Context) error
	AutoAccess() string
	CatAccess() string
}

// Gate 控制刷新定时器是否允许拉取遥测
type Gate interface {
	SetStatusUpdatesAllowed(allowed bool)
}

// Request 一次命令请求
type Request struct {
	Type       string
	Properties map[string]any
}

// Executor 发出命令并轮询 states.{type}Command 直到终态
type Executor struct {
	logger *zap.Logger
	api    API
	tokens Tokens
	vin    string

	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	onTelemetry func(telemetry map[string]any)
}

// NewExecutor 创建命令执行器
func NewExecutor(logger *zap.Logger, api API, tokens Tokens, vin string) *Executor {
	return &Executor{
		logger: logger.With(zap.String("vin", vin)),
		api:    api,
		tokens: tokens,
		vin:    vin,
		sleep:  Sleep,
		now:    time.Now,
	}
}

// SetSleep 替换等待函数（测试用）
func (e *Executor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}

// SetClock 替换时钟（测试用）
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// OnTelemetry 轮询期间每次成功拉取遥测后回调
func (e *Executor) OnTelemetry(fn func(telemetry map[string]any)) {
	e.onTelemetry = fn
}

// Sleep 可被 ctx 取消的等待
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute 执行命令。期间关闭 gate，返回前一定恢复
func (e *Executor) Execute(ctx context.Context, gate Gate, req Request) Outcome {
	gate.SetStatusUpdatesAllowed(false)
	defer gate.SetStatusUpdatesAllowed(true)

	ctx, cancel := context.WithTimeout(ctx, Deadline)
	defer cancel()

	log := e.logger.With(zap.String("command", req.Type))

	if err := e.tokens.EnsureValid(ctx); err != nil {
		log.Warn("Token validation failed before command", zap.Error(err))
		return outcomeFor(err)
	}

	if IsGuardCommand(req.Type) {
		return e.executeGuard(ctx, log, req.Type)
	}

	issuedAt := e.now()
	commandID, err := e.post(ctx, req)
	if err != nil {
		log.Warn("Command rejected", zap.Error(err))
		return outcomeFor(err)
	}
	log = log.With(zap.String("command_id", commandID))
	log.Info("Command issued")

	if err := e.sleep(ctx, InitialWait); err != nil {
		return Exhausted
	}

	for i := 1; i <= MaxIterations; i++ {
		wait, outcome, done := e.poll(ctx, log, req.Type, commandID, issuedAt, i)
		if done {
			log.Info("Command finished", zap.Stringer("outcome", outcome), zap.Int("attempt", i))
			return outcome
		}
		if i == MaxIterations {
			break
		}
		if err := e.sleep(ctx, wait); err != nil {
			log.Warn("Command deadline reached", zap.Int("attempt", i))
			return Exhausted
		}
	}

	log.Warn("Command polling exhausted")
	return Exhausted
}

// post 发出命令，返回 commandId
func (e *Executor) post(ctx context.Context, req Request) (string, error) {
	if IsURLCommand(req.Type) {
		return e.api.SendURLCommand(ctx, e.tokens.CatAccess(), e.vin, req.Type)
	}
	return e.api.SendCommand(ctx, e.tokens.AutoAccess(), e.vin, req.Type, req.Properties)
}

// poll 一次轮询；返回下一次等待时间，或者终态
func (e *Executor) poll(ctx context.Context, log *zap.Logger, commandType, commandID string, issuedAt time.Time, attempt int) (time.Duration, Outcome, bool) {
	if err := e.tokens.EnsureValid(ctx); err != nil {
		if errors.Is(err, token.ErrReauthRequired) {
			return 0, ReauthRequired, true
		}
		log.Warn("Token refresh failed while polling", zap.Int("attempt", attempt), zap.Error(err))
		return CommErrorWait, 0, false
	}

	telemetry, err := e.api.Telemetry(ctx, e.tokens.AutoAccess(), e.vin)
	if err != nil {
		log.Warn("Telemetry fetch failed while polling", zap.Int("attempt", attempt), zap.Error(err))
		return CommErrorWait, 0, false
	}
	if e.onTelemetry != nil {
		e.onTelemetry(telemetry)
	}

	wait := DefaultWait
	if attempt > LateAfter {
		wait = LateWait
	}

	st := normalize.Of(telemetry).Path("states", commandType+"Command")
	if !matches(st, commandID, issuedAt) {
		log.Debug("Command state not yet visible", zap.Int("attempt", attempt))
		return wait, 0, false
	}

	toState, _ := st.Path("value", "toState").Str()
	toState = strings.ToLower(toState)
	switch {
	case toState == stateSuccess:
		return 0, Success, true
	case toState == stateExpired:
		return 0, Expired, true
	case toState == stateRequestQueued:
		return QueuedWait, 0, false
	case strings.Contains(toState, stateInProgress):
		return InProgressWait, 0, false
	}
	log.Debug("Command in intermediate state", zap.String("to_state", toState), zap.Int("attempt", attempt))
	return wait, 0, false
}

// matches 按 commandId 匹配；URL 命令可能没有 id，此时接受发出之后更新的状态
func matches(st normalize.Value, commandID string, issuedAt time.Time) bool {
	if !st.Exists() {
		return false
	}
	if commandID != "" {
		id, _ := st.Get("commandId").Str()
		return id == commandID
	}
	raw, ok := st.Get("updateTime").Str()
	if !ok {
		return false
	}
	updated, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return !updated.Before(issuedAt.Truncate(time.Second))
}

// executeGuard 哨兵模式开关，服务端同步返回结果
func (e *Executor) executeGuard(ctx context.Context, log *zap.Logger, commandType string) Outcome {
	var err error
	if commandType == GuardEnable {
		err = e.api.GuardEnable(ctx, e.tokens.CatAccess(), e.vin)
	} else {
		err = e.api.GuardDisable(ctx, e.tokens.CatAccess(), e.vin)
	}
	if err != nil {
		log.Warn("Guard mode command failed", zap.Error(err))
		return outcomeFor(err)
	}
	log.Info("Guard mode command accepted")
	return Success
}

// outcomeFor 把错误映射为结果
func outcomeFor(err error) Outcome {
	switch {
	case errors.Is(err, token.ErrReauthRequired):
		return ReauthRequired
	case errors.Is(err, ford.ErrUnauthorized), errors.Is(err, ford.ErrForbidden), errors.Is(err, ford.ErrNotLicensed):
		return Rejected
	case errors.Is(err, ford.ErrUnexpectedStatus):
		return Rejected
	}
	return CommError
}

// Err 把失败结果包装为 error，便于 CLI 输出
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}
	return fmt.Errorf("command %s", o)
}
