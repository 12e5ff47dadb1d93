package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 令牌会话状态常量
const (
	StateFresh          = "fresh"
	StateValid          = "valid"
	StateRefreshing     = "refreshing"
	StateValidStale     = "valid_stale"
	StateReauthRequired = "reauth_required"
)

// 事件常量
const (
	EventLoad          = "load"
	EventBeginRefresh  = "begin_refresh"
	EventRefreshOK     = "refresh_ok"
	EventRefreshFailed = "refresh_failed"
	EventRequireReauth = "require_reauth"
	EventAuthorize     = "authorize"
)

var allStates = []string{StateFresh, StateValid, StateRefreshing, StateValidStale, StateReauthRequired}

// Snapshot 状态快照
type Snapshot struct {
	User  string    `json:"user"`
	State string    `json:"state"`
	Since time.Time `json:"since"`
}

// Machine 令牌会话状态机
type Machine struct {
	mu            sync.RWMutex
	user          string
	fsm           *fsm.FSM
	since         time.Time
	onStateChange func(user, from, to string)
}

// NewMachine 创建状态机，初始状态为 fresh
func NewMachine(user string, onStateChange func(user, from, to string)) *Machine {
	m := &Machine{
		user:          user,
		since:         time.Now(),
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		StateFresh,
		fsm.Events{
			{Name: EventLoad, Src: []string{StateFresh}, Dst: StateValid},
			{Name: EventBeginRefresh, Src: []string{StateFresh, StateValid, StateValidStale}, Dst: StateRefreshing},
			{Name: EventRefreshOK, Src: []string{StateRefreshing}, Dst: StateValid},
			{Name: EventRefreshFailed, Src: []string{StateRefreshing}, Dst: StateValidStale},
			{Name: EventRequireReauth, Src: allStates, Dst: StateReauthRequired},
			{Name: EventAuthorize, Src: allStates, Dst: StateValid},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.user, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Is 判断是否处于指定状态
func (m *Machine) Is(state string) bool {
	return m.CurrentState() == state
}

// GetState 获取状态快照
func (m *Machine) GetState() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{User: m.user, State: m.fsm.Current(), Since: m.since}
}

// Trigger 触发事件，源状态与目标状态相同时视为成功
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.fsm.Current()
	if err := m.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	if m.fsm.Current() != before {
		m.since = time.Now()
	}
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}
