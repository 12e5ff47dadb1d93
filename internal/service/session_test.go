package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/fordgazer/internal/api/ford"
	"github.com/langchou/fordgazer/internal/command"
	"github.com/langchou/fordgazer/internal/normalize"
	"github.com/langchou/fordgazer/internal/token"
	"github.com/langchou/fordgazer/internal/units"
)

const testVIN = "1FTFW1E80MFA00001"

type fakeAPI struct {
	telemetryCalls atomic.Int32
	messagesErr    error
	guardErr       error
}

func (f *fakeAPI) Telemetry(context.Context, string, string) (map[string]any, error) {
	n := f.telemetryCalls.Add(1)
	return map[string]any{
		"metrics": map[string]any{
			"odometer":       map[string]any{"value": float64(1000 + n)},
			"doorLockStatus": []any{map[string]any{"vehicleDoor": "ALL_DOORS", "value": "LOCKED"}},
		},
	}, nil
}

func (f *fakeAPI) Messages(context.Context, string) ([]any, error) {
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	return []any{map[string]any{"messageSubject": "Service due"}}, nil
}

func (f *fakeAPI) Dashboard(context.Context, string) (map[string]any, error) {
	return map[string]any{
		"vehicleProfile":      []any{map[string]any{"VIN": testVIN, "engineType": "BEV", "model": "Mustang Mach-E", "year": "2023"}},
		"vehicleCapabilities": []any{map[string]any{"VIN": testVIN, "remoteStart": "DISPLAY"}},
	}, nil
}

func (f *fakeAPI) GuardStatus(context.Context, string, string) (map[string]any, error) {
	if f.guardErr != nil {
		return nil, f.guardErr
	}
	return map[string]any{"returnCode": 200.0, "session": map[string]any{"gmStatus": "enable"}}, nil
}

func (f *fakeAPI) SendCommand(context.Context, string, string, string, map[string]any) (string, error) {
	return "X", nil
}

func (f *fakeAPI) SendURLCommand(context.Context, string, string, string) (string, error) {
	return "", nil
}

func (f *fakeAPI) GuardEnable(context.Context, string, string) error  { return nil }
func (f *fakeAPI) GuardDisable(context.Context, string, string) error { return nil }

type fakeTokens struct {
	reauth atomic.Bool
	err    error
}

func (f *fakeTokens) EnsureValid(context.Context) error {
	if f.reauth.Load() {
		return token.ErrReauthRequired
	}
	return f.err
}

func (f *fakeTokens) AutoAccess() string   { return "auto" }
func (f *fakeTokens) CatAccess() string    { return "cat" }
func (f *fakeTokens) User() string         { return "driver@example.com" }
func (f *fakeTokens) ReauthRequired() bool { return f.reauth.Load() }

type fakePush struct {
	connected atomic.Bool
	age       atomic.Int64
	running   atomic.Int32
	stopped   chan struct{}
	callbacks ford.PushCallbacks
}

func (p *fakePush) Run(ctx context.Context) error {
	p.running.Add(1)
	p.connected.Store(true)
	<-ctx.Done()
	p.connected.Store(false)
	p.running.Add(-1)
	close(p.stopped)
	return ctx.Err()
}

func (p *fakePush) IsConnected() bool             { return p.connected.Load() }
func (p *fakePush) LastMessageAge() time.Duration { return time.Duration(p.age.Load()) }

type pushRecorder struct {
	mu     sync.Mutex
	pushes []*fakePush
}

func (r *pushRecorder) factory(vin string, callbacks ford.PushCallbacks) PushConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &fakePush{stopped: make(chan struct{}), callbacks: callbacks}
	r.pushes = append(r.pushes, p)
	return p
}

func (r *pushRecorder) all() []*fakePush {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakePush(nil), r.pushes...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fakeProfiles struct {
	saved []normalize.VehicleContext
}

func (f *fakeProfiles) UpsertProfile(_ context.Context, vc normalize.VehicleContext) error {
	f.saved = append(f.saved, vc)
	return nil
}

type testSession struct {
	*Session
	api      *fakeAPI
	tokens   *fakeTokens
	pushes   *pushRecorder
	events   *eventRecorder
	profiles *fakeProfiles
}

func newTestSession(t *testing.T, pushEnabled bool) *testSession {
	t.Helper()
	ts := &testSession{
		api:      &fakeAPI{},
		tokens:   &fakeTokens{},
		pushes:   &pushRecorder{},
		events:   &eventRecorder{},
		profiles: &fakeProfiles{},
	}
	ts.Session = NewSession(zap.NewNop(), SessionDeps{
		VIN:        testVIN,
		API:        ts.api,
		Tokens:     ts.tokens,
		Normalizer: normalize.New(zap.NewNop(), units.ForVehicle(units.Metric, units.PSI)),
		NewPush:    ts.pushes.factory,
		Profiles:   ts.profiles,
		OnEvent:    ts.events.record,
		Config: SessionConfig{
			UpdateInterval:   time.Hour,
			WatchdogInterval: time.Hour,
			PushEnabled:      pushEnabled,
			PushMaxAge:       time.Minute,
		},
	})
	t.Cleanup(ts.stopPush)
	return ts
}

func TestRefresh_BuildsSnapshot(t *testing.T) {
	s := newTestSession(t, false)

	snap, err := s.Refresh(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.True(t, s.Available())
	assert.Equal(t, 1, s.events.count(EventAvailable))
	assert.Equal(t, 1, s.events.count(EventSnapshotUpdated))
	assert.True(t, snap.GuardStatus().Exists())
	assert.Len(t, snap.Messages().Array(), 1)

	vc, ok := s.VehicleContext()
	require.True(t, ok)
	assert.Equal(t, normalize.EngineBEV, vc.EngineType)
	assert.True(t, vc.SupportsRemoteStart)
	assert.True(t, vc.SupportsGuardMode)

	tags, err := s.Tags()
	require.NoError(t, err)
	assert.NotEmpty(t, tags)

	// 第二次刷新不再保存车辆档案
	_, err = s.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, s.profiles.saved, 1)
	assert.Equal(t, 1, s.events.count(EventAvailable))
}

func TestRefresh_GuardNotLicensed(t *testing.T) {
	s := newTestSession(t, false)
	s.api.guardErr = ford.ErrNotLicensed

	snap, err := s.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, snap.GuardStatus().Exists())
}

func TestRefresh_PartialFailureKeepsPreviousSnapshot(t *testing.T) {
	s := newTestSession(t, false)

	first, err := s.Refresh(context.Background(), false)
	require.NoError(t, err)

	s.api.messagesErr = fmt.Errorf("%w: timeout", ford.ErrCommunication)
	snap, err := s.Refresh(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ford.ErrCommunication))
	assert.Same(t, first, snap)
	assert.Same(t, first, s.Snapshot())
	assert.False(t, s.Available())
	assert.Equal(t, 1, s.events.count(EventUnavailable))

	// 连续失败只通知一次
	_, err = s.Refresh(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, 1, s.events.count(EventUnavailable))

	s.api.messagesErr = nil
	_, err = s.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, s.Available())
	assert.Equal(t, 2, s.events.count(EventAvailable))
}

func TestRefresh_CommandInFlightSkipsTelemetry(t *testing.T) {
	s := newTestSession(t, false)
	_, err := s.Refresh(context.Background(), false)
	require.NoError(t, err)
	calls := s.api.telemetryCalls.Load()

	s.SetStatusUpdatesAllowed(false)
	for i := 0; i < 3; i++ {
		snap, err := s.Refresh(context.Background(), true)
		require.NoError(t, err)
		assert.NotNil(t, snap)
	}
	assert.Equal(t, calls, s.api.telemetryCalls.Load())

	s.SetStatusUpdatesAllowed(true)
	_, err = s.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, calls+1, s.api.telemetryCalls.Load())
}

func TestReauthEmittedOnce(t *testing.T) {
	s := newTestSession(t, true)
	_, err := s.Refresh(context.Background(), false)
	require.NoError(t, err)

	s.tokens.reauth.Store(true)

	_, err = s.Refresh(context.Background(), false)
	assert.True(t, errors.Is(err, token.ErrReauthRequired))
	s.Watchdog(context.Background())
	s.Watchdog(context.Background())

	assert.Equal(t, 1, s.events.count(EventReauthRequired))
	assert.Equal(t, 1, s.events.count(EventUnavailable))
	assert.False(t, s.Available())
	assert.Empty(t, s.pushes.all())

	// 重新授权后恢复，下次失效时可以再次通知
	s.tokens.reauth.Store(false)
	_, err = s.Refresh(context.Background(), true)
	require.NoError(t, err)
	s.tokens.reauth.Store(true)
	s.Watchdog(context.Background())
	assert.Equal(t, 2, s.events.count(EventReauthRequired))
}

func TestColdStartWithoutToken(t *testing.T) {
	s := newTestSession(t, false)
	s.tokens.reauth.Store(true)

	_, err := s.Refresh(context.Background(), false)
	assert.True(t, errors.Is(err, token.ErrReauthRequired))
	assert.Equal(t, 1, s.events.count(EventReauthRequired))
	assert.Equal(t, int32(0), s.api.telemetryCalls.Load())
	assert.Nil(t, s.Snapshot())
}

func TestPushSuppressesPolling(t *testing.T) {
	s := newTestSession(t, true)
	_, err := s.Refresh(context.Background(), false)
	require.NoError(t, err)

	s.Watchdog(context.Background())
	pushes := s.pushes.all()
	require.Len(t, pushes, 1)
	require.Eventually(t, pushes[0].IsConnected, time.Second, 5*time.Millisecond)

	calls := s.api.telemetryCalls.Load()
	_, err = s.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, calls, s.api.telemetryCalls.Load())

	// 强制刷新仍然拉取
	_, err = s.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, calls+1, s.api.telemetryCalls.Load())

	// 推送增量合并进快照
	pushes[0].callbacks.OnData(testVIN, map[string]any{
		"metrics": map[string]any{"odometer": map[string]any{"value": 5000.0}},
	})
	odo, _ := s.Snapshot().Get("metrics", "odometer", "value").Float()
	assert.Equal(t, 5000.0, odo)
	assert.True(t, s.Snapshot().Messages().Exists())
}

func TestWatchdogReconnects(t *testing.T) {
	s := newTestSession(t, true)

	s.Watchdog(context.Background())
	first := s.pushes.all()[0]
	require.Eventually(t, first.IsConnected, time.Second, 5*time.Millisecond)

	// 在线且有新消息时不重连
	s.Watchdog(context.Background())
	assert.Len(t, s.pushes.all(), 1)

	// 消息过期：旧任务退出后才启动新任务
	first.age.Store(int64(2 * time.Minute))
	s.Watchdog(context.Background())

	pushes := s.pushes.all()
	require.Len(t, pushes, 2)
	select {
	case <-first.stopped:
	default:
		t.Fatal("previous push task still running")
	}
	assert.Equal(t, int32(0), first.running.Load())
	require.Eventually(t, pushes[1].IsConnected, time.Second, 5*time.Millisecond)
}

func TestWatchdogPushDisabled(t *testing.T) {
	s := newTestSession(t, false)
	s.Watchdog(context.Background())
	assert.Empty(t, s.pushes.all())
}

func TestExecute_CommandInFlight(t *testing.T) {
	s := newTestSession(t, false)

	s.commandMu.Lock()
	_, err := s.Execute(context.Background(), command.Request{Type: command.Lock})
	s.commandMu.Unlock()
	assert.True(t, errors.Is(err, ErrCommandInFlight))
}

func TestExecute_UnsupportedCommand(t *testing.T) {
	s := newTestSession(t, false)
	s.api.guardErr = ford.ErrNotLicensed
	_, err := s.Refresh(context.Background(), false)
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), command.Request{Type: command.GuardEnable})
	assert.True(t, errors.Is(err, ErrUnsupportedCommand))
}

func TestExecute_RestoresStatusUpdates(t *testing.T) {
	s := newTestSession(t, false)
	s.Executor().SetSleep(func(ctx context.Context, d time.Duration) error {
		assert.False(t, s.StatusUpdatesAllowed())
		return nil
	})

	outcome, err := s.Execute(context.Background(), command.Request{Type: command.Lock})
	require.NoError(t, err)
	assert.Equal(t, command.Exhausted, outcome)
	assert.True(t, s.StatusUpdatesAllowed())
}

func TestStartStop(t *testing.T) {
	s := newTestSession(t, true)
	sub := s.Subscribe()

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Snapshot() != nil }, time.Second, 5*time.Millisecond)

	select {
	case ev := <-sub:
		assert.Equal(t, testVIN, ev.VIN)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	s.Stop()
	assert.Nil(t, s.Snapshot())
	for _, p := range s.pushes.all() {
		assert.False(t, p.IsConnected())
	}
	_, open := <-sub
	for open {
		_, open = <-sub
	}

	// 重复 Stop 无副作用
	s.Stop()
}
