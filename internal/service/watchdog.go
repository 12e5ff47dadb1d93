package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fordgazer/internal/api/ford"
)

// watchdogLoop 启动时立即检查一次，之后按 WatchdogInterval 检查
func (s *Session) watchdogLoop(ctx context.Context) {
	defer s.wg.Done()

	s.Watchdog(ctx)

	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Watchdog(ctx)
		}
	}
}

// Watchdog 一次看门狗检查：需要重新授权时通知宿主；推送断开或长时间无消息时重连
func (s *Session) Watchdog(ctx context.Context) {
	if s.tokens.ReauthRequired() {
		s.handleReauth()
		s.stopPush()
		return
	}

	if !s.cfg.PushEnabled || s.newPush == nil {
		return
	}

	s.pushMu.Lock()
	push := s.push
	s.pushMu.Unlock()

	switch {
	case push == nil || !push.IsConnected():
		s.logger.Debug("Push not connected, reconnecting")
		s.restartPush(ctx)
	case push.LastMessageAge() > s.cfg.PushMaxAge:
		s.logger.Info("Push channel stale, reconnecting",
			zap.Duration("last_message_age", push.LastMessageAge()))
		s.restartPush(ctx)
	}
}

// pushConnected 推送通道是否在线
func (s *Session) pushConnected() bool {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	return s.push != nil && s.push.IsConnected()
}

// restartPush 取消并等待上一次连接任务退出，再启动新的连接任务
func (s *Session) restartPush(ctx context.Context) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.cancelPushLocked()

	pushCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	push := s.newPush(s.vin, ford.PushCallbacks{
		OnData: func(vin string, delta map[string]any) {
			s.applyTelemetry(delta)
		},
		OnConnect: func(vin string) {
			s.logger.Info("Push channel connected")
		},
		OnDisconnect: func(vin string, err error) {
			s.logger.Info("Push channel disconnected", zap.Error(err))
		},
	})

	s.push = push
	s.pushCancel = cancel
	s.pushDone = done

	go func() {
		defer close(done)
		// 连接前确保 Autonomic 令牌有效
		if err := s.tokens.EnsureValid(pushCtx); err != nil {
			s.logger.Debug("Push connect skipped, tokens not valid", zap.Error(err))
			return
		}
		if err := push.Run(pushCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("Push run ended", zap.Error(err))
		}
	}()
}

// stopPush 取消推送任务并等待其退出
func (s *Session) stopPush() {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	s.cancelPushLocked()
	s.push = nil
}

func (s *Session) cancelPushLocked() {
	if s.pushCancel == nil {
		return
	}
	s.pushCancel()
	<-s.pushDone
	s.pushCancel = nil
	s.pushDone = nil
}
