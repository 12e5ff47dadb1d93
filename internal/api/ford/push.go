package ford

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PushCallbacks 推送通道回调函数
type PushCallbacks struct {
	OnData       func(vin string, delta map[string]any) // 收到遥测增量
	OnConnect    func(vin string)                       // 连接成功
	OnDisconnect func(vin string, err error)            // 断开连接
}

// pushEnvelope Autonomic websocket 消息外层
type pushEnvelope struct {
	Type       string         `json:"_type,omitempty"`
	HTTPStatus int            `json:"_httpStatus,omitempty"`
	Data       map[string]any `json:"_data,omitempty"`
	Error      string         `json:"_error,omitempty"`
}

// PushClient Autonomic 遥测推送 WebSocket 客户端
type PushClient struct {
	logger    *zap.Logger
	vin       string
	host      string
	region    Region
	token     func() string
	callbacks PushCallbacks
	now       func() time.Time

	mu          sync.RWMutex
	connected   bool
	lastMessage time.Time
	writeMu     sync.Mutex
}

// NewPushClient 创建推送客户端，token 在每次连接时取当前 Autonomic access token
func NewPushClient(logger *zap.Logger, hosts Hosts, region Region, vin string, token func() string) *PushClient {
	return &PushClient{
		logger: logger,
		vin:    vin,
		host:   hosts.Push,
		region: region,
		token:  token,
		now:    time.Now,
	}
}

// SetCallbacks 设置回调函数
func (c *PushClient) SetCallbacks(callbacks PushCallbacks) {
	c.callbacks = callbacks
}

// URL 推送通道地址
func (c *PushClient) URL() string {
	return fmt.Sprintf("%s/telemetry/sources/fordpass/vehicles/%s/ws", c.host, c.vin)
}

// IsConnected 检查连接状态
func (c *PushClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LastMessageAge 距最后一条消息（或连接建立）的时长，从未连接时返回 0
func (c *PushClient) LastMessageAge() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastMessage.IsZero() {
		return 0
	}
	return c.now().Sub(c.lastMessage)
}

// Run 建立连接并阻塞读取，直到 ctx 取消或连接出错
// 返回前连接一定已关闭，调用方可以安全地启动下一次 Run
func (c *PushClient) Run(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token())
	header.Set("Application-Id", c.region.AppID)
	header.Set("User-Agent", fordUserAgent)

	conn, _, err := dialer.DialContext(ctx, c.URL(), header)
	if err != nil {
		return fmt.Errorf("dial push: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.lastMessage = c.now()
	c.mu.Unlock()

	c.logger.Info("Push channel connected", zap.String("vin", c.vin))
	if c.callbacks.OnConnect != nil {
		c.callbacks.OnConnect(c.vin)
	}

	// ctx 取消时关闭连接，让 ReadMessage 返回
	stop := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
		case <-stop:
		}
		conn.Close()
	}()

	err = c.readLoop(conn)

	close(stop)
	<-closed

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if c.callbacks.OnDisconnect != nil {
		c.callbacks.OnDisconnect(c.vin, err)
	}
	return err
}

// readLoop 消息读取循环
func (c *PushClient) readLoop(conn *websocket.Conn) error {
	if err := c.subscribe(conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug("Push connection closed normally", zap.String("vin", c.vin))
				return nil
			}
			return fmt.Errorf("read push: %w", err)
		}

		c.mu.Lock()
		c.lastMessage = c.now()
		c.mu.Unlock()

		c.handleMessage(message)
	}
}

// subscribe 发送订阅请求
func (c *PushClient) subscribe(conn *websocket.Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(map[string]any{
		"_type":     "subscribe",
		"requestId": uuid.NewString(),
		"vin":       c.vin,
	})
}

// handleMessage 处理消息
func (c *PushClient) handleMessage(message []byte) {
	var env pushEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Warn("Failed to parse push message",
			zap.String("vin", c.vin),
			zap.Error(err))
		return
	}

	switch {
	case env.Type == "ping" || env.Type == "pong" || env.Type == "heartbeat":
		c.logger.Debug("Push heartbeat", zap.String("vin", c.vin))
	case env.Error != "" || (env.HTTPStatus != 0 && env.HTTPStatus != http.StatusOK):
		c.logger.Warn("Push error message",
			zap.String("vin", c.vin),
			zap.Int("status", env.HTTPStatus),
			zap.String("error", env.Error))
	case env.Data != nil:
		if c.callbacks.OnData != nil {
			c.callbacks.OnData(c.vin, env.Data)
		}
	default:
		c.logger.Debug("Unknown push message", zap.String("vin", c.vin), zap.String("type", env.Type))
	}
}
