package ford

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// 端点名称，用于按端点统计 401
const (
	EndpointTelemetry  = "telemetry"
	EndpointMessages   = "messages"
	EndpointDashboard  = "dashboard"
	EndpointGuardMode  = "guardmode"
	EndpointCommand    = "command"
	EndpointURLCommand = "url_command"
)

// StatusObserver 接收每次 REST 调用的状态码（例如令牌管理器统计 401）
type StatusObserver interface {
	ObserveStatus(endpoint string, statusCode int)
}

// Client Ford / Autonomic REST 客户端，每个 (用户, 区域) 共享一个
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	region     Region
	hosts      Hosts
	observer   StatusObserver
}

// NewClient 创建 REST 客户端
func NewClient(logger *zap.Logger, httpClient *http.Client, region Region, hosts Hosts) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &Client{
		logger:     logger,
		httpClient: httpClient,
		region:     region,
		hosts:      hosts,
	}
}

// SetObserver 设置状态码观察者
func (c *Client) SetObserver(o StatusObserver) {
	c.observer = o
}

// authStyle 认证头的三种写法
type authStyle int

const (
	authBearer authStyle = iota
	authToken
	authTokenLower
)

type call struct {
	endpoint string
	op       string
	method   string
	url      string
	token    string
	auth     authStyle
	body     func() io.Reader
	country  bool
	success  []int
}

// doRequest 执行带认证的请求，缓冲完整响应后再交给调用方
func (c *Client) doRequest(ctx context.Context, cl call) (*response, error) {
	resp, err := do(ctx, c.httpClient, func() (*http.Request, error) {
		var body io.Reader
		if cl.body != nil {
			body = cl.body()
		}
		req, err := http.NewRequest(cl.method, cl.url, body)
		if err != nil {
			return nil, err
		}

		switch cl.auth {
		case authBearer:
			req.Header.Set("Authorization", "Bearer "+cl.token)
		case authToken:
			req.Header.Set("Auth-Token", cl.token)
		case authTokenLower:
			req.Header["auth-token"] = []string{cl.token}
		}
		req.Header.Set("Application-Id", c.region.AppID)
		req.Header.Set("Accept", contentTypeJSON)
		req.Header.Set("User-Agent", fordUserAgent)
		if cl.body != nil {
			req.Header.Set("Content-Type", contentTypeJSON)
		}
		if cl.country {
			req.Header.Set("Countrycode", c.region.CountryCode)
			req.Header.Set("Locale", commandLocaleHeader)
		}
		return req, nil
	})
	if err != nil {
		c.logger.Debug("Request failed before response",
			zap.String("op", cl.op),
			zap.Error(err))
		return nil, fmt.Errorf("%s: %w", cl.op, err)
	}

	if c.observer != nil {
		c.observer.ObserveStatus(cl.endpoint, resp.StatusCode)
	}

	for _, code := range cl.success {
		if resp.StatusCode == code {
			return resp, nil
		}
	}

	err = classify(cl.op, resp.StatusCode, resp.Body)
	if IsCommunication(err) {
		c.logger.Warn("Unexpected response",
			zap.String("op", cl.op),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(resp.Body), 256)))
	}
	return nil, err
}

// Telemetry 获取车辆遥测数据
func (c *Client) Telemetry(ctx context.Context, autoAccess, vin string) (map[string]any, error) {
	resp, err := c.doRequest(ctx, call{
		endpoint: EndpointTelemetry,
		op:       "telemetry",
		method:   http.MethodGet,
		url:      fmt.Sprintf("%s/telemetry/sources/fordpass/vehicles/%s", c.hosts.Autonomic, vin),
		token:    autoAccess,
		auth:     authBearer,
		success:  []int{http.StatusOK},
	})
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := resp.decode(&data); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return data, nil
}

// Messages 获取消息中心列表
func (c *Client) Messages(ctx context.Context, catAccess string) ([]any, error) {
	resp, err := c.doRequest(ctx, call{
		endpoint: EndpointMessages,
		op:       "messages",
		method:   http.MethodGet,
		url:      c.hosts.Guard + "/messagecenter/v3/messages?",
		token:    catAccess,
		auth:     authToken,
		success:  []int{http.StatusOK},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Result struct {
			Messages []any `json:"messages"`
		} `json:"result"`
	}
	if err := resp.decode(&payload); err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	if payload.Result.Messages == nil {
		return []any{}, nil
	}
	return payload.Result.Messages, nil
}

// Dashboard 获取车辆档案和能力列表
func (c *Client) Dashboard(ctx context.Context, catAccess string) (map[string]any, error) {
	body, err := jsonBody(map[string]string{"dashboardRefreshRequest": "All"})
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, call{
		endpoint: EndpointDashboard,
		op:       "dashboard",
		method:   http.MethodPost,
		url:      c.hosts.Guard + "/expdashboard/v1/details/",
		token:    catAccess,
		auth:     authToken,
		body:     body,
		country:  true,
		success:  []int{http.StatusOK, http.StatusMultiStatus},
	})
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := resp.decode(&data); err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	return data, nil
}

// GuardStatus 获取 Guard 模式状态，returnCode 不是 200 时返回 ErrNotLicensed
func (c *Client) GuardStatus(ctx context.Context, catAccess, vin string) (map[string]any, error) {
	resp, err := c.guard(ctx, http.MethodGet, "guard status", catAccess, vin)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := resp.decode(&data); err != nil {
		return nil, fmt.Errorf("guard status: %w", err)
	}
	if code, ok := data["returnCode"].(float64); !ok || int(code) != http.StatusOK {
		return nil, ErrNotLicensed
	}
	return data, nil
}

// GuardEnable 开启 Guard 模式
func (c *Client) GuardEnable(ctx context.Context, catAccess, vin string) error {
	_, err := c.guard(ctx, http.MethodPut, "guard enable", catAccess, vin)
	return err
}

// GuardDisable 关闭 Guard 模式
func (c *Client) GuardDisable(ctx context.Context, catAccess, vin string) error {
	_, err := c.guard(ctx, http.MethodDelete, "guard disable", catAccess, vin)
	return err
}

func (c *Client) guard(ctx context.Context, method, op, catAccess, vin string) (*response, error) {
	return c.doRequest(ctx, call{
		endpoint: EndpointGuardMode,
		op:       op,
		method:   method,
		url:      fmt.Sprintf("%s/guardmode/v1/%s/session", c.hosts.Guard, vin),
		token:    catAccess,
		auth:     authTokenLower,
		success:  []int{http.StatusOK},
	})
}

// commandResponse 命令下发后的响应
type commandResponse struct {
	ID        string `json:"id"`
	CommandID string `json:"commandId"`
}

func (r commandResponse) commandID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.CommandID
}

// SendCommand 通过 Autonomic 下发命令，返回 commandId
func (c *Client) SendCommand(ctx context.Context, autoAccess, vin, commandType string, properties map[string]any) (string, error) {
	if properties == nil {
		properties = map[string]any{}
	}
	body, err := jsonBody(map[string]any{
		"properties": properties,
		"tags":       map[string]any{},
		"type":       commandType,
		"wakeUp":     true,
	})
	if err != nil {
		return "", err
	}

	resp, err := c.doRequest(ctx, call{
		endpoint: EndpointCommand,
		op:       "command " + commandType,
		method:   http.MethodPost,
		url:      fmt.Sprintf("%s/command/vehicles/%s/commands", c.hosts.Autonomic, vin),
		token:    autoAccess,
		auth:     authBearer,
		body:     body,
		success:  []int{http.StatusCreated},
	})
	if err != nil {
		return "", err
	}

	var cr commandResponse
	if err := resp.decode(&cr); err != nil {
		return "", fmt.Errorf("command %s: %w", commandType, err)
	}
	if cr.commandID() == "" {
		return "", fmt.Errorf("command %s: %w: response carries no id", commandType, ErrUnexpectedStatus)
	}
	return cr.commandID(), nil
}

// StatusRefresh 请求车辆上报最新状态
func (c *Client) StatusRefresh(ctx context.Context, autoAccess, vin string) (string, error) {
	return c.SendCommand(ctx, autoAccess, vin, "statusRefresh", nil)
}

// SendURLCommand 通过 fordconnect 下发 URL 形式的命令（startCharge / stopCharge）
// 服务端不一定返回 commandId，此时返回空字符串
func (c *Client) SendURLCommand(ctx context.Context, catAccess, vin, urlCommand string) (string, error) {
	resp, err := c.doRequest(ctx, call{
		endpoint: EndpointURLCommand,
		op:       "url command " + urlCommand,
		method:   http.MethodPost,
		url:      fmt.Sprintf("%s/fordconnect/v1/vehicles/%s/%s", c.hosts.Guard, vin, urlCommand),
		token:    catAccess,
		auth:     authToken,
		country:  true,
		success:  []int{http.StatusOK, http.StatusCreated, http.StatusAccepted},
	})
	if err != nil {
		return "", err
	}

	var cr commandResponse
	if len(resp.Body) > 0 {
		_ = resp.decode(&cr)
	}
	return cr.commandID(), nil
}
