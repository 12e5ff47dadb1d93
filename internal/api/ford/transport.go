package ford

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/publicsuffix"
)

const (
	connectAttempts     = 3
	connectBackoffBase  = 500 * time.Millisecond
	defaultHTTPTimeout  = 30 * time.Second
	contentTypeJSON     = "application/json"
	contentTypeForm     = "application/x-www-form-urlencoded"
	fordUserAgent       = "FordPass/24 CFNetwork/1399 Darwin/22.1.0"
	commandLocaleHeader = "en-US"
)

// NewHTTPClient 创建共享连接池和 cookie 的 HTTP 客户端，每个 (用户, 区域) 一个
func NewHTTPClient() *http.Client {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &http.Client{
		Timeout: defaultHTTPTimeout,
		Jar:     jar,
	}
}

// response 完整缓冲后的响应
type response struct {
	StatusCode int
	Body       []byte
}

// decode 解析 JSON 响应体
func (r *response) decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// connectBackOff 连接重试策略：最多 3 次，0.5s 指数退避
func connectBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = connectBackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, connectAttempts-1), ctx)
}

// do 发送请求，仅在连接层失败时重试；应用层的任何状态码都不重试
func do(ctx context.Context, hc *http.Client, build func() (*http.Request, error)) (*response, error) {
	var out *response
	op := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := hc.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		out = &response{StatusCode: resp.StatusCode, Body: body}
		return nil
	}

	if err := backoff.Retry(op, connectBackOff(ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, fmt.Errorf("%w: %v", ErrCommunication, err)
	}
	return out, nil
}

// jsonBody 构造 JSON 请求体工厂，每次重试都需要新的 reader
func jsonBody(v any) (func() io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return func() io.Reader { return bytes.NewReader(data) }, nil
}
