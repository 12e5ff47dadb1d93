package ford

import (
	"errors"
	"fmt"
	"net/http"
)

// 错误定义
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrCommunication    = errors.New("communication error")
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrNotLicensed      = errors.New("feature not licensed")
	ErrInvalidRedirect  = errors.New("invalid redirect url")
)

// StatusError 带 HTTP 状态码的错误，Unwrap 返回分类后的哨兵错误
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
	kind       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// classify 将非成功响应映射为哨兵错误
func classify(op string, status int, body []byte) error {
	var kind error
	switch {
	case status == http.StatusUnauthorized:
		kind = ErrUnauthorized
	case status == http.StatusForbidden:
		kind = ErrForbidden
	case status >= 500:
		kind = ErrCommunication
	default:
		kind = ErrUnexpectedStatus
	}
	return &StatusError{Op: op, StatusCode: status, Body: truncate(string(body), 512), kind: kind}
}

// NewStatusError 按状态码构造分类后的错误
func NewStatusError(op string, status int, body []byte) error {
	return classify(op, status, body)
}

// IsCommunication 网络、超时、TLS、5xx 以及未映射的状态码都按通信错误处理
func IsCommunication(err error) bool {
	return errors.Is(err, ErrCommunication) || errors.Is(err, ErrUnexpectedStatus)
}

// StatusCode 提取错误中的 HTTP 状态码，没有则返回 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
