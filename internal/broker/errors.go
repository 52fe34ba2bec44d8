package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sony/gobreaker"
)

var (
	// ErrNoToken 表示登录响应中没有会话令牌。
	ErrNoToken = errors.New("broker: login response carries no session token")
	// ErrNoQuote 表示行情查询未返回任何标的。
	ErrNoQuote = errors.New("broker: no quote returned for symbol")
)

// APIError 表示券商返回了非成功响应，Body 为原始响应体。
type APIError struct {
	Operation  string
	HTTPStatus int
	ErrorCode  string
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" || e.Message != "" {
		return fmt.Sprintf("broker: %s failed (http %d, code %q): %s", e.Operation, e.HTTPStatus, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("broker: %s failed (http %d): %s", e.Operation, e.HTTPStatus, string(e.Body))
}

// QuoteFetchError 表示参考价获取失败。
type QuoteFetchError struct {
	Symbol string
	Err    error
}

func (e *QuoteFetchError) Error() string {
	return fmt.Sprintf("broker: fetch quote for %s: %v", e.Symbol, e.Err)
}

func (e *QuoteFetchError) Unwrap() error {
	return e.Err
}

// IsRetryable 判断错误是否可重试：网络错误、限流与服务端错误。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus == http.StatusTooManyRequests || apiErr.HTTPStatus >= http.StatusInternalServerError
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
