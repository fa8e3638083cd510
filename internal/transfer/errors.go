package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind 传输错误分类
type ErrorKind string

const (
	// KindTransient 网络超时、连接重置等瞬时错误，按分片重试
	KindTransient ErrorKind = "transient"
	// KindAuthExpired 凭证被远程拒绝，立即失败，不重试
	KindAuthExpired ErrorKind = "auth_expired"
	// KindIntegrity 下载完成后大小/校验不匹配
	KindIntegrity ErrorKind = "integrity"
	// KindCancelled 用户取消，不计为失败
	KindCancelled ErrorKind = "cancelled"
	// KindFatal 其他不可重试错误
	KindFatal ErrorKind = "fatal"
)

// Error 带分类的传输错误
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造指定分类的传输错误
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf 取出错误分类，非传输错误按 fatal 处理
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindFatal
}

// Retryable 是否应按分片重试
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// classifyHTTPStatus maps a remote status code onto the error taxonomy.
// 401/403 mean the bearer credential was rejected; 5xx and 429 are worth
// retrying; anything else 4xx is a hard failure.
func classifyHTTPStatus(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindAuthExpired, fmt.Errorf("凭证已失效: HTTP %d", status))
	case status == http.StatusTooManyRequests || status >= 500:
		return NewError(KindTransient, fmt.Errorf("HTTP %d: %s", status, body))
	default:
		return NewError(KindFatal, fmt.Errorf("HTTP %d: %s", status, body))
	}
}

// classifyNetError 网络层错误分类：超时与连接错误按瞬时处理
func classifyNetError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindCancelled, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return NewError(KindTransient, err)
	}
	// http.Client 包装的连接错误（connection refused / reset）
	return NewError(KindTransient, err)
}
