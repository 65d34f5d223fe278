package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/any-hub/webstart-cache/internal/cache"
)

// ErrUnsupportedURL 表示资源 URL 无法解析或协议不受支持。
var ErrUnsupportedURL = errors.New("tracker: unsupported resource url")

// NetworkError 表示连接、读取失败或服务器返回错误状态。
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("network error for %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Temporary 表示是否值得重试：I/O 错误、5xx、408 与 429。
func (e *NetworkError) Temporary() bool {
	switch {
	case e.Status == 0:
		return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
	case e.Status >= 500, e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Missing 表示服务器报告资源不存在（404 或 410）。
func (e *NetworkError) Missing() bool {
	return e.Status == http.StatusNotFound || e.Status == http.StatusGone
}

// IntegrityError 表示下载或补丁结果的长度、校验和不符。
type IntegrityError struct {
	URL      string
	Reason   string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	if e.Expected == "" && e.Actual == "" {
		return fmt.Sprintf("integrity error for %s: %s", e.URL, e.Reason)
	}
	return fmt.Sprintf("integrity error for %s: %s (expected %s, got %s)", e.URL, e.Reason, e.Expected, e.Actual)
}

// VersionResolutionError 表示服务器无法提供满足约束的版本，不会重试。
type VersionResolutionError struct {
	URL       string
	Requested string
	Offered   string
	Err       error
}

func (e *VersionResolutionError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("version resolution failed for %s (%s): %v", e.URL, e.Requested, e.Err)
	case e.Offered != "":
		return fmt.Sprintf("server offered version %s for %s which does not satisfy %s", e.Offered, e.URL, e.Requested)
	default:
		return fmt.Sprintf("server did not report a version for %s satisfying %s", e.URL, e.Requested)
	}
}

func (e *VersionResolutionError) Unwrap() error { return e.Err }

// Retryable 判断调用方是否可以稍后重试该错误。
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var versionErr *VersionResolutionError
	if errors.As(err, &versionErr) {
		return false
	}
	if errors.Is(err, cache.ErrLockTimeout) {
		return true
	}
	var integrityErr *IntegrityError
	if errors.As(err, &integrityErr) {
		return true
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Temporary()
	}
	return false
}
