// Package gwerror はゲートウェイのパイプラインが返すエラーの分類を提供する。
//
// パイプラインの各ステージで発生した失敗は、そのステージで Error に変換され、
// 最終的なHTTPレスポンスとしてクライアントに返される。
package gwerror

import (
	"fmt"
	"net/http"
	"time"
)

// Kind はエラーの分類を表す。
type Kind string

const (
	// KindAuth は資格情報の欠落・不正を表す（401）。
	KindAuth Kind = "auth"
	// KindForbidden はロール不足を表す（403）。
	KindForbidden Kind = "forbidden"
	// KindRateLimit はレート制限超過を表す（429）。
	KindRateLimit Kind = "rate_limit"
	// KindRouting は一致するルートが存在しないことを表す（404）。
	KindRouting Kind = "routing"
	// KindCircuitOpen はサーキットブレーカーが開いていることを表す（503）。
	KindCircuitOpen Kind = "circuit_open"
	// KindBackend はバックエンド呼び出しの失敗を表す（502/503/504）。
	KindBackend Kind = "backend"
	// KindBadRequest はリクエスト自体の不備を表す（400/413）。
	KindBadRequest Kind = "bad_request"
	// KindUnavailable はゲートウェイ自身の依存先が利用できないことを表す（503）。
	KindUnavailable Kind = "unavailable"
	// KindInternal は想定外の内部エラーを表す（500）。
	KindInternal Kind = "internal"
)

// Error はクライアントに返すエラーレスポンスの元になる値。
type Error struct {
	// Kind はエラーの分類。
	Kind Kind
	// Status はHTTPステータスコード。
	Status int
	// Code は機械可読なエラーコード（例: "RATE_LIMIT_EXCEEDED"）。
	Code string
	// Message は利用者向けのメッセージ。
	Message string
	// Detail は補足メッセージ。空の場合はレスポンスに含めない。
	Detail string
	// Backend は関係するバックエンドID。無い場合は空。
	Backend string
	// RetryAfter は再試行までの推奨待ち時間。0の場合は付与しない。
	RetryAfter time.Duration
	// cause は元になったエラー。
	cause error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%d %s): %s: %v", e.Kind, e.Status, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%d %s): %s", e.Kind, e.Status, e.Code, e.Message)
}

// Unwrap は元になったエラーを返す。
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause は元になったエラーを設定したコピーを返す。
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.cause = err
	return &cp
}

// WithDetail は補足メッセージを設定したコピーを返す。
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// Body はレスポンスボディとして返すJSON構造を返す。
func (e *Error) Body() map[string]any {
	body := map[string]any{
		"error":  e.Message,
		"code":   e.Code,
		"status": e.Status,
	}
	if e.Backend != "" {
		body["backend"] = e.Backend
	}
	if e.Detail != "" {
		body["message"] = e.Detail
	}
	if e.RetryAfter > 0 {
		body["retry_after"] = RetryAfterSeconds(e.RetryAfter)
	}
	return body
}

// RetryAfterSeconds はRetry-Afterヘッダーに設定する秒数を返す。端数は切り上げる。
func RetryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

// Unauthorized は401エラーを生成する。
func Unauthorized(code, message string) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Code: code, Message: message}
}

// Forbidden は403エラーを生成する。
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Status: http.StatusForbidden, Code: "INSUFFICIENT_ROLE", Message: message}
}

// RateLimited は429エラーを生成する。
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Status:     http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "リクエスト数が上限を超えました",
		RetryAfter: retryAfter,
	}
}

// RouteNotFound は404エラーを生成する。
func RouteNotFound() *Error {
	return &Error{Kind: KindRouting, Status: http.StatusNotFound, Code: "ROUTE_NOT_FOUND", Message: "一致するルートがありません"}
}

// CircuitOpen は503エラーを生成する。
func CircuitOpen(backendID string) *Error {
	return &Error{
		Kind:    KindCircuitOpen,
		Status:  http.StatusServiceUnavailable,
		Code:    "CIRCUIT_OPEN",
		Message: "バックエンドサービスは一時的に利用できません",
		Backend: backendID,
	}
}

// Backend はバックエンド呼び出し失敗のエラーを生成する。
func Backend(status int, code, message, backendID string) *Error {
	return &Error{Kind: KindBackend, Status: status, Code: code, Message: message, Backend: backendID}
}

// BadRequest は400系のエラーを生成する。
func BadRequest(status int, code, message string) *Error {
	return &Error{Kind: KindBadRequest, Status: status, Code: code, Message: message}
}

// Unavailable はゲートウェイ自身の依存先障害による503エラーを生成する。
func Unavailable(code, message string) *Error {
	return &Error{Kind: KindUnavailable, Status: http.StatusServiceUnavailable, Code: code, Message: message}
}

// Internal は500エラーを生成する。
func Internal() *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "内部サーバーエラーが発生しました"}
}
