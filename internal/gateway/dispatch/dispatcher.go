// Package dispatch は解決済みのルートに従ってバックエンドサービスへリクエストを転送する。
//
// バックエンドへの呼び出しは設定されたタイムアウトで打ち切られる。
// クライアントが切断しても呼び出しは完了まで続け、結果はサーキットブレーカーに報告される。
// タイムアウト・接続失敗・サーバーエラーは BackendError として返し、
// 呼び出し元はそれをフォールバックレスポンスに変換する。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nao1215/unigate/internal/gateway/gwerror"
	"github.com/nao1215/unigate/internal/gateway/route"
	"github.com/nao1215/unigate/pkg/httpclient"
	"github.com/nao1215/unigate/pkg/middleware"
)

// ErrInvalidRequest は転送するリクエストを組み立てられない場合に返される。
// バックエンドには到達していないため、バックエンドの失敗として扱わない。
var ErrInvalidRequest = errors.New("転送するリクエストが不正です")

// InternalSecretHeader はサービス間通信の共有シークレットを渡すヘッダー。
const InternalSecretHeader = "X-Internal-Secret"

// forwardedHeaders はクライアントからバックエンドへ転送するヘッダー。
var forwardedHeaders = []string{
	"Authorization",
	"Content-Type",
	"Accept",
	"Accept-Language",
	middleware.RequestIDHeader,
}

// hopByHopHeaders はバックエンドのレスポンスからクライアントへ転送しないヘッダー。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

// ErrorKind はバックエンド呼び出しの失敗の種類。
type ErrorKind int

const (
	// KindTimeout はタイムアウト。
	KindTimeout ErrorKind = iota + 1
	// KindConnectionRefused は接続失敗を含む通信エラー全般。
	KindConnectionRefused
	// KindServerError はサーバーエラー範囲のステータスコード。
	KindServerError
)

// String は種類名を返す。
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionRefused:
		return "connection_refused"
	case KindServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// BackendError はバックエンド呼び出しの失敗。
type BackendError struct {
	// Kind は失敗の種類。
	Kind ErrorKind
	// Backend はバックエンドID。
	Backend string
	// Status はKindServerErrorの場合のステータスコード。
	Status int
	// Err は元になったエラー。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *BackendError) Error() string {
	if e.Kind == KindServerError {
		return fmt.Sprintf("バックエンド %s がサーバーエラーを返しました: status=%d", e.Backend, e.Status)
	}
	return fmt.Sprintf("バックエンド %s の呼び出しに失敗 (%s): %v", e.Backend, e.Kind, e.Err)
}

// Unwrap は元になったエラーを返す。
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Fallback はクライアントに返すフォールバックレスポンスを生成する。
// タイムアウトは504、通信エラーは503、サーバーエラーは502になる。
func (e *BackendError) Fallback(serviceName string) *gwerror.Error {
	msg := serviceName + " is currently unavailable"
	var gwErr *gwerror.Error
	switch e.Kind {
	case KindTimeout:
		gwErr = gwerror.Backend(http.StatusGatewayTimeout, "BACKEND_TIMEOUT", msg, e.Backend)
	case KindServerError:
		gwErr = gwerror.Backend(http.StatusBadGateway, "BACKEND_ERROR", msg, e.Backend)
	default:
		gwErr = gwerror.Backend(http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", msg, e.Backend)
	}
	return gwErr.WithDetail("Please try again later").WithCause(e)
}

// Request はバックエンドに転送するリクエスト。
type Request struct {
	// Route は解決済みのルート。
	Route *route.Route
	// Method はHTTPメソッド。
	Method string
	// Path はエスケープ済みのリクエストパス（URL.EscapedPath）。
	Path string
	// RawQuery はクエリ文字列。
	RawQuery string
	// Header はクライアントのリクエストヘッダー。
	Header http.Header
	// Body はバッファ済みのリクエストボディ。
	Body []byte
	// Token は検証済みのアクセストークン。公開ルートではnil。
	Token *middleware.AccessToken
	// ClientIP はクライアントのIPアドレス。
	ClientIP string
}

// ProxyResult はバックエンド呼び出しの結果。
type ProxyResult struct {
	// StatusCode はバックエンドのステータスコード。通信に失敗した場合は0。
	StatusCode int
	// Header はバックエンドのレスポンスヘッダー。
	Header http.Header
	// Body はバックエンドのレスポンスボディ。
	Body []byte
	// Latency は呼び出しにかかった時間。
	Latency time.Duration
	// Backend はバックエンドID。
	Backend string
	// Succeeded はサーキットブレーカーに成功として報告する場合にtrue。
	Succeeded bool
}

// Config はDispatcherの設定。
type Config struct {
	// Timeout はバックエンド呼び出しのタイムアウト。
	Timeout time.Duration
	// ServerErrorMin はサーバーエラーとみなすステータスコードの下限。
	ServerErrorMin int
	// ServerErrorMax はサーバーエラーとみなすステータスコードの上限。
	ServerErrorMax int
	// InternalSecret はX-Internal-Secretヘッダーに設定する値。空の場合は付与しない。
	InternalSecret string
	// MaxResponseBytes はレスポンスボディの上限。
	MaxResponseBytes int64
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Second,
		ServerErrorMin:   500,
		ServerErrorMax:   599,
		MaxResponseBytes: httpclient.DefaultMaxResponseBytes,
	}
}

// Dispatcher はバックエンドへの転送を行う。
type Dispatcher struct {
	cfg       Config
	transport http.RoundTripper
	// clients はターゲットURLごとのhttpclient.Client。
	clients sync.Map
}

// New は新しいDispatcherを生成する。
// transportがnilの場合はhttp.DefaultTransportのクローンを使う。
func New(cfg Config, transport http.RoundTripper) *Dispatcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ServerErrorMin <= 0 || cfg.ServerErrorMax < cfg.ServerErrorMin {
		cfg.ServerErrorMin, cfg.ServerErrorMax = def.ServerErrorMin, def.ServerErrorMax
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConnsPerHost = 32
		transport = t
	}
	return &Dispatcher{cfg: cfg, transport: transport}
}

func (d *Dispatcher) client(baseURL string) *httpclient.Client {
	if c, ok := d.clients.Load(baseURL); ok {
		return c.(*httpclient.Client)
	}
	c, _ := d.clients.LoadOrStore(baseURL, httpclient.New(baseURL,
		httpclient.WithTransport(d.transport),
		httpclient.WithTimeout(0),
		httpclient.WithMaxResponseBytes(d.cfg.MaxResponseBytes),
	))
	return c.(*httpclient.Client)
}

// Dispatch はリクエストをバックエンドに転送する。
// 結果は常に返す。バックエンドの失敗は*BackendError、リクエストを組み立てられない場合はErrInvalidRequestを返す。
// ctxのキャンセルは呼び出しを中断しない。タイムアウトのみで打ち切る。
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*ProxyResult, error) {
	backend := req.Route.Backend
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.client(req.Route.TargetURL).Do(ctx, &httpclient.Request{
		Method:   req.Method,
		Path:     req.Path,
		RawQuery: req.RawQuery,
		Header:   d.outboundHeader(req),
		Body:     req.Body,
	})
	result := &ProxyResult{Latency: time.Since(start), Backend: backend}

	if errors.Is(err, httpclient.ErrInvalidRequest) {
		return result, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err != nil {
		kind := KindConnectionRefused
		if isTimeout(err) {
			kind = KindTimeout
		}
		return result, &BackendError{Kind: kind, Backend: backend, Err: err}
	}

	result.StatusCode = resp.StatusCode
	result.Header = resp.Header
	result.Body = resp.Body
	if resp.StatusCode >= d.cfg.ServerErrorMin && resp.StatusCode <= d.cfg.ServerErrorMax {
		return result, &BackendError{Kind: KindServerError, Backend: backend, Status: resp.StatusCode}
	}
	result.Succeeded = true
	return result, nil
}

// outboundHeader はバックエンドに送るヘッダーを組み立てる。
// ユーザー情報ヘッダーはクライアントの値を使わず、検証済みトークンから設定する。
func (d *Dispatcher) outboundHeader(req *Request) http.Header {
	h := http.Header{}
	for _, k := range forwardedHeaders {
		if v := req.Header.Values(k); len(v) > 0 {
			h[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
		}
	}
	for k, v := range middleware.UserHeaders(req.Token) {
		h[k] = v
	}
	// 公開ルート（認証サービス）には共有シークレットを渡さない
	if d.cfg.InternalSecret != "" && !req.Route.Public {
		h.Set(InternalSecretHeader, d.cfg.InternalSecret)
	}
	if req.ClientIP != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			h.Set("X-Forwarded-For", req.ClientIP)
		}
	}
	return h
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// CopyResponseHeader はホップバイホップヘッダーを除いてsrcをdstにコピーする。
func CopyResponseHeader(dst, src http.Header) {
	for k, vs := range src {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
