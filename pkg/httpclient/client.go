package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultMaxResponseBytes はDoが読み込むレスポンスボディの既定上限（10MiB）。
const DefaultMaxResponseBytes int64 = 10 << 20

// ErrResponseTooLarge はレスポンスボディが上限を超えた場合に返される。
var ErrResponseTooLarge = errors.New("レスポンスボディが上限を超えています")

// ErrInvalidRequest はリクエストを組み立てられない場合に返される。
// 通信は行われていない。
var ErrInvalidRequest = errors.New("HTTPリクエストを組み立てられません")

// Client はバックエンドサービス用のHTTPクライアント。
// 1つのベースURLに紐づく。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// maxResponseBytes は読み込むレスポンスボディの上限。
	maxResponseBytes int64
}

// Option はClientの設定を変更する関数。
type Option func(*Client)

// WithTimeout はクライアント全体のタイムアウトを設定する。
// 0を指定するとコンテキストの期限のみで打ち切る。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithTransport は使用するRoundTripperを設定する。
// 複数のClientで接続プールを共有する場合に使用する。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

// WithMaxResponseBytes はレスポンスボディの読み込み上限を設定する。
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://exam-service:8087"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// バックエンドのリダイレクトはそのままクライアントに返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL:          baseURL,
		maxResponseBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL は接続先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request は転送するリクエスト。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// Path はベースURLに続くパス。パーセントエンコード済みの形で指定する。
	Path string
	// RawQuery はクエリ文字列（?を含まない）。
	RawQuery string
	// Header は送信するヘッダー。
	Header http.Header
	// Body はリクエストボディ。nilの場合はボディなし。
	Body []byte
}

// Response はバックエンドから受け取ったレスポンス。
type Response struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
}

// Do はリクエストをベースURLに転送し、レスポンスを読み切って返す。
// ステータスコードは解釈しない。エラーは通信に失敗した場合のみ返す。
func (c *Client) Do(ctx context.Context, r *Request) (*Response, error) {
	target, err := c.resolve(r.Path, r.RawQuery)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗: %w", err)
	}
	if int64(len(data)) > c.maxResponseBytes {
		return nil, ErrResponseTooLarge
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// resolve はベースURLにエンコード済みのパスとクエリを連結したURLを返す。
// パス中の %3F などはデコードせずにそのまま送る。
func (c *Client) resolve(escapedPath, rawQuery string) (*url.URL, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: ベースURL %q: %w", ErrInvalidRequest, c.baseURL, err)
	}
	path, err := url.PathUnescape(escapedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: パス %q: %w", ErrInvalidRequest, escapedPath, err)
	}
	target := *base
	target.Path = base.Path + path
	target.RawPath = base.EscapedPath() + escapedPath
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target, nil
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result)
}

// StatusError は2xx以外のレスポンスを表す。
type StatusError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Body はレスポンスボディ。
	Body string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	if token, ok := ctx.Value(contextKeyBearerToken).(string); ok && token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		payload = b
	}

	resp, err := c.Do(ctx, &Request{Method: method, Path: path, Header: header, Body: payload})
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyBearerToken はコンテキストにアクセストークンを格納するためのキー。
const contextKeyBearerToken contextKey = "bearer_token"

// WithBearerToken はコンテキストにアクセストークンを設定する。
// PostJSON/GetJSON はこのトークンをAuthorizationヘッダーに付与する。
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKeyBearerToken, token)
}
