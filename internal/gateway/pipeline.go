package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/unigate/internal/gateway/breaker"
	"github.com/nao1215/unigate/internal/gateway/dispatch"
	"github.com/nao1215/unigate/internal/gateway/gwerror"
	"github.com/nao1215/unigate/internal/gateway/ratelimit"
	"github.com/nao1215/unigate/internal/gateway/route"
	"github.com/nao1215/unigate/pkg/middleware"
)

// defaultMaxBodyBytes はリクエストボディの既定上限（10MiB）。
const defaultMaxBodyBytes int64 = 10 << 20

// statusClientClosedRequest はクライアントが応答前に切断したことを表すステータス。
const statusClientClosedRequest = 499

// PipelineDeps はPipelineが使用するコンポーネント。
type PipelineDeps struct {
	// Routes は現在のルートテーブル。
	Routes *route.Registry
	// Validator はアクセストークンの検証器。
	Validator *middleware.TokenValidator
	// Limiter はレートリミッタ。
	Limiter *ratelimit.Limiter
	// Breakers はバックエンドごとのサーキットブレーカー。
	Breakers *breaker.Registry
	// Dispatcher はバックエンドへの転送を行う。
	Dispatcher *dispatch.Dispatcher
	// Logger は終端レコードの出力先。
	Logger *zap.Logger
	// MaxBodyBytes はリクエストボディの上限。0以下の場合は既定値。
	MaxBodyBytes int64
}

// Pipeline はプロキシ対象のリクエストを固定順のステージで処理する。
//
//	ルート解決(404) → 認証・ロール確認(401/403) → レート制限(429)
//	→ ボディ読み込み(400/413) → サーキットブレーカー(503) → 転送 → 結果の報告
//
// 各ステージは処理を続けるか、レスポンスを確定して終了するかを返す。
// 終了したステージ以降のステージは実行されない。
type Pipeline struct {
	deps   PipelineDeps
	stages []stage
}

// stage はパイプラインの1段。nilを返すと次のステージに進む。
type stage struct {
	name string
	run  func(ctx context.Context, ex *exchange) *Response
}

// Response はクライアントに返すレスポンス。
type Response struct {
	// Status はHTTPステータスコード。
	Status int
	// Header は追加するレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
	// Err はエラーレスポンスの場合の元になったエラー。
	Err *gwerror.Error
}

// errorResponse はエラーからJSONレスポンスを生成する。
func errorResponse(e *gwerror.Error, header http.Header) *Response {
	if header == nil {
		header = http.Header{}
	}
	if e.RetryAfter > 0 {
		header.Set("Retry-After", strconv.FormatInt(gwerror.RetryAfterSeconds(e.RetryAfter), 10))
	}
	header.Set("Content-Type", "application/json; charset=utf-8")
	return &Response{Status: e.Status, Header: header, Err: e}
}

// exchange は1リクエストの処理中に各ステージが共有する状態。
type exchange struct {
	req       *http.Request
	requestID string
	clientIP  string

	route     *route.Route
	token     *middleware.AccessToken
	clientKey string
	// header はレート制限ヘッダーなど、最終レスポンスに付与するヘッダー。
	header http.Header
	body   []byte

	// degraded はレート制限ストアの障害で判定を省略したことを表す。
	degraded   bool
	permit     breaker.Permit
	result     *dispatch.ProxyResult
	backendErr *dispatch.BackendError
	stage      string
}

// NewPipeline は新しいPipelineを生成する。
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}
	p := &Pipeline{deps: deps}
	p.stages = []stage{
		{name: "route", run: p.resolveRoute},
		{name: "auth", run: p.authenticate},
		{name: "rate_limit", run: p.rateLimit},
		{name: "body", run: p.readBody},
		{name: "dispatch", run: p.dispatch},
	}
	return p
}

// handle は1件のリクエストを処理し、必ず1つのレスポンスを返す。
// 予期しないパニックは500に変換する。
func (p *Pipeline) handle(ctx context.Context, ex *exchange) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			p.deps.Logger.Error("パイプラインでパニックが発生しました",
				zap.String("request_id", ex.requestID),
				zap.String("stage", ex.stage),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			resp = errorResponse(gwerror.Internal().WithCause(fmt.Errorf("panic: %v", r)), nil)
		}
	}()

	ex.header = http.Header{}
	for _, s := range p.stages {
		ex.stage = s.name
		if resp := s.run(ctx, ex); resp != nil {
			return resp
		}
	}
	// dispatchステージは必ずレスポンスを返す
	return errorResponse(gwerror.Internal(), nil)
}

func (p *Pipeline) resolveRoute(_ context.Context, ex *exchange) *Response {
	r, ok := p.deps.Routes.Match(ex.req.Method, ex.req.URL.Path)
	if !ok {
		return errorResponse(gwerror.RouteNotFound(), nil)
	}
	ex.route = r
	return nil
}

func (p *Pipeline) authenticate(_ context.Context, ex *exchange) *Response {
	if ex.route.Public {
		ex.clientKey = "ip:" + ex.clientIP
		return nil
	}

	tok, err := p.deps.Validator.ValidateHeader(ex.req.Header.Get("Authorization"))
	if err != nil {
		return errorResponse(gwerror.Unauthorized(middleware.AuthErrorCode(err), middleware.AuthErrorMessage(err)).WithCause(err), nil)
	}
	ex.token = tok
	ex.clientKey = "sub:" + tok.Subject

	if ex.route.RequiredRole != "" && !tok.HasRole(ex.route.RequiredRole) {
		return errorResponse(gwerror.Forbidden("権限が不足しています"), nil)
	}
	return nil
}

func (p *Pipeline) rateLimit(ctx context.Context, ex *exchange) *Response {
	policy := p.deps.Limiter.DefaultPolicy()
	if rl := ex.route.RateLimit; rl != nil {
		policy = ratelimit.Policy{Name: "route:" + ex.route.ID, Limit: rl.Limit, Window: rl.Window}
	}

	d, err := p.deps.Limiter.Allow(ctx, ex.clientKey, policy)
	if err != nil {
		return errorResponse(gwerror.Unavailable("RATE_LIMIT_UNAVAILABLE", "レート制限を確認できません").WithCause(err), nil)
	}
	ex.degraded = d.Degraded
	ex.header.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	ex.header.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed {
		return errorResponse(gwerror.RateLimited(d.RetryAfter), ex.header)
	}
	return nil
}

func (p *Pipeline) readBody(_ context.Context, ex *exchange) *Response {
	if ex.req.Body == nil || ex.req.Body == http.NoBody {
		return nil
	}
	if ex.req.ContentLength > p.deps.MaxBodyBytes {
		return errorResponse(gwerror.BadRequest(http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "リクエストボディが大きすぎます"), nil)
	}

	body, err := io.ReadAll(io.LimitReader(ex.req.Body, p.deps.MaxBodyBytes+1))
	if err != nil {
		return errorResponse(gwerror.BadRequest(http.StatusBadRequest, "BODY_UNREADABLE", "リクエストボディを読み取れません").WithCause(err), nil)
	}
	if int64(len(body)) > p.deps.MaxBodyBytes {
		return errorResponse(gwerror.BadRequest(http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "リクエストボディが大きすぎます"), nil)
	}
	if len(body) > 0 {
		ex.body = body
	}
	return nil
}

// dispatch はサーキットブレーカーの許可を得てから転送し、結果を報告する。
// バックエンドに到達しなかった呼び出しは失敗に数えず、許可を返却する。
func (p *Pipeline) dispatch(ctx context.Context, ex *exchange) *Response {
	permit, ok := p.deps.Breakers.Allow(ex.route.Backend)
	if !ok {
		return errorResponse(gwerror.CircuitOpen(ex.route.Backend).WithDetail("Please try again later"), nil)
	}
	ex.permit = permit

	succeeded, reached := false, true
	defer func() {
		if !reached {
			p.deps.Breakers.Release(permit)
			return
		}
		p.deps.Breakers.RecordResult(permit, succeeded)
	}()

	res, err := p.deps.Dispatcher.Dispatch(ctx, &dispatch.Request{
		Route:    ex.route,
		Method:   ex.req.Method,
		Path:     ex.req.URL.EscapedPath(),
		RawQuery: ex.req.URL.RawQuery,
		Header:   ex.req.Header,
		Body:     ex.body,
		Token:    ex.token,
		ClientIP: ex.clientIP,
	})
	ex.result = res
	if err != nil {
		var be *dispatch.BackendError
		if !errors.As(err, &be) {
			reached = false
			if errors.Is(err, dispatch.ErrInvalidRequest) {
				return errorResponse(gwerror.BadRequest(http.StatusBadRequest, "INVALID_REQUEST", "リクエストを転送できません").WithCause(err), nil)
			}
			return errorResponse(gwerror.Internal().WithCause(err), nil)
		}
		ex.backendErr = be
		return errorResponse(be.Fallback(ex.route.DisplayName()), nil)
	}
	succeeded = res.Succeeded

	header := http.Header{}
	dispatch.CopyResponseHeader(header, res.Header)
	for k, v := range ex.header {
		header[k] = v
	}
	return &Response{Status: res.StatusCode, Header: header, Body: res.Body}
}

// ServeHTTP はGinのハンドラとしてパイプラインを実行する。
// リクエストごとに1件の終端レコードを出力する。
// クライアントが既に切断している場合はレスポンスを書き込まない。
func (p *Pipeline) ServeHTTP(c *gin.Context) {
	start := time.Now()
	ex := &exchange{
		req:       c.Request,
		requestID: middleware.GetRequestID(c),
		clientIP:  c.ClientIP(),
	}

	resp := p.handle(c.Request.Context(), ex)

	delivered := c.Request.Context().Err() == nil
	if delivered {
		writeResponse(c, resp)
	} else {
		// NoRouteの既定の404ボディを書き込ませない
		c.Status(statusClientClosedRequest)
		c.Abort()
	}
	p.logTerminal(ex, resp, time.Since(start), delivered)
}

func writeResponse(c *gin.Context, resp *Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	if resp.Err != nil {
		c.AbortWithStatusJSON(resp.Status, resp.Err.Body())
		return
	}
	c.Status(resp.Status)
	if len(resp.Body) > 0 && c.Request.Method != http.MethodHead {
		_, _ = c.Writer.Write(resp.Body)
	}
	c.Abort()
}

// logTerminal は1リクエストの終端レコードを出力する。資格情報は含めない。
func (p *Pipeline) logTerminal(ex *exchange, resp *Response, latency time.Duration, delivered bool) {
	fields := []zap.Field{
		zap.String("request_id", ex.requestID),
		zap.String("method", ex.req.Method),
		zap.String("path", ex.req.URL.Path),
		zap.Int("status", resp.Status),
		zap.Duration("latency", latency),
		zap.String("client_key", ex.clientKey),
		zap.String("stage", ex.stage),
		zap.Bool("delivered", delivered),
	}
	if ex.route != nil {
		fields = append(fields,
			zap.String("route", ex.route.ID),
			zap.String("backend_id", ex.route.Backend),
			zap.Stringer("circuit_state", p.deps.Breakers.State(ex.route.Backend)),
		)
	}
	if ex.permit.Probe() {
		fields = append(fields, zap.Bool("probe", true))
	}
	if ex.degraded {
		fields = append(fields, zap.Bool("ratelimit_degraded", true))
	}
	if ex.result != nil {
		fields = append(fields, zap.Duration("backend_latency", ex.result.Latency))
	}
	if resp.Err != nil {
		fields = append(fields, zap.String("code", resp.Err.Code))
		if cause := errors.Unwrap(resp.Err); cause != nil {
			fields = append(fields, zap.String("cause", cause.Error()))
		}
	}

	switch {
	case resp.Status >= http.StatusInternalServerError:
		p.deps.Logger.Error("プロキシリクエスト完了", fields...)
	case resp.Status >= http.StatusBadRequest:
		p.deps.Logger.Warn("プロキシリクエスト完了", fields...)
	default:
		p.deps.Logger.Info("プロキシリクエスト完了", fields...)
	}
}
