// Package ratelimit はクライアント単位の固定ウィンドウ方式レート制限を提供する。
//
// カウンタはStoreに保持される。Storeは「インクリメントと初回の期限設定」を
// アトミックに行う必要があり、同じキーへの同時リクエストが上限を超えて許可されることはない。
// ウィンドウは期限切れ後の最初のアクセスで遅延的にリセットされる。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrStoreUnavailable はfail_openが無効でStoreが利用できない場合に返される。
var ErrStoreUnavailable = errors.New("レート制限ストアが利用できません")

// Store はウィンドウ単位のカウンタを保持する。
type Store interface {
	// Incr はkeyのカウンタを1増やし、増加後の値とウィンドウの残り時間を返す。
	// ウィンドウが存在しないか期限切れの場合は、長さwindowの新しいウィンドウを開始する。
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Policy はレート制限の単位。
type Policy struct {
	// Name はキーの名前空間。ルート固有の制限はルートIDを使う。
	Name string
	// Limit はウィンドウあたりの上限リクエスト数。
	Limit int
	// Window はウィンドウの長さ。
	Window time.Duration
}

// Decision はAllowの判定結果。
type Decision struct {
	// Allowed はリクエストを許可するかどうか。
	Allowed bool
	// Limit はウィンドウあたりの上限。
	Limit int
	// Remaining はウィンドウ内の残り回数。
	Remaining int
	// RetryAfter は拒否時の再試行までの時間（ウィンドウの残り時間）。
	RetryAfter time.Duration
	// Degraded はStore障害によりチェックを省略して許可した場合にtrue。
	Degraded bool
}

// Config はLimiterの設定。
type Config struct {
	// Limit は既定のウィンドウあたり上限。
	Limit int
	// Window は既定のウィンドウ長。
	Window time.Duration
	// KeyPrefix はStoreのキーに付与する接頭辞。
	KeyPrefix string
	// FailOpen がtrueの場合、Store障害時にリクエストを許可する。
	FailOpen bool
}

// Limiter は固定ウィンドウ方式のレートリミッタ。
type Limiter struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

// New は新しいLimiterを生成する。
func New(store Store, cfg Config, logger *zap.Logger) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ストアがnilです")
	}
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("limitとwindowは正の値が必要です: limit=%d, window=%s", cfg.Limit, cfg.Window)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, cfg: cfg, logger: logger}, nil
}

// DefaultPolicy は既定のポリシーを返す。
func (l *Limiter) DefaultPolicy() Policy {
	return Policy{Name: "default", Limit: l.cfg.Limit, Window: l.cfg.Window}
}

// Allow はclientKeyのリクエストを許可するかを判定する。
// Storeが失敗した場合、FailOpenなら許可し、そうでなければErrStoreUnavailableを返す。
func (l *Limiter) Allow(ctx context.Context, clientKey string, p Policy) (Decision, error) {
	if p.Limit <= 0 || p.Window <= 0 {
		p = l.DefaultPolicy()
	}

	key := l.cfg.KeyPrefix + ":" + p.Name + ":" + clientKey
	count, ttl, err := l.store.Incr(ctx, key, p.Window)
	if err != nil {
		if l.cfg.FailOpen {
			l.logger.Warn("レート制限ストアの呼び出しに失敗したためリクエストを許可します",
				zap.String("policy", p.Name),
				zap.String("client_key", clientKey),
				zap.Error(err),
			)
			return Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit, Degraded: true}, nil
		}
		return Decision{Limit: p.Limit}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if ttl <= 0 || ttl > p.Window {
		ttl = p.Window
	}
	if count > int64(p.Limit) {
		return Decision{Allowed: false, Limit: p.Limit, Remaining: 0, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit - int(count)}, nil
}
