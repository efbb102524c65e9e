package gateway

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/unigate/internal/config"
	"github.com/nao1215/unigate/internal/gateway/ratelimit"
	"github.com/nao1215/unigate/internal/gateway/route"
	"github.com/nao1215/unigate/pkg/middleware"
)

// NewValidator は設定からトークン検証器を生成する。
func NewValidator(cfg config.AuthConfig) (*middleware.TokenValidator, error) {
	keys := middleware.KeySet{HMAC: map[string][]byte{}}
	if cfg.JWTSecret != "" {
		keys.HMAC[""] = []byte(cfg.JWTSecret)
	}
	for kid, secret := range cfg.HMACKeys {
		keys.HMAC[kid] = []byte(secret)
	}
	if len(cfg.RSAPublicKeyFiles) > 0 {
		keys.RSA = make(map[string]*rsa.PublicKey, len(cfg.RSAPublicKeyFiles))
		for kid, path := range cfg.RSAPublicKeyFiles {
			pemBytes, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("RSA公開鍵ファイル %s の読み込みに失敗: %w", path, err)
			}
			key, err := middleware.ParseRSAPublicKey(pemBytes)
			if err != nil {
				return nil, fmt.Errorf("RSA公開鍵 %q: %w", kid, err)
			}
			keys.RSA[kid] = key
		}
	}

	return middleware.NewTokenValidator(middleware.ValidatorConfig{
		Keys:      keys,
		Issuers:   cfg.Issuers,
		Leeway:    cfg.Leeway,
		CacheSize: cfg.CacheSize,
		CacheTTL:  cfg.CacheTTL,
	})
}

// newLimiterStore は設定に応じたレート制限ストアを生成する。
// redisの場合は生成したクライアントも返す（呼び出し側がCloseする）。
func newLimiterStore(ctx context.Context, cfg config.RateLimitConfig, logger *zap.Logger) (ratelimit.Store, *redis.Client, error) {
	switch cfg.Store {
	case "", "memory":
		return ratelimit.NewMemoryStore(ratelimit.WithShards(cfg.Shards)), nil, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			if !cfg.FailOpen {
				_ = rdb.Close()
				return nil, nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
			}
			logger.Warn("Redisに接続できません。接続できるまでレート制限を省略します",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		return ratelimit.NewRedisStore(rdb), rdb, nil
	default:
		return nil, nil, fmt.Errorf("不明なレート制限ストアです: %q", cfg.Store)
	}
}

// newRouteStore は設定に応じたルートストアを生成する。
// 返す関数はストアの後始末を行う。
func newRouteStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (route.Store, func() error, error) {
	switch cfg.RouteStore.Driver {
	case "", "config":
		return route.NewConfigStore(cfg.ResolveRoutes()), func() error { return nil }, nil
	case "sqlite":
		store, err := route.OpenSQLite(ctx, cfg.RouteStore.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("不明なルートストアです: %q", cfg.RouteStore.Driver)
	}
}
