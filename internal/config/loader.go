package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nao1215/unigate/internal/gateway/route"
)

// EnvPrefix は環境変数の接頭辞。
const EnvPrefix = "UNIGATE"

// LoadDotEnv はpathの.envファイルを環境変数に読み込む。
// ファイルが存在しない場合は何もしない。既に設定済みの環境変数は上書きしない。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
	}
	return nil
}

// NewViper は既定値と環境変数の対応を設定したviperを返す。
// CLIはこのインスタンスにフラグをバインドしてからLoadWithViperを呼ぶ。
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// 接頭辞なしの環境変数名も受け付ける
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET", EnvPrefix+"_AUTH_JWT_SECRET")
	_ = v.BindEnv("ratelimit.redis.addr", "REDIS_ADDR", EnvPrefix+"_RATELIMIT_REDIS_ADDR")
	_ = v.BindEnv("ratelimit.redis.password", "REDIS_PASSWORD", EnvPrefix+"_RATELIMIT_REDIS_PASSWORD")
	_ = v.BindEnv("dispatch.internal_secret", "INTERNAL_API_SECRET", EnvPrefix+"_DISPATCH_INTERNAL_SECRET")
	for _, s := range knownServices {
		_ = v.BindEnv("services."+s.backend, s.envVar)
	}
	return v
}

// Load はpathの設定ファイル（空の場合は既定値と環境変数のみ）から設定を読み込んで検証する。
func Load(path string) (*Config, error) {
	return LoadWithViper(NewViper(), path)
}

// LoadWithViper は設定済みのviperから設定を読み込んで検証する。
func LoadWithViper(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults は既定値を設定する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	// auth.jwt_secret (JWT_SECRET) は環境変数から指定する
	v.SetDefault("auth.leeway", 5*time.Second)
	v.SetDefault("auth.cache_size", 10000)
	v.SetDefault("auth.cache_ttl", 5*time.Minute)
	v.SetDefault("auth.admin_role", "ADMIN")

	v.SetDefault("ratelimit.store", "memory")
	v.SetDefault("ratelimit.limit", 100)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.fail_open", true)
	v.SetDefault("ratelimit.shards", 64)
	v.SetDefault("ratelimit.redis.addr", "127.0.0.1:6379")
	v.SetDefault("ratelimit.redis.dial_timeout", 2*time.Second)
	v.SetDefault("ratelimit.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("ratelimit.redis.write_timeout", 200*time.Millisecond)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cool_down", 30*time.Second)
	v.SetDefault("breaker.failure_window", 60*time.Second)

	v.SetDefault("dispatch.timeout", 10*time.Second)
	v.SetDefault("dispatch.server_error_min", 500)
	v.SetDefault("dispatch.server_error_max", 599)
	v.SetDefault("dispatch.max_body_bytes", 10<<20)
	v.SetDefault("dispatch.max_response_bytes", 10<<20)

	v.SetDefault("route_store.driver", "config")
	v.SetDefault("route_store.dsn", "file:unigate.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("route_store.reload_timeout", 10*time.Second)

	for _, s := range knownServices {
		v.SetDefault("services."+s.backend, s.url)
	}
}

// Validate は必須項目と値の範囲を検証し、問題のある項目をすべて列挙したエラーを返す。
func Validate(cfg *Config) error {
	var problems []string

	if cfg.Server.Addr == "" {
		problems = append(problems, "server.addr")
	}
	if cfg.Auth.JWTSecret == "" && len(cfg.Auth.HMACKeys) == 0 && len(cfg.Auth.RSAPublicKeyFiles) == 0 {
		problems = append(problems, "auth.jwt_secret (JWT_SECRET)")
	}
	if cfg.RateLimit.Limit <= 0 {
		problems = append(problems, "ratelimit.limit (正の値)")
	}
	if cfg.RateLimit.Window <= 0 {
		problems = append(problems, "ratelimit.window (正の値)")
	}
	switch cfg.RateLimit.Store {
	case "memory":
	case "redis":
		if cfg.RateLimit.Redis.Addr == "" {
			problems = append(problems, "ratelimit.redis.addr (REDIS_ADDR)")
		}
	default:
		problems = append(problems, fmt.Sprintf("ratelimit.store (memory|redis, got %q)", cfg.RateLimit.Store))
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		problems = append(problems, "breaker.failure_threshold (正の値)")
	}
	if cfg.Breaker.CoolDown <= 0 {
		problems = append(problems, "breaker.cool_down (正の値)")
	}
	if cfg.Dispatch.Timeout <= 0 {
		problems = append(problems, "dispatch.timeout (正の値)")
	}
	if cfg.Dispatch.ServerErrorMin < 100 || cfg.Dispatch.ServerErrorMax > 599 || cfg.Dispatch.ServerErrorMin > cfg.Dispatch.ServerErrorMax {
		problems = append(problems, "dispatch.server_error_min/max (100-599)")
	}
	switch cfg.RouteStore.Driver {
	case "config":
	case "sqlite":
		if cfg.RouteStore.DSN == "" {
			problems = append(problems, "route_store.dsn")
		}
	default:
		problems = append(problems, fmt.Sprintf("route_store.driver (config|sqlite, got %q)", cfg.RouteStore.Driver))
	}
	if cfg.RouteStore.Driver == "config" {
		if _, err := route.NewTable(cfg.ResolveRoutes(), "config"); err != nil {
			problems = append(problems, fmt.Sprintf("routes (%v)", err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("設定が不足または不正です: %s", strings.Join(problems, ", "))
	}
	return nil
}
