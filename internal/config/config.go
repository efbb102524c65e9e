// Package config はゲートウェイの設定を定義し、ファイル・環境変数・既定値から読み込む。
//
// 優先順位はフラグ > 環境変数 > 設定ファイル > 既定値。
// 環境変数は UNIGATE_ 接頭辞（例: UNIGATE_RATELIMIT_LIMIT）で指定する。
// JWT_SECRET、REDIS_ADDR、INTERNAL_API_SECRET と各サービスのURL
// （AUTH_SERVICE_URL など）は接頭辞なしでも指定できる。
package config

import (
	"time"

	"github.com/nao1215/unigate/internal/gateway/route"
)

// Config はゲートウェイ全体の設定。
type Config struct {
	// Server はHTTPサーバーの設定。
	Server ServerConfig `mapstructure:"server"`
	// Log はログ出力の設定。
	Log LogConfig `mapstructure:"log"`
	// Auth はトークン検証の設定。
	Auth AuthConfig `mapstructure:"auth"`
	// RateLimit はレート制限の設定。
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	// Breaker はサーキットブレーカーの設定。
	Breaker BreakerConfig `mapstructure:"breaker"`
	// Dispatch はバックエンド転送の設定。
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	// Routes はルート定義。空の場合はDefaultRoutesを使う。
	Routes []route.Route `mapstructure:"routes"`
	// RouteStore はルート定義の読み込み元の設定。
	RouteStore RouteStoreConfig `mapstructure:"route_store"`
	// Services はバックエンドIDから転送先URLへの対応。
	// target_urlを省略したルートはここからURLを補う。
	Services map[string]string `mapstructure:"services"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Addr はリッスンアドレス（例: ":8080"）。
	Addr string `mapstructure:"addr"`
	// ReadTimeout はリクエスト読み込みのタイムアウト。
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout はレスポンス書き込みのタイムアウト。
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// CORSOrigins は許可するオリジン。"*"ですべて許可する。
	CORSOrigins []string `mapstructure:"cors_origins"`
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシ。
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// LogConfig はログ出力の設定。
type LogConfig struct {
	// Level はログレベル（debug/info/warn/error）。
	Level string `mapstructure:"level"`
	// Format は出力形式（json/console）。
	Format string `mapstructure:"format"`
	// OutputFile はログファイルのパス。空の場合は標準出力のみ。
	OutputFile string `mapstructure:"output_file"`
	// MaxSizeMB はローテーションするファイルサイズ。
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups は保持する世代数。
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays は保持日数。
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// AuthConfig はトークン検証の設定。
type AuthConfig struct {
	// JWTSecret はkidなしトークンのHMAC署名鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// HMACKeys はkidごとのHMAC署名鍵。鍵のローテーションに使う。
	HMACKeys map[string]string `mapstructure:"hmac_keys"`
	// RSAPublicKeyFiles はkidごとのRSA公開鍵（PEM）ファイルのパス。
	RSAPublicKeyFiles map[string]string `mapstructure:"rsa_public_key_files"`
	// Issuers は受け入れる発行者。空の場合は確認しない。
	Issuers []string `mapstructure:"issuers"`
	// Leeway は有効期限判定の許容誤差。
	Leeway time.Duration `mapstructure:"leeway"`
	// CacheSize は検証済みトークンのキャッシュ件数。0で無効。
	CacheSize int `mapstructure:"cache_size"`
	// CacheTTL はキャッシュの保持時間。
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// AdminRole は管理APIに必要なロール。
	AdminRole string `mapstructure:"admin_role"`
}

// RateLimitConfig はレート制限の設定。
type RateLimitConfig struct {
	// Store はカウンタの保存先（memory/redis）。
	Store string `mapstructure:"store"`
	// Limit はウィンドウあたりの上限リクエスト数。
	Limit int `mapstructure:"limit"`
	// Window はウィンドウの長さ。
	Window time.Duration `mapstructure:"window"`
	// FailOpen がtrueの場合、ストア障害時にリクエストを許可する。
	FailOpen bool `mapstructure:"fail_open"`
	// Shards はmemoryストアのシャード数。
	Shards int `mapstructure:"shards"`
	// Redis はredisストアの接続設定。
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig はRedisの接続設定。
type RedisConfig struct {
	// Addr はRedisのアドレス。
	Addr string `mapstructure:"addr"`
	// Password はRedisのパスワード。
	Password string `mapstructure:"password"`
	// DB はRedisのDB番号。
	DB int `mapstructure:"db"`
	// DialTimeout は接続タイムアウト。
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// ReadTimeout は読み込みタイムアウト。
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout は書き込みタイムアウト。
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// BreakerConfig はサーキットブレーカーの設定。
type BreakerConfig struct {
	// FailureThreshold はOPENに移行する連続失敗数。
	FailureThreshold int `mapstructure:"failure_threshold"`
	// CoolDown はHALF_OPENに移行するまでの時間。
	CoolDown time.Duration `mapstructure:"cool_down"`
	// FailureWindow は連続失敗を数える期間。
	FailureWindow time.Duration `mapstructure:"failure_window"`
}

// DispatchConfig はバックエンド転送の設定。
type DispatchConfig struct {
	// Timeout はバックエンド呼び出しのタイムアウト。
	Timeout time.Duration `mapstructure:"timeout"`
	// ServerErrorMin はサーバーエラーとみなすステータスの下限。
	ServerErrorMin int `mapstructure:"server_error_min"`
	// ServerErrorMax はサーバーエラーとみなすステータスの上限。
	ServerErrorMax int `mapstructure:"server_error_max"`
	// MaxBodyBytes はリクエストボディの上限。
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// MaxResponseBytes はレスポンスボディの上限。
	MaxResponseBytes int64 `mapstructure:"max_response_bytes"`
	// InternalSecret はX-Internal-Secretヘッダーに設定する値。
	InternalSecret string `mapstructure:"internal_secret"`
}

// RouteStoreConfig はルート定義の読み込み元の設定。
type RouteStoreConfig struct {
	// Driver は読み込み元（config/sqlite）。
	Driver string `mapstructure:"driver"`
	// DSN はsqliteのデータソース名。
	DSN string `mapstructure:"dsn"`
	// ReloadSchedule は定期再読み込みのスケジュール（例: "@every 30s"）。空で無効。
	ReloadSchedule string `mapstructure:"reload_schedule"`
	// ReloadTimeout は1回の再読み込みのタイムアウト。
	ReloadTimeout time.Duration `mapstructure:"reload_timeout"`
}

// serviceDef は既定ルートの元になるバックエンドサービスの定義。
type serviceDef struct {
	backend string
	name    string
	envVar  string
	url     string
}

// knownServices は大学プラットフォームのバックエンドサービス。
var knownServices = []serviceDef{
	{backend: "auth-service", name: "Auth Service", envVar: "AUTH_SERVICE_URL", url: "http://localhost:8081"},
	{backend: "user-service", name: "User Service", envVar: "USER_SERVICE_URL", url: "http://localhost:8082"},
	{backend: "resource-service", name: "Resource Service", envVar: "RESOURCE_SERVICE_URL", url: "http://localhost:8083"},
	{backend: "booking-service", name: "Booking Service", envVar: "BOOKING_SERVICE_URL", url: "http://localhost:8084"},
	{backend: "marketplace-service", name: "Marketplace Service", envVar: "MARKETPLACE_SERVICE_URL", url: "http://localhost:8085"},
	{backend: "payment-service", name: "Payment Service", envVar: "PAYMENT_SERVICE_URL", url: "http://localhost:8086"},
	{backend: "exam-service", name: "Exam Service", envVar: "EXAM_SERVICE_URL", url: "http://localhost:8087"},
	{backend: "notification-service", name: "Notification Service", envVar: "NOTIFICATION_SERVICE_URL", url: "http://localhost:8088"},
	{backend: "iot-service", name: "IoT Service", envVar: "IOT_SERVICE_URL", url: "http://localhost:8089"},
	{backend: "tracking-service", name: "Tracking Service", envVar: "TRACKING_SERVICE_URL", url: "http://localhost:8090"},
}

// serviceName はバックエンドIDの表示名を返す。
func serviceName(backend string) string {
	for _, s := range knownServices {
		if s.backend == backend {
			return s.name
		}
	}
	return ""
}

// DefaultRoutes は既定のルートテーブルを返す。
// 認証サービスのみ公開で、それ以外は認証を要求する。
// target_urlは空で、ResolveRoutesがServicesから補う。
func DefaultRoutes() []route.Route {
	def := func(id, backend, pattern string, public bool) route.Route {
		return route.Route{ID: id, Backend: backend, Pattern: pattern, Public: public, ServiceName: serviceName(backend)}
	}
	return []route.Route{
		def("auth-service", "auth-service", "/api/auth/**", true),
		def("user-profiles", "user-service", "/api/profiles/**", false),
		def("user-service", "user-service", "/api/users/**", false),
		def("resource-service", "resource-service", "/api/resources/**", false),
		def("booking-service", "booking-service", "/api/bookings/**", false),
		def("marketplace-service", "marketplace-service", "/api/marketplace/**", false),
		def("payment-service", "payment-service", "/api/payments/**", false),
		def("exam-service", "exam-service", "/api/exams/**", false),
		def("exam-submissions", "exam-service", "/api/submissions/**", false),
		def("notification-service", "notification-service", "/api/notifications/**", false),
		def("iot-service", "iot-service", "/api/iot/**", false),
		def("iot-websocket", "iot-service", "/ws/iot/**", false),
		def("tracking-service", "tracking-service", "/api/tracking/**", false),
	}
}

// ResolveRoutes はtarget_urlとservice_nameを補ったルート定義を返す。
func (c *Config) ResolveRoutes() []route.Route {
	src := c.Routes
	if len(src) == 0 {
		src = DefaultRoutes()
	}
	out := make([]route.Route, len(src))
	for i, r := range src {
		if r.TargetURL == "" {
			r.TargetURL = c.Services[r.Backend]
		}
		if r.ServiceName == "" {
			r.ServiceName = serviceName(r.Backend)
		}
		out[i] = r
	}
	return out
}
