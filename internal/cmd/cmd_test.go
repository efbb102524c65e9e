package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nao1215/unigate/internal/config"
	"github.com/nao1215/unigate/internal/gateway/route"
	"github.com/nao1215/unigate/pkg/middleware"
)

const testSecret = "cli-test-secret"

func TestIssueToken(t *testing.T) {
	t.Parallel()

	t.Run("ロールは大文字に正規化される", func(t *testing.T) {
		t.Parallel()

		raw, err := issueToken(testSecret, &tokenOptions{subject: "student-1", roles: []string{" student ", ""}, ttl: time.Hour}, time.Now())
		if err != nil {
			t.Fatalf("トークンの発行に失敗: %v", err)
		}
		v, err := middleware.NewTokenValidator(middleware.ValidatorConfig{
			Keys: middleware.KeySet{HMAC: map[string][]byte{"": []byte(testSecret)}},
		})
		if err != nil {
			t.Fatal(err)
		}
		tok, err := v.Validate(raw)
		if err != nil {
			t.Fatalf("発行したトークンの検証に失敗: %v", err)
		}
		if tok.Subject != "student-1" {
			t.Errorf("Subject: got %q, want %q", tok.Subject, "student-1")
		}
		if !tok.HasRole("STUDENT") {
			t.Errorf("Roles: got %v, want STUDENT", tok.Roles)
		}
	})

	t.Run("subなしはエラー", func(t *testing.T) {
		t.Parallel()

		if _, err := issueToken(testSecret, &tokenOptions{subject: " "}, time.Now()); err == nil {
			t.Fatal("エラーになりませんでした")
		}
	})
}

func TestRenderRoutes(t *testing.T) {
	t.Parallel()

	out := renderRoutes([]route.Route{
		{ID: "auth-service", Backend: "auth-service", Pattern: "/api/auth/**", TargetURL: "http://auth:8081", Public: true},
		{ID: "payment-service", Backend: "payment-service", Pattern: "/api/payments/**", TargetURL: "http://payment:8086",
			Methods: []string{"GET", "POST"}, RequiredRole: "STUDENT", RateLimit: &route.RateLimit{Limit: 5, Window: time.Minute}},
	})

	for _, want := range []string{"auth-service", "public", "GET,POST", "role:STUDENT", "5/1m0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("出力に %q が含まれていません:\n%s", want, out)
		}
	}
}

func TestImportRoutes(t *testing.T) {
	t.Parallel()

	dsn := "file:" + filepath.Join(t.TempDir(), "routes.db")
	yaml := `routes:
  - id: exam-service
    backend: exam-service
    pattern: /api/exams/**
    target_url: http://exam:8087
  - id: auth-service
    backend: auth-service
    pattern: /api/auth/**
    target_url: http://auth:8081
    public: true
`
	n, err := importRoutes(context.Background(), strings.NewReader(yaml), dsn)
	if err != nil {
		t.Fatalf("取り込みに失敗: %v", err)
	}
	if n != 2 {
		t.Errorf("件数: got %d, want 2", n)
	}

	store, err := route.OpenSQLite(context.Background(), dsn, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close() //nolint:errcheck

	routes, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 || routes[0].ID != "exam-service" || !routes[1].Public {
		t.Errorf("読み込んだルート: got %+v", routes)
	}
}

func TestRoutesListRemote(t *testing.T) {
	t.Parallel()

	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/gateway/routes" {
			http.NotFound(w, r)
			return
		}
		gotAuth <- r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(routesResponse{
			Routes: []route.Route{{ID: "tracking-service", Backend: "tracking-service", Pattern: "/api/tracking/**", TargetURL: "http://tracking:8090"}},
			Count:  1,
			Source: "sqlite",
		})
	}))
	defer srv.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"routes", "list", "--remote", "--addr", srv.URL, "--token", "admin-token", "--env-file", filepath.Join(t.TempDir(), "none.env")})

	if err := root.Execute(); err != nil {
		t.Fatalf("コマンドの実行に失敗: %v", err)
	}
	if got := <-gotAuth; got != "Bearer admin-token" {
		t.Errorf("Authorization: got %q, want %q", got, "Bearer admin-token")
	}
	if !strings.Contains(out.String(), "tracking-service") {
		t.Errorf("出力にtracking-serviceが含まれていません:\n%s", out.String())
	}
}

func TestRenderCircuits(t *testing.T) {
	t.Parallel()

	out := renderCircuits([]circuitSnapshot{{Backend: "exam-service", State: "OPEN", ConsecutiveFailures: 5, OpenedAt: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}})
	for _, want := range []string{"exam-service", "OPEN", "2026-01-10T09:00:00Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("出力に %q が含まれていません:\n%s", want, out)
		}
	}
}

func TestConfigFields(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Server:   config.ServerConfig{Addr: ":8080"},
		Auth:     config.AuthConfig{JWTSecret: "jwt-signing-secret-value"},
		Dispatch: config.DispatchConfig{InternalSecret: "short"},
		RateLimit: config.RateLimitConfig{
			Store: "redis",
			Redis: config.RedisConfig{Addr: "localhost:6379", Password: "redis-password-1234"},
		},
	}

	core, logs := observer.New(zapcore.InfoLevel)
	zap.New(core).Info("設定を読み込みました", configFields(cfg)...)
	fields := logs.All()[0].ContextMap()

	tests := []struct {
		key  string
		want string
	}{
		{key: "addr", want: ":8080"},
		{key: "jwt_secret", want: "jwt-****************alue"},
		{key: "internal_secret", want: "*****"},
		{key: "redis_password", want: "redi***********1234"},
		{key: "redis_addr", want: "localhost:6379"},
	}
	for _, tt := range tests {
		if got := fields[tt.key]; got != tt.want {
			t.Errorf("%s: got %v, want %q", tt.key, got, tt.want)
		}
	}
	for k, v := range fields {
		if s, ok := v.(string); ok && (s == cfg.Auth.JWTSecret || s == cfg.RateLimit.Redis.Password) {
			t.Errorf("秘密情報がそのまま出力されています: %s", k)
		}
	}
}
