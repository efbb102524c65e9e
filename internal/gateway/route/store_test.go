package route

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testYAML = `
routes:
  - id: auth-service
    backend: auth-service
    pattern: /api/auth/**
    target_url: http://auth-service:8081
    public: true
    service_name: Auth Service
  - id: exam-service
    backend: exam-service
    pattern: /api/exams/**
    methods: [GET, POST]
    target_url: http://exam-service:8087
    required_role: INSTRUCTOR
    rate_limit:
      limit: 10
      window: 60s
`

func TestParseYAML(t *testing.T) {
	routes, err := ParseYAML(strings.NewReader(testYAML))
	require.NoError(t, err)
	require.Len(t, routes, 2)

	assert.Equal(t, "auth-service", routes[0].ID)
	assert.True(t, routes[0].Public)
	assert.Equal(t, "Auth Service", routes[0].DisplayName())

	assert.Equal(t, []string{"GET", "POST"}, routes[1].Methods)
	assert.Equal(t, "INSTRUCTOR", routes[1].RequiredRole)
	require.NotNil(t, routes[1].RateLimit)
	assert.Equal(t, 10, routes[1].RateLimit.Limit)
	assert.Equal(t, 60*time.Second, routes[1].RateLimit.Window)
	assert.Equal(t, "exam-service", routes[1].DisplayName())
}

func TestParseYAML_Invalid(t *testing.T) {
	t.Run("未知のフィールドはエラー", func(t *testing.T) {
		_, err := ParseYAML(strings.NewReader("routes:\n  - id: x\n    uri: http://x\n"))
		assert.Error(t, err)
	})

	t.Run("不正なルートはエラー", func(t *testing.T) {
		_, err := ParseYAML(strings.NewReader("routes:\n  - id: x\n    backend: x\n    pattern: nope\n    target_url: http://x:1\n"))
		assert.Error(t, err)
	})
}

func TestMarshalYAML_RoundTrip(t *testing.T) {
	routes, err := ParseYAML(strings.NewReader(testYAML))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, MarshalYAML(&buf, routes))

	again, err := ParseYAML(&buf)
	require.NoError(t, err)
	assert.Equal(t, routes, again)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "routes.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	t.Run("空のストアからは何も読み込まない", func(t *testing.T) {
		routes, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, routes)
	})

	t.Run("置き換え後も宣言順を保つ", func(t *testing.T) {
		routes := testRoutes()
		routes[2].RateLimit = &RateLimit{Limit: 10, Window: time.Minute}
		require.NoError(t, store.Replace(ctx, routes))

		loaded, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, routes, loaded)
	})

	t.Run("不正なルートでの置き換えは拒否され既存の行が残る", func(t *testing.T) {
		err := store.Replace(ctx, []Route{{ID: "broken"}})
		require.Error(t, err)

		loaded, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, loaded, len(testRoutes()))
	})
}

// failingStore はLoadが常に失敗するStore。
type failingStore struct{}

func (failingStore) Load(context.Context) ([]Route, error) { return nil, errors.New("store down") }
func (failingStore) Name() string                          { return "failing" }

func TestReloader(t *testing.T) {
	ctx := context.Background()

	t.Run("再読み込みでテーブルが入れ替わる", func(t *testing.T) {
		registry := NewRegistry(nil)
		reloader := NewReloader(NewConfigStore(testRoutes()), registry, zap.NewNop())

		table, err := reloader.Reload(ctx)
		require.NoError(t, err)
		assert.Same(t, table, registry.Table())
		assert.Equal(t, "config", table.Source())

		r, ok := registry.Match(http.MethodGet, "/api/exams/1")
		require.True(t, ok)
		assert.Equal(t, "exam-service", r.ID)
	})

	t.Run("読み込みに失敗した場合は以前のテーブルを保つ", func(t *testing.T) {
		initial, err := NewTable(testRoutes(), "config")
		require.NoError(t, err)
		registry := NewRegistry(initial)

		_, err = NewReloader(failingStore{}, registry, zap.NewNop()).Reload(ctx)
		require.Error(t, err)
		assert.Same(t, initial, registry.Table())
	})

	t.Run("不正なルートの場合は以前のテーブルを保つ", func(t *testing.T) {
		initial, err := NewTable(testRoutes(), "config")
		require.NoError(t, err)
		registry := NewRegistry(initial)

		_, err = NewReloader(NewConfigStore([]Route{{ID: "broken"}}), registry, zap.NewNop()).Reload(ctx)
		require.Error(t, err)
		assert.Same(t, initial, registry.Table())
	})

	t.Run("定期再読み込みでストアの変更を取り込む", func(t *testing.T) {
		store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "routes.db"), zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		registry := NewRegistry(nil)
		reloader := NewReloader(store, registry, zap.NewNop())
		require.NoError(t, reloader.Start("@every 1s", time.Second))
		t.Cleanup(reloader.Stop)

		require.NoError(t, store.Replace(ctx, testRoutes()))

		assert.Eventually(t, func() bool {
			return registry.Table().Len() == len(testRoutes())
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("不正なスケジュールはエラー", func(t *testing.T) {
		reloader := NewReloader(NewConfigStore(nil), NewRegistry(nil), zap.NewNop())
		assert.Error(t, reloader.Start("every now and then", time.Second))
	})

	t.Run("スケジュールが空の場合はcronを起動しない", func(t *testing.T) {
		reloader := NewReloader(NewConfigStore(nil), NewRegistry(nil), zap.NewNop())
		require.NoError(t, reloader.Start("", time.Second))
		reloader.Stop()
	})
}
