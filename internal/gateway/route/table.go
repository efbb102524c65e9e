package route

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Table はルートの不変スナップショット。構築後に変更されることはない。
type Table struct {
	routes   []compiledRoute
	loadedAt time.Time
	source   string
}

type compiledRoute struct {
	route   Route
	pattern pattern
}

// NewTable はルート定義を検証してテーブルを構築する。
// 評価順はroutesの並び順になる。
func NewTable(routes []Route, source string) (*Table, error) {
	seen := make(map[string]struct{}, len(routes))
	compiled := make([]compiledRoute, 0, len(routes))
	for i := range routes {
		r := routes[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("ルートIDが重複しています: %q", r.ID)
		}
		seen[r.ID] = struct{}{}

		p, _ := compilePattern(r.Pattern)
		r.Methods = append([]string(nil), r.Methods...)
		if r.RateLimit != nil {
			rl := *r.RateLimit
			r.RateLimit = &rl
		}
		compiled = append(compiled, compiledRoute{route: r, pattern: p})
	}
	return &Table{routes: compiled, loadedAt: time.Now(), source: source}, nil
}

// Match はmethodとpathに最初に一致したルートを返す。
func (t *Table) Match(method, path string) (*Route, bool) {
	if t == nil {
		return nil, false
	}
	for i := range t.routes {
		cr := &t.routes[i]
		if cr.pattern.match(path) && cr.route.AllowsMethod(method) {
			r := cr.route
			return &r, true
		}
	}
	return nil, false
}

// Routes は宣言順のルート一覧のコピーを返す。
func (t *Table) Routes() []Route {
	if t == nil {
		return nil
	}
	out := make([]Route, len(t.routes))
	for i := range t.routes {
		out[i] = t.routes[i].route
	}
	return out
}

// Len はルート数を返す。
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// LoadedAt はテーブルの構築時刻を返す。
func (t *Table) LoadedAt() time.Time {
	return t.loadedAt
}

// Source はテーブルの読み込み元を返す。
func (t *Table) Source() string {
	return t.source
}

// Registry は現在有効なテーブルを保持する。
// Swap による差し替えはアトミックで、Match は常に1つのスナップショットだけを参照する。
type Registry struct {
	current atomic.Pointer[Table]
}

// NewRegistry は初期テーブルを持つRegistryを生成する。
func NewRegistry(initial *Table) *Registry {
	r := &Registry{}
	if initial != nil {
		r.current.Store(initial)
	}
	return r
}

// Table は現在のスナップショットを返す。
func (r *Registry) Table() *Table {
	return r.current.Load()
}

// Swap はテーブルを差し替え、以前のテーブルを返す。
func (r *Registry) Swap(t *Table) *Table {
	return r.current.Swap(t)
}

// Match は現在のスナップショットでルートを解決する。
func (r *Registry) Match(method, path string) (*Route, bool) {
	return r.current.Load().Match(method, path)
}
