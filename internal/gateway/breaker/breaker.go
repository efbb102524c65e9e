// Package breaker はバックエンド単位のサーキットブレーカーを提供する。
//
// 状態はCLOSED・OPEN・HALF_OPENの3つ。
// CLOSEDで連続失敗数が閾値に達するとOPENになり、呼び出しは即座に拒否される。
// クールダウン経過後の最初のAllowでHALF_OPENに移り、1件だけプローブを通す。
// プローブが成功すればCLOSEDに、失敗すればOPENに戻る。
//
// 各バックエンドは独自のロックを持つため、無関係なバックエンド同士は競合しない。
package breaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State はサーキットブレーカーの状態。
type State int

const (
	// StateClosed は通常状態。
	StateClosed State = iota
	// StateOpen は呼び出しを遮断している状態。
	StateOpen
	// StateHalfOpen はプローブで回復を確認している状態。
	StateHalfOpen
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText は状態名をテキストとして返す。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config はサーキットブレーカーの設定。
type Config struct {
	// FailureThreshold はOPENに移行する連続失敗数。
	FailureThreshold int
	// CoolDown はOPENからHALF_OPENに移行するまでの時間。
	CoolDown time.Duration
	// FailureWindow は連続失敗を数える期間。最初の失敗からこの期間を過ぎると数え直す。
	FailureWindow time.Duration
	// Now は現在時刻の取得関数。nilの場合はtime.Now。
	Now func() time.Time
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		FailureWindow:    60 * time.Second,
	}
}

// Permit はAllowが発行する呼び出し許可。RecordResultに渡して結果を報告する。
type Permit struct {
	backend    string
	generation uint64
	probe      bool
}

// Probe はHALF_OPENのプローブとして発行された許可であればtrueを返す。
func (p Permit) Probe() bool {
	return p.probe
}

// Snapshot はある時点のブレーカーの状態。
type Snapshot struct {
	// Backend はバックエンドID。
	Backend string `json:"backend"`
	// State は状態。
	State State `json:"state"`
	// ConsecutiveFailures は連続失敗数。
	ConsecutiveFailures int `json:"consecutive_failures"`
	// OpenedAt は最後にOPENになった時刻。
	OpenedAt time.Time `json:"opened_at,omitzero"`
	// ProbeInFlight はプローブが実行中であればtrue。
	ProbeInFlight bool `json:"half_open_probe_in_flight"`
}

// Registry はバックエンドごとのサーキットブレーカーを管理する。
type Registry struct {
	cfg      Config
	logger   *zap.Logger
	breakers sync.Map // map[string]*circuit
}

// NewRegistry は新しいRegistryを生成する。
// 0以下の設定値は既定値で補う。
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = def.CoolDown
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{cfg: cfg, logger: logger}
}

// circuit は1つのバックエンドの状態機械。
type circuit struct {
	mu            sync.Mutex
	backend       string
	state         State
	failures      int
	firstFailure  time.Time
	openedAt      time.Time
	probeInFlight bool
	// generation は状態遷移のたびに増える。古い世代のPermitによる報告は無視する。
	generation uint64
}

func (r *Registry) get(backendID string) *circuit {
	if c, ok := r.breakers.Load(backendID); ok {
		return c.(*circuit)
	}
	c, _ := r.breakers.LoadOrStore(backendID, &circuit{backend: backendID})
	return c.(*circuit)
}

// Allow はbackendIDへの呼び出しを許可するかを判定する。
// 許可した場合は呼び出し後にRecordResultで結果を報告すること。
func (r *Registry) Allow(backendID string) (Permit, bool) {
	c := r.get(backendID)
	now := r.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return Permit{backend: backendID, generation: c.generation}, true
	case StateOpen:
		if now.Sub(c.openedAt) < r.cfg.CoolDown {
			return Permit{}, false
		}
		r.transition(c, StateHalfOpen)
		c.probeInFlight = true
		return Permit{backend: backendID, generation: c.generation, probe: true}, true
	case StateHalfOpen:
		if c.probeInFlight {
			return Permit{}, false
		}
		c.probeInFlight = true
		return Permit{backend: backendID, generation: c.generation, probe: true}, true
	}
	return Permit{}, false
}

// RecordResult はAllowで許可した呼び出しの結果を報告する。
// 許可の発行後に状態が遷移していた場合、その報告は無視される。
func (r *Registry) RecordResult(p Permit, succeeded bool) {
	if p.backend == "" {
		return
	}
	c := r.get(p.backend)
	now := r.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if p.generation != c.generation {
		return
	}

	switch c.state {
	case StateClosed:
		if succeeded {
			c.failures = 0
			return
		}
		if c.failures > 0 && now.Sub(c.firstFailure) > r.cfg.FailureWindow {
			c.failures = 0
		}
		if c.failures == 0 {
			c.firstFailure = now
		}
		c.failures++
		if c.failures >= r.cfg.FailureThreshold {
			c.openedAt = now
			r.transition(c, StateOpen)
		}
	case StateHalfOpen:
		if !p.probe {
			return
		}
		c.probeInFlight = false
		if succeeded {
			c.failures = 0
			r.transition(c, StateClosed)
			return
		}
		c.openedAt = now
		r.transition(c, StateOpen)
	}
}

// Release は結果を報告せずに許可を返却する。
// バックエンドに到達しなかった呼び出しに使い、失敗回数には数えない。
// HALF_OPENのプローブを返却した場合は、次の呼び出しが新たなプローブになる。
func (r *Registry) Release(p Permit) {
	if p.backend == "" || !p.probe {
		return
	}
	c := r.get(p.backend)

	c.mu.Lock()
	defer c.mu.Unlock()

	if p.generation == c.generation && c.state == StateHalfOpen {
		c.probeInFlight = false
	}
}

// transition は状態を遷移させる。呼び出し側がロックを保持すること。
func (r *Registry) transition(c *circuit, to State) {
	from := c.state
	c.state = to
	c.generation++
	if to != StateHalfOpen {
		c.probeInFlight = false
	}

	fields := []zap.Field{
		zap.String("backend_id", c.backend),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("consecutive_failures", c.failures),
	}
	if to == StateOpen {
		r.logger.Warn("サーキットブレーカーがOPENになりました", fields...)
		return
	}
	r.logger.Info("サーキットブレーカーの状態が変化しました", fields...)
}

// State はbackendIDの現在の状態を返す。
// OPENのままクールダウンを過ぎている場合もOPENを返す（遷移はAllowで行う）。
func (r *Registry) State(backendID string) State {
	c, ok := r.breakers.Load(backendID)
	if !ok {
		return StateClosed
	}
	cc := c.(*circuit)
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.state
}

// Snapshot はすべてのブレーカーの状態をバックエンドID順に返す。
func (r *Registry) Snapshot() []Snapshot {
	var out []Snapshot
	r.breakers.Range(func(_, v any) bool {
		c := v.(*circuit)
		c.mu.Lock()
		out = append(out, Snapshot{
			Backend:             c.backend,
			State:               c.state,
			ConsecutiveFailures: c.failures,
			OpenedAt:            c.openedAt,
			ProbeInFlight:       c.probeInFlight,
		})
		c.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
