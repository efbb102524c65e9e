package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// defaultShards はMemoryStoreの既定シャード数。
const defaultShards = 64

// MemoryStore はプロセス内でカウンタを保持するStore。
// キーのハッシュで独立したロックを持つシャードに分割し、無関係なキー同士は競合しない。
type MemoryStore struct {
	shards []*shard
	now    func() time.Time
	// sweepInterval はシャード内の期限切れウィンドウを掃除する最短間隔。
	sweepInterval time.Duration
}

type shard struct {
	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

type window struct {
	count   int64
	expires time.Time
}

// MemoryOption はMemoryStoreの設定を変更する関数。
type MemoryOption func(*MemoryStore)

// WithShards はシャード数を設定する。
func WithShards(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shards = make([]*shard, n)
		}
	}
}

// WithClock は現在時刻の取得関数を設定する。
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweepInterval は期限切れウィンドウの掃除間隔を設定する。
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.sweepInterval = d
	}
}

// NewMemoryStore は新しいMemoryStoreを生成する。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		shards:        make([]*shard, defaultShards),
		now:           time.Now,
		sweepInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return s
}

// Incr はStoreを実装する。
func (s *MemoryStore) Incr(_ context.Context, key string, d time.Duration) (int64, time.Duration, error) {
	sh := s.shardFor(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(d)}
		sh.windows[key] = w
	}
	w.count++
	ttl := w.expires.Sub(now)

	if now.Sub(sh.lastSweep) >= s.sweepInterval {
		sh.sweep(now)
	}
	return w.count, ttl, nil
}

// Len は保持しているウィンドウの数を返す。
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// sweep は期限切れのウィンドウを削除する。呼び出し側がロックを保持すること。
func (sh *shard) sweep(now time.Time) {
	for k, w := range sh.windows {
		if !now.Before(w.expires) {
			delete(sh.windows, k)
		}
	}
	sh.lastSweep = now
}
