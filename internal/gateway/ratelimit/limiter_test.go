package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock はテスト用の手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// errorStore は常に失敗するStore。
type errorStore struct{}

func (errorStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func newTestLimiter(t *testing.T, store Store, limit int, window time.Duration) *Limiter {
	t.Helper()

	l, err := New(store, Config{Limit: limit, Window: window, FailOpen: true}, nil)
	if err != nil {
		t.Fatalf("New()でエラーが発生: %v", err)
	}
	return l
}

// TestNew はLimiterの生成時の検証を確認する。
func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, Config{Limit: 1, Window: time.Second}, nil); err == nil {
		t.Error("ストアがnilの場合にエラーを返すべき")
	}
	if _, err := New(NewMemoryStore(), Config{Limit: 0, Window: time.Second}, nil); err == nil {
		t.Error("limitが0の場合にエラーを返すべき")
	}
	if _, err := New(NewMemoryStore(), Config{Limit: 1, Window: 0}, nil); err == nil {
		t.Error("windowが0の場合にエラーを返すべき")
	}
}

// TestLimiterAllow は固定ウィンドウでの許可・拒否を検証する。
func TestLimiterAllow(t *testing.T) {
	t.Parallel()

	t.Run("上限を超えた11回目が拒否されRetryAfterが60秒以下であること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		l := newTestLimiter(t, NewMemoryStore(WithClock(clock.Now)), 10, time.Minute)
		p := l.DefaultPolicy()

		for i := 1; i <= 10; i++ {
			d, err := l.Allow(context.Background(), "student-1", p)
			if err != nil {
				t.Fatalf("Allow()でエラーが発生: %v", err)
			}
			if !d.Allowed {
				t.Fatalf("%d回目が拒否された", i)
			}
			if d.Remaining != 10-i {
				t.Errorf("%d回目のRemaining = %d, want %d", i, d.Remaining, 10-i)
			}
			clock.Advance(time.Second)
		}

		d, err := l.Allow(context.Background(), "student-1", p)
		if err != nil {
			t.Fatalf("Allow()でエラーが発生: %v", err)
		}
		if d.Allowed {
			t.Fatal("11回目が許可された")
		}
		if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
			t.Errorf("RetryAfter = %v, want (0, 60s]", d.RetryAfter)
		}
		if d.RetryAfter != 50*time.Second {
			t.Errorf("RetryAfter = %v, want 50s", d.RetryAfter)
		}
		if d.Remaining != 0 {
			t.Errorf("Remaining = %d, want 0", d.Remaining)
		}
	})

	t.Run("ウィンドウ経過後に遅延的にリセットされること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		l := newTestLimiter(t, NewMemoryStore(WithClock(clock.Now)), 2, time.Minute)
		p := l.DefaultPolicy()

		for i := 0; i < 3; i++ {
			_, _ = l.Allow(context.Background(), "student-1", p)
		}
		clock.Advance(time.Minute)

		d, _ := l.Allow(context.Background(), "student-1", p)
		if !d.Allowed {
			t.Error("ウィンドウ経過後のリクエストが拒否された")
		}
		if d.Remaining != 1 {
			t.Errorf("Remaining = %d, want 1", d.Remaining)
		}
	})

	t.Run("クライアントごとに独立して数えること", func(t *testing.T) {
		t.Parallel()

		l := newTestLimiter(t, NewMemoryStore(), 1, time.Minute)
		p := l.DefaultPolicy()

		if d, _ := l.Allow(context.Background(), "student-1", p); !d.Allowed {
			t.Error("student-1の1回目が拒否された")
		}
		if d, _ := l.Allow(context.Background(), "student-2", p); !d.Allowed {
			t.Error("student-2の1回目が拒否された")
		}
		if d, _ := l.Allow(context.Background(), "student-1", p); d.Allowed {
			t.Error("student-1の2回目が許可された")
		}
	})

	t.Run("ポリシーごとに名前空間が分かれること", func(t *testing.T) {
		t.Parallel()

		l := newTestLimiter(t, NewMemoryStore(), 1, time.Minute)
		exams := Policy{Name: "exam-service", Limit: 1, Window: time.Minute}

		if d, _ := l.Allow(context.Background(), "student-1", l.DefaultPolicy()); !d.Allowed {
			t.Error("既定ポリシーの1回目が拒否された")
		}
		if d, _ := l.Allow(context.Background(), "student-1", exams); !d.Allowed {
			t.Error("ルート固有ポリシーの1回目が拒否された")
		}
	})

	t.Run("不正なポリシーは既定値で補われること", func(t *testing.T) {
		t.Parallel()

		l := newTestLimiter(t, NewMemoryStore(), 3, time.Minute)
		d, _ := l.Allow(context.Background(), "student-1", Policy{Name: "broken"})
		if d.Limit != 3 {
			t.Errorf("Limit = %d, want 3", d.Limit)
		}
	})
}

// TestLimiterStoreFailure はStore障害時の挙動を検証する。
func TestLimiterStoreFailure(t *testing.T) {
	t.Parallel()

	t.Run("FailOpenの場合は許可されること", func(t *testing.T) {
		t.Parallel()

		l, _ := New(errorStore{}, Config{Limit: 5, Window: time.Minute, FailOpen: true}, nil)
		d, err := l.Allow(context.Background(), "student-1", l.DefaultPolicy())
		if err != nil {
			t.Fatalf("Allow()でエラーが発生: %v", err)
		}
		if !d.Allowed || !d.Degraded {
			t.Errorf("Decision = %+v, want Allowed and Degraded", d)
		}
	})

	t.Run("FailOpenでない場合はErrStoreUnavailableが返ること", func(t *testing.T) {
		t.Parallel()

		l, _ := New(errorStore{}, Config{Limit: 5, Window: time.Minute, FailOpen: false}, nil)
		d, err := l.Allow(context.Background(), "student-1", l.DefaultPolicy())
		if !errors.Is(err, ErrStoreUnavailable) {
			t.Errorf("err = %v, want ErrStoreUnavailable", err)
		}
		if d.Allowed {
			t.Error("Store障害時に許可された")
		}
	})
}

// TestLimiterConcurrentBurst は同時アクセスでも上限を超えて許可しないことを検証する。
func TestLimiterConcurrentBurst(t *testing.T) {
	t.Parallel()

	const (
		limit   = 50
		workers = 32
		perG    = 20
	)

	l := newTestLimiter(t, NewMemoryStore(WithShards(4)), limit, time.Hour)
	p := l.DefaultPolicy()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				d, err := l.Allow(context.Background(), "burst-client", p)
				if err == nil && d.Allowed {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Errorf("許可数 = %d, want %d", got, limit)
	}
}
