package route

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reloader はStoreからルートを読み込み、Registryのテーブルを差し替える。
// 読み込みまたは検証に失敗した場合は以前のテーブルを維持する。
type Reloader struct {
	store    Store
	registry *Registry
	logger   *zap.Logger

	// mu はReloadの同時実行を防ぐ。
	mu   sync.Mutex
	cron *cron.Cron
}

// NewReloader は新しいReloaderを生成する。
func NewReloader(store Store, registry *Registry, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{store: store, registry: registry, logger: logger}
}

// Reload はルートを読み込み直してテーブルを差し替える。
func (r *Reloader) Reload(ctx context.Context) (*Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	routes, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Warn("ルートの読み込みに失敗したため以前のテーブルを維持します",
			zap.String("store", r.store.Name()), zap.Error(err))
		return nil, fmt.Errorf("ルートの読み込みに失敗: %w", err)
	}
	table, err := NewTable(routes, r.store.Name())
	if err != nil {
		r.logger.Warn("ルート定義が不正なため以前のテーブルを維持します",
			zap.String("store", r.store.Name()), zap.Error(err))
		return nil, fmt.Errorf("ルートテーブルの構築に失敗: %w", err)
	}

	prev := r.registry.Swap(table)
	r.logger.Info("ルートテーブルを更新しました",
		zap.String("store", r.store.Name()),
		zap.Int("routes", table.Len()),
		zap.Int("previous_routes", prev.Len()),
	)
	return table, nil
}

// Start はscheduleに従って定期的にReloadを実行する。
// scheduleはcron式または"@every 30s"形式。空の場合は何もしない。
func (r *Reloader) Start(schedule string, timeout time.Duration) error {
	if schedule == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, _ = r.Reload(ctx)
	}); err != nil {
		return fmt.Errorf("ルート再読み込みジョブの登録に失敗: %w", err)
	}

	c.Start()
	r.cron = c
	r.logger.Info("ルート再読み込みジョブを開始しました", zap.String("schedule", schedule))
	return nil
}

// Stop は定期実行を停止し、実行中のジョブの完了を待つ。
func (r *Reloader) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
