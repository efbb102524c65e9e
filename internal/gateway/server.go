package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/unigate/internal/config"
	"github.com/nao1215/unigate/internal/gateway/breaker"
	"github.com/nao1215/unigate/internal/gateway/dispatch"
	"github.com/nao1215/unigate/internal/gateway/ratelimit"
	"github.com/nao1215/unigate/internal/gateway/route"
	"github.com/nao1215/unigate/pkg/middleware"
)

// Version はゲートウェイのバージョン。
const Version = "1.0.0"

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はゲートウェイの設定。
	cfg *config.Config
	// logger は構造化ロガー。
	logger *zap.Logger
	// validator はアクセストークンの検証器。
	validator *middleware.TokenValidator
	// routes は現在のルートテーブル。
	routes *route.Registry
	// reloader はルートテーブルの再読み込みを行う。
	reloader *route.Reloader
	// breakers はバックエンドごとのサーキットブレーカー。
	breakers *breaker.Registry
	// pipeline はプロキシ対象リクエストの処理パイプライン。
	pipeline *Pipeline
	// rdb はレート制限に使うRedisクライアント。memoryストアの場合はnil。
	rdb *redis.Client
	// closeRouteStore はルートストアの後始末を行う。
	closeRouteStore func() error
}

// NewServer は設定から新しいGatewayサーバーを生成する。
// 初回のルート読み込みに失敗した場合はエラーを返す。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	validator, err := NewValidator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("トークン検証器の初期化に失敗: %w", err)
	}

	store, rdb, err := newLimiterStore(ctx, cfg.RateLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("レート制限ストアの初期化に失敗: %w", err)
	}
	limiter, err := ratelimit.New(store, ratelimit.Config{
		Limit:    cfg.RateLimit.Limit,
		Window:   cfg.RateLimit.Window,
		FailOpen: cfg.RateLimit.FailOpen,
	}, logger)
	if err != nil {
		closeRedis(rdb)
		return nil, fmt.Errorf("レートリミッタの初期化に失敗: %w", err)
	}

	routeStore, closeRouteStore, err := newRouteStore(ctx, cfg, logger)
	if err != nil {
		closeRedis(rdb)
		return nil, fmt.Errorf("ルートストアの初期化に失敗: %w", err)
	}
	registry := route.NewRegistry(nil)
	reloader := route.NewReloader(routeStore, registry, logger)
	if _, err := reloader.Reload(ctx); err != nil {
		closeRedis(rdb)
		_ = closeRouteStore()
		return nil, fmt.Errorf("ルートテーブルの初期化に失敗: %w", err)
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CoolDown:         cfg.Breaker.CoolDown,
		FailureWindow:    cfg.Breaker.FailureWindow,
	}, logger)

	dispatcher := dispatch.New(dispatch.Config{
		Timeout:          cfg.Dispatch.Timeout,
		ServerErrorMin:   cfg.Dispatch.ServerErrorMin,
		ServerErrorMax:   cfg.Dispatch.ServerErrorMax,
		InternalSecret:   cfg.Dispatch.InternalSecret,
		MaxResponseBytes: cfg.Dispatch.MaxResponseBytes,
	}, nil)

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		closeRedis(rdb)
		_ = closeRouteStore()
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.Server.CORSOrigins, logger))

	s := &Server{
		router:    router,
		cfg:       cfg,
		logger:    logger,
		validator: validator,
		routes:    registry,
		reloader:  reloader,
		breakers:  breakers,
		pipeline: NewPipeline(PipelineDeps{
			Routes:       registry,
			Validator:    validator,
			Limiter:      limiter,
			Breakers:     breakers,
			Dispatcher:   dispatcher,
			Logger:       logger,
			MaxBodyBytes: cfg.Dispatch.MaxBodyBytes,
		}),
		rdb:             rdb,
		closeRouteStore: closeRouteStore,
	}
	s.setupRoutes()

	return s, nil
}

func closeRedis(rdb *redis.Client) {
	if rdb != nil {
		_ = rdb.Close()
	}
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	gw := s.router.Group("/api/gateway")
	gw.Use(middleware.AccessLog(s.logger))
	{
		gw.GET("/health", s.handleHealth())
		gw.GET("/info", s.handleInfo())
	}

	// 管理API（ADMINロールが必要）
	admin := gw.Group("")
	admin.Use(middleware.JWTAuth(s.validator), middleware.RequireRole(s.cfg.Auth.AdminRole))
	{
		admin.GET("/routes", s.handleListRoutes())
		admin.POST("/routes/reload", s.handleReloadRoutes())
		admin.GET("/circuits", s.handleListCircuits())
	}

	// それ以外のリクエストはすべてパイプラインで処理する
	s.router.NoRoute(s.pipeline.ServeHTTP)
}

// handleHealth はヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "UP",
			"service":   "api-gateway",
			"timestamp": time.Now().UTC(),
		})
	}
}

// handleInfo はゲートウェイ情報のハンドラを返す。
func (s *Server) handleInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":     "API Gateway",
			"version":     Version,
			"description": "University Management System API Gateway",
			"timestamp":   time.Now().UTC(),
		})
	}
}

// handleListRoutes は現在のルートテーブルを返すハンドラを返す。
func (s *Server) handleListRoutes() gin.HandlerFunc {
	return func(c *gin.Context) {
		table := s.routes.Table()
		c.JSON(http.StatusOK, gin.H{
			"routes":    table.Routes(),
			"count":     table.Len(),
			"source":    table.Source(),
			"loaded_at": table.LoadedAt(),
		})
	}
}

// handleReloadRoutes はルートテーブルを再読み込みするハンドラを返す。
// 失敗した場合は以前のテーブルが維持される。
func (s *Server) handleReloadRoutes() gin.HandlerFunc {
	return func(c *gin.Context) {
		table, err := s.reloader.Reload(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":  "ルートの再読み込みに失敗しました",
				"code":   "ROUTE_RELOAD_FAILED",
				"status": http.StatusInternalServerError,
				"detail": err.Error(),
			})
			return
		}
		s.logger.Info("管理APIからルートを再読み込みしました",
			zap.String("user_id", middleware.GetUserID(c)),
			zap.Int("routes", table.Len()),
		)
		c.JSON(http.StatusOK, gin.H{
			"count":     table.Len(),
			"source":    table.Source(),
			"loaded_at": table.LoadedAt(),
		})
	}
}

// handleListCircuits はサーキットブレーカーの状態を返すハンドラを返す。
func (s *Server) handleListCircuits() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"circuits": s.breakers.Snapshot()})
	}
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	if err := s.reloader.Start(s.cfg.RouteStore.ReloadSchedule, s.cfg.RouteStore.ReloadTimeout); err != nil {
		return err
	}
	defer s.Close()

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gatewayサービスを起動します", zap.String("addr", srv.Addr), zap.Int("routes", s.routes.Table().Len()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("Gatewayサービスの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("シャットダウンを開始します", zap.Duration("timeout", s.cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	s.logger.Info("シャットダウンが完了しました")
	return nil
}

// Close は定期再読み込みを停止し、外部接続を閉じる。
func (s *Server) Close() {
	s.reloader.Stop()
	closeRedis(s.rdb)
	if s.closeRouteStore != nil {
		if err := s.closeRouteStore(); err != nil {
			s.logger.Warn("ルートストアのクローズに失敗", zap.Error(err))
		}
	}
}
