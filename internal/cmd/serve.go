package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nao1215/unigate/internal/config"
	"github.com/nao1215/unigate/internal/gateway"
	applog "github.com/nao1215/unigate/pkg/log"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "API Gatewayを起動する",
		Long: `API Gatewayを起動する。

SIGINTまたはSIGTERMを受け取ると、処理中のリクエストの完了を待ってから終了する。`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, func(v *viper.Viper) error {
				if err := v.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
					return err
				}
				return v.BindPFlag("log.level", cmd.Flags().Lookup("log-level"))
			})
			if err != nil {
				return err
			}

			logger, err := applog.New(&applog.Config{
				Service:    "api-gateway",
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				OutputFile: cfg.Log.OutputFile,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
			})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger.Info("設定を読み込みました", configFields(cfg)...)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server, err := gateway.NewServer(ctx, cfg, logger)
			if err != nil {
				logger.Error("Gatewayサーバーの初期化に失敗", zap.Error(err))
				return err
			}
			return server.Run(ctx)
		},
	}
	cmd.Flags().String("addr", ":8080", "リッスンアドレス")
	cmd.Flags().String("log-level", "info", "ログレベル（debug/info/warn/error）")
	return cmd
}

// configFields は起動時に出力する設定のフィールドを返す。秘密情報はマスクする。
func configFields(cfg *config.Config) []zap.Field {
	return []zap.Field{
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("cors_origins", cfg.Server.CORSOrigins),
		applog.SafeString("jwt_secret", cfg.Auth.JWTSecret),
		zap.Int("hmac_keys", len(cfg.Auth.HMACKeys)),
		zap.String("ratelimit_store", cfg.RateLimit.Store),
		zap.String("redis_addr", cfg.RateLimit.Redis.Addr),
		applog.SafeString("redis_password", cfg.RateLimit.Redis.Password),
		applog.SafeString("internal_secret", cfg.Dispatch.InternalSecret),
		zap.Duration("dispatch_timeout", cfg.Dispatch.Timeout),
		zap.String("route_store", cfg.RouteStore.Driver),
		zap.Int("routes", len(cfg.Routes)),
	}
}
