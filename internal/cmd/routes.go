package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/unigate/internal/config"
	"github.com/nao1215/unigate/internal/gateway/route"
)

// routesResponse は管理APIのGET /api/gateway/routesのレスポンス。
type routesResponse struct {
	Routes   []route.Route `json:"routes"`
	Count    int           `json:"count"`
	Source   string        `json:"source"`
	LoadedAt time.Time     `json:"loaded_at"`
}

func newRoutesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "ルートテーブルを操作する",
	}
	cmd.AddCommand(
		newRoutesListCmd(opts),
		newRoutesExportCmd(opts),
		newRoutesImportCmd(opts),
		newRoutesReloadCmd(),
	)
	return cmd
}

func newRoutesListCmd(opts *rootOptions) *cobra.Command {
	var (
		remote  bool
		ropts   remoteOptions
		asYAML  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "ルートの一覧を表示する",
		Long: `ルートの一覧を表示する。

既定では設定（route_store）から読み込む。--remote を指定すると
稼働中のゲートウェイが使用しているルートテーブルを表示する。`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var routes []route.Route
			if remote {
				client, ctx, err := ropts.client(cmd.Context())
				if err != nil {
					return err
				}
				var resp routesResponse
				if err := client.GetJSON(ctx, "/api/gateway/routes", &resp); err != nil {
					return fmt.Errorf("ルート一覧の取得に失敗: %w", err)
				}
				routes = resp.Routes
			} else {
				cfg, err := loadConfig(opts, nil)
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				routes, err = loadLocalRoutes(ctx, cfg)
				if err != nil {
					return err
				}
			}

			if asYAML {
				return route.MarshalYAML(cmd.OutOrStdout(), routes)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), renderRoutes(routes))
			return err
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "稼働中のゲートウェイから取得する")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "YAML形式で出力する")
	cmd.Flags().DurationVar(&timeout, "load-timeout", 10*time.Second, "ルートストアの読み込みタイムアウト")
	ropts.register(cmd)
	return cmd
}

func newRoutesExportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "設定のルートをYAMLで出力する",
		Long:  "設定のルートをYAMLで出力する。出力は routes import でSQLiteストアに取り込める。",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, nil)
			if err != nil {
				return err
			}
			routes, err := loadLocalRoutes(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return route.MarshalYAML(cmd.OutOrStdout(), routes)
		},
	}
}

func newRoutesImportCmd(opts *rootOptions) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "import <routes.yaml>",
		Short: "YAMLのルート定義をSQLiteストアに取り込む",
		Long: `YAMLのルート定義をSQLiteストアに取り込む。

既存のルートはすべて置き換えられる。稼働中のゲートウェイには
routes reload または定期再読み込みで反映される。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				cfg, err := loadConfig(opts, nil)
				if err != nil {
					return err
				}
				dsn = cfg.RouteStore.DSN
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("ルート定義ファイルを開けません: %w", err)
			}
			defer f.Close() //nolint:errcheck // 読み込み専用

			n, err := importRoutes(cmd.Context(), f, dsn)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d件のルートを取り込みました\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "SQLiteのデータソース名（省略時は route_store.dsn）")
	return cmd
}

func newRoutesReloadCmd() *cobra.Command {
	var ropts remoteOptions
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "稼働中のゲートウェイにルートを再読み込みさせる",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, err := ropts.client(cmd.Context())
			if err != nil {
				return err
			}
			var resp routesResponse
			if err := client.PostJSON(ctx, "/api/gateway/routes/reload", nil, &resp); err != nil {
				return fmt.Errorf("ルートの再読み込みに失敗: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d件のルートを読み込みました（source=%s）\n", resp.Count, resp.Source)
			return err
		},
	}
	ropts.register(cmd)
	return cmd
}

// loadLocalRoutes は設定のroute_storeからルートを読み込んで検証する。
func loadLocalRoutes(ctx context.Context, cfg *config.Config) ([]route.Route, error) {
	var store route.Store
	switch cfg.RouteStore.Driver {
	case "sqlite":
		s, err := route.OpenSQLite(ctx, cfg.RouteStore.DSN, zap.NewNop())
		if err != nil {
			return nil, err
		}
		defer s.Close() //nolint:errcheck // 読み込みのみ
		store = s
	default:
		store = route.NewConfigStore(cfg.ResolveRoutes())
	}

	routes, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	table, err := route.NewTable(routes, store.Name())
	if err != nil {
		return nil, err
	}
	return table.Routes(), nil
}

// importRoutes はrのYAMLをdsnのSQLiteストアに取り込み、件数を返す。
func importRoutes(ctx context.Context, r io.Reader, dsn string) (int, error) {
	routes, err := route.ParseYAML(r)
	if err != nil {
		return 0, err
	}
	store, err := route.OpenSQLite(ctx, dsn, zap.NewNop())
	if err != nil {
		return 0, err
	}
	defer store.Close() //nolint:errcheck // Replaceの結果を優先する

	if err := store.Replace(ctx, routes); err != nil {
		return 0, err
	}
	return len(routes), nil
}

// renderRoutes はルートの一覧を表にする。
func renderRoutes(routes []route.Route) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "ID", "Pattern", "Methods", "Backend", "Target", "Access", "Rate Limit"})
	for i, r := range routes {
		methods := "*"
		if len(r.Methods) > 0 {
			methods = strings.Join(r.Methods, ",")
		}
		access := "auth"
		switch {
		case r.Public:
			access = "public"
		case r.RequiredRole != "":
			access = "role:" + r.RequiredRole
		}
		limit := "default"
		if r.RateLimit != nil {
			limit = strconv.Itoa(r.RateLimit.Limit) + "/" + r.RateLimit.Window.String()
		}
		t.AppendRow(table.Row{i + 1, r.ID, r.Pattern, methods, r.Backend, r.TargetURL, access, limit})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(routes)})
	return t.Render()
}
