// Package cmd はunigateのコマンドラインインターフェースを定義する。
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nao1215/unigate/internal/config"
)

// Version はビルド時に -ldflags で設定される。
var Version = "dev"

// rootOptions はすべてのサブコマンドで共通のフラグ。
type rootOptions struct {
	configFile string
	envFile    string
}

// newRootCmd はルートコマンドを生成する。
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "unigate",
		Short:         "大学プラットフォームのAPI Gateway",
		Long:          "unigate は大学プラットフォームのバックエンドサービスの前段に立つAPI Gatewayです。\n認証、レート制限、サーキットブレーカーを適用してリクエストを転送します。",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "設定ファイル（YAML）のパス")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", ".envファイルのパス")

	root.AddCommand(
		newServeCmd(opts),
		newTokenCmd(opts),
		newRoutesCmd(opts),
		newCircuitsCmd(),
	)
	return root
}

// Execute はルートコマンドを実行する。main.mainから一度だけ呼ばれる。
func Execute() error {
	return newRootCmd().Execute()
}

// loadConfig は.envファイルと設定ファイルを読み込む。
// bindは環境変数より優先するフラグをviperにバインドする。
func loadConfig(opts *rootOptions, bind func(v *viper.Viper) error) (*config.Config, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, err
	}
	v := config.NewViper()
	if bind != nil {
		if err := bind(v); err != nil {
			return nil, err
		}
	}
	return config.LoadWithViper(v, opts.configFile)
}
