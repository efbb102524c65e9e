package cmd

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/unigate/pkg/httpclient"
)

// remoteOptions は稼働中のゲートウェイの管理APIに接続するためのフラグ。
type remoteOptions struct {
	addr    string
	token   string
	timeout time.Duration
}

func (o *remoteOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.addr, "addr", "http://localhost:8080", "ゲートウェイのURL")
	cmd.Flags().StringVar(&o.token, "token", "", "ADMINロールのアクセストークン（省略時は UNIGATE_ADMIN_TOKEN）")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 10*time.Second, "管理APIのタイムアウト")
}

// client は管理API用のクライアントと、トークンを設定したコンテキストを返す。
func (o *remoteOptions) client(ctx context.Context) (*httpclient.Client, context.Context, error) {
	token := o.token
	if token == "" {
		token = os.Getenv("UNIGATE_ADMIN_TOKEN")
	}
	if token == "" {
		return nil, nil, errors.New("--token または UNIGATE_ADMIN_TOKEN が必要です")
	}
	return httpclient.New(o.addr, httpclient.WithTimeout(o.timeout)), httpclient.WithBearerToken(ctx, token), nil
}
