// API Gatewayのエントリポイント。
// 大学プラットフォームの各バックエンドサービスの前段に立ち、
// 認証・レート制限・サーキットブレーカーを適用してリクエストを転送する。
package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/nao1215/unigate/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
