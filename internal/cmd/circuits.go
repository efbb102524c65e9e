package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// circuitSnapshot は管理APIが返すサーキットブレーカーの状態。
type circuitSnapshot struct {
	Backend             string    `json:"backend"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at"`
	ProbeInFlight       bool      `json:"half_open_probe_in_flight"`
}

// circuitsResponse は管理APIのGET /api/gateway/circuitsのレスポンス。
type circuitsResponse struct {
	Circuits []circuitSnapshot `json:"circuits"`
}

func newCircuitsCmd() *cobra.Command {
	var ropts remoteOptions
	cmd := &cobra.Command{
		Use:   "circuits",
		Short: "稼働中のゲートウェイのサーキットブレーカーの状態を表示する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, err := ropts.client(cmd.Context())
			if err != nil {
				return err
			}
			var resp circuitsResponse
			if err := client.GetJSON(ctx, "/api/gateway/circuits", &resp); err != nil {
				return fmt.Errorf("サーキットの状態の取得に失敗: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderCircuits(resp.Circuits))
			return err
		},
	}
	ropts.register(cmd)
	return cmd
}

// renderCircuits はサーキットブレーカーの状態を表にする。
func renderCircuits(circuits []circuitSnapshot) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Backend", "State", "Failures", "Opened At", "Probe"})
	for _, c := range circuits {
		opened := "-"
		if !c.OpenedAt.IsZero() {
			opened = c.OpenedAt.UTC().Format(time.RFC3339)
		}
		t.AppendRow(table.Row{c.Backend, c.State, c.ConsecutiveFailures, opened, c.ProbeInFlight})
	}
	if len(circuits) == 0 {
		t.AppendRow(table.Row{"(まだ呼び出されたバックエンドはありません)", "", "", "", ""})
	}
	return t.Render()
}
