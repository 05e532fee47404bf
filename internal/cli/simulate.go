package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"vaultwatch/internal/app"
)

var (
	simulatePosition    string
	simulateRatio       float64
	simulateLiquidation float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次进入红区的告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRatio < 0 || simulateLiquidation < 0 {
			return errors.New("--ratio 与 --liquidation 不能为负数")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			PositionID:     simulatePosition,
			RatioPct:       decimal.NewFromFloat(simulateRatio),
			LiquidationPct: decimal.NewFromFloat(simulateLiquidation),
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePosition, "position", "", "仓位 id, 形如 <owner>-<collateral>")
	simulateCmd.Flags().Float64Var(&simulateRatio, "ratio", 0, "抵押率 (%)，默认为清算线的 1.05 倍")
	simulateCmd.Flags().Float64Var(&simulateLiquidation, "liquidation", 0, "清算抵押率 (%)，默认 150")
}
