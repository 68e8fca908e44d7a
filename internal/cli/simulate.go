package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"price-alert-engine/internal/app"
)

var (
	simulateSymbol    string
	simulateCondition string
	simulateThreshold float64
	simulatePrices    []float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一段价格序列并触发告警流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateThreshold <= 0 {
			return errors.New("--threshold 必须大于 0")
		}

		opts := app.SimulateOptions{
			Symbol:    simulateSymbol,
			Condition: simulateCondition,
			Threshold: simulateThreshold,
			Prices:    simulatePrices,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "XYZ", "Instrument symbol")
	simulateCmd.Flags().StringVar(&simulateCondition, "condition", "greater_than", "Condition kind")
	simulateCmd.Flags().Float64Var(&simulateThreshold, "threshold", 0, "Rule threshold")
	simulateCmd.Flags().Float64SliceVar(&simulatePrices, "prices", nil, "Comma-separated price sequence")
}
