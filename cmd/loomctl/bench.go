package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/ygrebnov/loom"
)

func newBenchCmd() *cobra.Command {
	var iterations int
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "run a synthetic delayed task on a fresh loop and report wall time",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, elapsed, err := loom.Benchmark(nil, func(tc *loom.Context) (int, error) {
				total := 0
				for i := 0; i < iterations; i++ {
					if err := loom.Sleep(tc, delay); err != nil {
						return 0, err
					}
					total++
				}
				return total, nil
			})
			if err != nil {
				return err
			}
			printSuccess("completed %d iterations in %.3fms", iterations, elapsed)
			return nil
		},
	}

	cmd.Flags().IntVar(&iterations, "iterations", 5, "number of sequential delayed iterations")
	cmd.Flags().DurationVar(&delay, "delay", 100*time.Millisecond, "delay per iteration")
	return cmd
}
