package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/ygrebnov/loom"
)

func newRunCmd() *cobra.Command {
	var after time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run a single delayed task to completion on a fresh loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
				if err := loom.Sleep(tc, after); err != nil {
					return struct{}{}, err
				}
				return struct{}{}, nil
			})
			if err != nil {
				return err
			}
			printSuccess("task settled after %s", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().DurationVar(&after, "after", time.Second, "how long the task sleeps before resolving")
	return cmd
}
