package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/ygrebnov/loom"
	"github.com/ygrebnov/loom/fileops"
)

func newWatchCmd() *cobra.Command {
	var debounce time.Duration
	var recursive bool
	var include []string
	var exclude []string

	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "watch a path for filesystem changes and print events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			loop := loom.NewLoop()
			mgr := fileops.NewManager(loop)
			loop.SetFileOpsManager(mgr)

			watcher, err := mgr.Watch(path, fileops.WatchOptions{
				Recursive:       recursive,
				Debounce:        debounce,
				IncludePatterns: include,
				ExcludePatterns: exclude,
			}, func(ev fileops.WatchEvent) {
				printSuccess("%-10s %s", ev.Event, ev.Path)
			})
			if err != nil {
				return err
			}
			defer watcher.Close()

			printSuccess("watching %s (ctrl-c to stop)", path)
			loop.Run()
			return nil
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 200*time.Millisecond, "per-path debounce window")
	cmd.Flags().BoolVar(&recursive, "recursive", true, "watch subdirectories")
	cmd.Flags().StringSliceVar(&include, "include", nil, "glob patterns to include (default: all)")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "glob patterns to exclude")
	return cmd
}
