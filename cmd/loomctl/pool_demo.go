package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/ygrebnov/loom"
	"github.com/ygrebnov/loom/pool"
)

// demoResource stands in for an expensive resource (a DB connection, a
// client handle) that pool_demo checks out concurrently to show admission
// control and reuse.
type demoResource struct{ id int }

func newPoolDemoCmd() *cobra.Command {
	var size int
	var leases int
	var work time.Duration

	cmd := &cobra.Command{
		Use:   "pool-demo",
		Short: "check resources in and out of a bounded pool to show admission control and reuse",
		RunE: func(cmd *cobra.Command, args []string) error {
			loop := loom.NewLoop()
			next := 0

			p := pool.New[*demoResource](loop, size, func(ctx context.Context) (*demoResource, error) {
				next++
				return &demoResource{id: next}, nil
			})
			defer p.Close()

			_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
				callables := make([]loom.Callable[struct{}], leases)
				for i := 0; i < leases; i++ {
					i := i
					callables[i] = func() *loom.CancellablePromise[struct{}] {
						result := loom.NewCancellable[struct{}](loop)
						go func() {
							leaseP := p.Get(tc.Std())
							lease, err := leaseP.Result()
							if err != nil {
								result.Reject(err)
								return
							}
							printSuccess("lease %d acquired resource #%d", i, lease.Value().id)
							time.Sleep(work)
							lease.Release()
							result.Resolve(struct{}{})
						}()
						return result
					}
				}
				_, err := loom.AwaitCancellable(tc, loom.All(loop, callables))
				return struct{}{}, err
			})
			if err != nil {
				return err
			}

			stats := p.Stats()
			printSuccess("done: available=%d inUse=%d waiters=%d", stats.Available, stats.InUse, stats.Waiters)
			return nil
		},
	}

	cmd.Flags().IntVar(&size, "size", 2, "pool max size")
	cmd.Flags().IntVar(&leases, "leases", 5, "number of concurrent lease requests")
	cmd.Flags().DurationVar(&work, "work", 50*time.Millisecond, "simulated time each lease holds the resource")
	return cmd
}
