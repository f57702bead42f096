package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/ygrebnov/loom"
	"github.com/ygrebnov/loom/httpreq"
)

func newHTTPGetCmd() *cobra.Command {
	var timeout time.Duration
	var retries int

	cmd := &cobra.Command{
		Use:   "http-get <url>",
		Short: "fetch a URL through the HTTP Request Manager, with retry (responses are not cached)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]

			loop := loom.NewLoop()
			mgr := httpreq.NewManager(loop, nil)
			loop.SetHTTPManager(mgr)

			retry := httpreq.DefaultRetryConfig()
			retry.MaxRetries = retries

			resp, err := loom.Run(nil, func(tc *loom.Context) (*httpreq.Response, error) {
				p := mgr.Fetch(tc.Std(), url, httpreq.Options{
					Method:  "GET",
					Timeout: timeout,
					Retry:   &retry,
				})
				return loom.AwaitCancellable(tc, p)
			})
			if err != nil {
				return err
			}

			printSuccess("%d %s (%d bytes)", resp.Status, url, len(resp.Body))
			for k, v := range resp.Headers {
				fmt.Printf("  %s: %s\n", k, v)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().IntVar(&retries, "retries", 3, "max retry attempts on retryable failures")
	return cmd
}
