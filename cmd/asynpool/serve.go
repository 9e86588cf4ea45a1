package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/shrek82/asynpool/core"
	"github.com/shrek82/asynpool/httpapi"
	"github.com/shrek82/asynpool/messaging"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		useRedis   bool
		submitOnly bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the active pool over HTTP until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var messenger core.Messenger
			if useRedis {
				r, err := messaging.Dial(ctx, a.cfg.Redis, a.log)
				if err != nil {
					return err
				}
				defer r.Close()
				messenger = r
			}

			p, err := a.openPool(func(o *core.Options) {
				o.Messenger = messenger
				o.SubmitOnly = submitOnly
			})
			if err != nil {
				return err
			}
			defer p.Close()

			return httpapi.NewServer(p, a.log, timeout).ListenAndServe(ctx, a.cfg.HTTP.Addr)
		},
	}
	cmd.Flags().String("http-addr", "", "listen address (default \":8080\")")
	cmd.Flags().String("redis-addr", "", "Redis address used with --redis")
	cmd.Flags().BoolVar(&useRedis, "redis", false, "exchange commands and replies through Redis")
	cmd.Flags().BoolVar(&submitOnly, "submit-only", false, "forward commands to another process owning the pool (needs --redis)")
	cmd.Flags().DurationVar(&timeout, "request-timeout", 30*time.Second, "how long a request waits for its reply")
	return cmd
}
