package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/shrek82/asynpool/core"
)

func newExecCommand(a *app) *cobra.Command {
	var (
		inTx    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec SQL...",
		Short: "Run statements in order and print one JSON reply per statement",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.openPool(nil)
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runExec(ctx, p, json.NewEncoder(cmd.OutOrStdout()), args, inTx)
		},
	}
	cmd.Flags().BoolVar(&inTx, "tx", false, "wrap the statements in one transaction")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall time limit")
	return cmd
}

var errStatementFailed = errors.New("statement failed")

func runExec(ctx context.Context, p *core.Pool, enc *json.Encoder, stmts []string, inTx bool) error {
	var tx string
	if inTx {
		var err error
		if tx, err = p.BeginContext(ctx); err != nil {
			return err
		}
	}

	for _, sql := range stmts {
		reply, err := p.QueryContext(ctx, tx, sql)
		if err != nil {
			return err
		}
		if err := enc.Encode(reply); err != nil {
			return err
		}
		if reply.Error != "" {
			// a failed statement already rolled the transaction back
			return errStatementFailed
		}
	}

	if inTx {
		return p.CommitContext(ctx, tx)
	}
	return nil
}
