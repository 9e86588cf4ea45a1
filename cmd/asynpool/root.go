package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shrek82/asynpool/config"
	"github.com/shrek82/asynpool/core"
	"github.com/shrek82/asynpool/logger"
)

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	configPath string
	cfg        *config.Config
	log        logger.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "asynpool",
		Short: "Multiplex statements and transactions over a small set of database connections",
		Long: `asynpool drives an asynchronous connection pool.

Configuration comes from --config (YAML, JSON or TOML), then ASYNPOOL_*
environment variables, then flags. ASYNPOOL_DRIVER and ASYNPOOL_DSN define
the active pool without a file:

  ASYNPOOL_DRIVER=sqlite3 ASYNPOOL_DSN=file:demo.db asynpool exec "SELECT 1"`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// flag errors already printed usage; application errors should not
			cmd.SilenceUsage = true
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the configuration file")
	root.PersistentFlags().String("pool", "", "active pool name (default \"default\")")
	root.PersistentFlags().String("worker-id", "", "worker id used in transaction handles (default random)")
	root.PersistentFlags().String("log-level", "", "silent, error, warn, info or debug")
	root.PersistentFlags().String("log-format", "", "text or json")

	root.AddCommand(newExecCommand(a), newServeCommand(a), newConfigCommand(a))
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.LoadWithFlags(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg

	l := logger.NewStdLogger()
	l.SetLevel(logger.ParseLevel(cfg.Log.Level))
	l.SetFormat(logger.LogFormat(cfg.Log.Format))
	l.SetOutput(cmd.ErrOrStderr())
	a.log = l
	return nil
}

// openPool opens the active pool with extra options applied by mutate.
func (a *app) openPool(mutate func(*core.Options)) (*core.Pool, error) {
	opts, err := core.OptionsFromConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	opts.Logger = a.log
	if mutate != nil {
		mutate(&opts)
	}
	p, err := core.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open pool %s: %w", opts.Name, err)
	}
	return p, nil
}
