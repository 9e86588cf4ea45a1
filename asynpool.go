package asynpool

import (
	"github.com/shrek82/asynpool/config"
	"github.com/shrek82/asynpool/core"
)

// Re-export core types and functions
type Pool = core.Pool
type Options = core.Options
type Command = core.Command
type Reply = core.Reply
type Result = core.Result
type Callback = core.Callback
type Statement = core.Statement
type Builder = core.Builder
type Stats = core.Stats
type Messenger = core.Messenger
type Sink = core.Sink
type StatementError = core.StatementError

var (
	Open              = core.Open
	OptionsFromConfig = core.OptionsFromConfig
	NewLoopback       = core.NewLoopback
	NewBuilder        = core.NewBuilder

	// Errors
	ErrTransactionNotStarted = core.ErrTransactionNotStarted
	ErrEmptyStatement        = core.ErrEmptyStatement
	ErrPoolClosed            = core.ErrPoolClosed
	ErrUnknownDialect        = core.ErrUnknownDialect
)

// Re-export configuration
type Config = config.Config
type Profile = config.Profile

var LoadConfig = config.Load

// OpenConfig loads path and opens the active pool it names.
func OpenConfig(path string) (*Pool, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	opts, err := core.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return core.Open(opts)
}
