package core

import (
	"errors"
)

var (
	// ErrTransactionNotStarted is returned when a statement carries a transaction handle
	// that has no bound connection and the statement is not "begin".
	ErrTransactionNotStarted = errors.New("transaction not started")
	// ErrEmptyStatement is returned when a statement has no text.
	ErrEmptyStatement = errors.New("empty statement")
	// ErrPoolClosed is returned for submissions after Close and delivered to continuations still waiting at Close.
	ErrPoolClosed = errors.New("pool closed")
	// ErrUnknownDialect is returned when a profile names a driver with no registered dialect.
	ErrUnknownDialect = errors.New("unknown dialect")
	// ErrBreakerOpen is logged when the connect breaker suppresses a new connection.
	ErrBreakerOpen = errors.New("connect breaker is open")
)

// StatementError is a statement failure reported by the database. Text has
// the form "[<dialect>]:<driver error>[sql]:<statement>".
type StatementError struct {
	Text string
}

func (e *StatementError) Error() string {
	return e.Text
}
