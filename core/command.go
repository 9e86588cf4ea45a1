package core

import (
	"fmt"
	"strings"
)

// Command is one statement submitted to a pool.
type Command struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
	// Token correlates the reply with the submitter's continuation; 0 means no reply.
	Token uint64 `json:"token"`
	// Tx is the transaction handle, empty for autocommit statements.
	Tx string `json:"bind_id,omitempty"`
	// WorkerID addresses the reply.
	WorkerID string `json:"worker_id"`
	// Abandon asks the owning pool to roll back and unbind Tx once its
	// "begin" has run; the submitter stopped waiting for the handle.
	Abandon bool `json:"abandon,omitempty"`

	// internal marks rollbacks the pool synthesizes after a failed statement.
	internal bool
}

func (c *Command) verb() string {
	return strings.ToLower(strings.TrimSpace(c.SQL))
}

func (c *Command) isBegin() bool {
	return c.verb() == "begin"
}

// endsTx reports whether the statement terminates its transaction.
func (c *Command) endsTx() bool {
	v := c.verb()
	return v == "commit" || v == "rollback"
}

// Result is the outcome of a statement that is not "begin".
type Result struct {
	// ClientID is the id of the connection that ran the statement.
	ClientID     int64            `json:"client_id"`
	Rows         []map[string]any `json:"rows,omitempty"`
	OK           bool             `json:"ok"`
	AffectedRows int64            `json:"affected_rows"`
	InsertID     int64            `json:"insert_id"`
}

// Reject codes carried by Reply.Reject.
const (
	RejectTransactionNotStarted = "transaction_not_started"
	RejectPoolClosed            = "pool_closed"
)

// Reply is what a submitter receives for one Command.
type Reply struct {
	Token uint64 `json:"token"`
	// Handle is set in the reply to "begin" and equals the transaction handle.
	Handle string  `json:"handle,omitempty"`
	Result *Result `json:"result,omitempty"`
	// Error is set when the statement failed on the server.
	Error string `json:"error,omitempty"`
	// Reject is set when the command never reached a connection.
	Reject string `json:"reject,omitempty"`
}

// Err converts a failed reply into an error. Rejections map to
// ErrTransactionNotStarted or ErrPoolClosed, statement failures to
// *StatementError.
func (r *Reply) Err() error {
	if r == nil {
		return nil
	}
	switch r.Reject {
	case "":
	case RejectTransactionNotStarted:
		return ErrTransactionNotStarted
	case RejectPoolClosed:
		return ErrPoolClosed
	default:
		return fmt.Errorf("command rejected: %s", r.Reject)
	}
	if r.Error != "" {
		return &StatementError{Text: r.Error}
	}
	return nil
}

// Callback receives the reply to a submitted command. It runs on its own goroutine.
type Callback func(*Reply)
