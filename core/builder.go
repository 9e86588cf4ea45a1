package core

import (
	"context"
	"reflect"
	"sort"
	"strings"

	"github.com/shrek82/asynpool/dialect"
)

// Builder defines the interface for building SQL statements.
// It provides a fluent API for constructing complex queries and handles
// dialect-specific syntax like quoting and placeholders. A Builder belongs to
// one call chain; get a fresh one from Pool.Builder or NewBuilder each time.
type Builder interface {
	// SetTable sets the target table for the SQL statement.
	SetTable(name string) Builder
	// Alias sets a table alias (e.g., "users AS u").
	Alias(alias string) Builder
	// Select specifies columns to retrieve (e.g., "id", "name").
	Select(columns ...string) Builder
	// Where adds an AND condition to the WHERE clause.
	Where(cond string, args ...any) Builder
	// OrWhere adds an OR condition to the WHERE clause.
	OrWhere(cond string, args ...any) Builder
	// WhereIn adds an IN condition for a column and a slice of values.
	WhereIn(column string, values any) Builder
	// Joins adds a raw JOIN clause (e.g., "JOIN orders ON orders.user_id = users.id").
	Joins(query string, args ...any) Builder
	// GroupBy adds columns for the GROUP BY clause.
	GroupBy(columns ...string) Builder
	// Having adds an AND condition to the HAVING clause.
	Having(cond string, args ...any) Builder
	// OrderBy adds columns for the ORDER BY clause (e.g., "id DESC").
	OrderBy(columns ...string) Builder
	// Limit sets the maximum number of rows to return.
	Limit(n int) Builder
	// Offset sets the number of rows to skip.
	Offset(n int) Builder
	// BuildSelect generates the final SELECT statement.
	BuildSelect() Statement
	// BuildInsert generates an INSERT of one row.
	BuildInsert(data map[string]any) Statement
	// BuildUpdate generates the final UPDATE statement.
	BuildUpdate(data map[string]any) Statement
	// BuildDelete generates the final DELETE statement.
	BuildDelete() Statement
	// Clone creates a deep copy of the builder.
	Clone() Builder
}

// Statement is a built statement with its bound arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Query submits the statement to p; see Pool.Query.
func (s Statement) Query(p *Pool, cb Callback, tx string) error {
	return p.Query(cb, tx, s.SQL, s.Args...)
}

// Go submits the statement to p and waits for the reply; see Pool.QueryContext.
func (s Statement) Go(ctx context.Context, p *Pool, tx string) (*Reply, error) {
	return p.QueryContext(ctx, tx, s.SQL, s.Args...)
}

// sqlBuilder is the default implementation of the Builder interface.
// It tracks query components and assembles them into a SQL string.
type sqlBuilder struct {
	dialect    dialect.Dialect // Database-specific dialect
	table      string          // Target table name
	alias      string          // Table alias
	selectCols []string        // Columns to select
	whereExpr  string          // WHERE clause expression
	whereArgs  []any           // WHERE clause arguments
	joins      []string        // JOIN clauses
	joinArgs   []any           // JOIN clause arguments
	groupBy    []string        // GROUP BY columns
	havingExpr string          // HAVING clause expression
	havingArgs []any           // HAVING clause arguments
	orderBy    []string        // ORDER BY columns
	limitSet   bool            // Whether limit is set
	limit      int             // LIMIT value
	offsetSet  bool            // Whether offset is set
	offset     int             // OFFSET value
	sb         strings.Builder
}

// NewBuilder creates a new builder for the given dialect.
func NewBuilder(d dialect.Dialect) Builder {
	return &sqlBuilder{dialect: d}
}

// Builder returns a fresh statement builder in the pool's dialect.
func (p *Pool) Builder() Builder {
	return NewBuilder(p.dialect)
}

// Clone creates a deep copy of the builder.
func (b *sqlBuilder) Clone() Builder {
	return &sqlBuilder{
		dialect:    b.dialect,
		table:      b.table,
		alias:      b.alias,
		selectCols: append([]string(nil), b.selectCols...),
		whereExpr:  b.whereExpr,
		whereArgs:  append([]any(nil), b.whereArgs...),
		joins:      append([]string(nil), b.joins...),
		joinArgs:   append([]any(nil), b.joinArgs...),
		groupBy:    append([]string(nil), b.groupBy...),
		havingExpr: b.havingExpr,
		havingArgs: append([]any(nil), b.havingArgs...),
		orderBy:    append([]string(nil), b.orderBy...),
		limitSet:   b.limitSet,
		limit:      b.limit,
		offsetSet:  b.offsetSet,
		offset:     b.offset,
	}
}

// SetTable sets the table name for the current SQL statement.
func (b *sqlBuilder) SetTable(name string) Builder {
	b.table = name
	return b
}

// Alias sets a table alias for the query.
func (b *sqlBuilder) Alias(alias string) Builder {
	b.alias = strings.TrimSpace(alias)
	return b
}

// Select adds the SELECT clause with specified columns.
func (b *sqlBuilder) Select(columns ...string) Builder {
	b.selectCols = append(b.selectCols, columns...)
	return b
}

// Where adds the WHERE clause with condition and arguments.
func (b *sqlBuilder) Where(cond string, args ...any) Builder {
	if cond == "" {
		return b
	}
	if b.whereExpr == "" {
		b.whereExpr = "(" + cond + ")"
	} else {
		b.whereExpr = b.whereExpr + " AND (" + cond + ")"
	}
	b.whereArgs = append(b.whereArgs, args...)
	return b
}

// OrWhere adds an OR condition to the WHERE clause.
func (b *sqlBuilder) OrWhere(cond string, args ...any) Builder {
	if cond == "" {
		return b
	}
	if b.whereExpr == "" {
		b.whereExpr = "(" + cond + ")"
	} else {
		b.whereExpr = b.whereExpr + " OR (" + cond + ")"
	}
	b.whereArgs = append(b.whereArgs, args...)
	return b
}

// WhereIn adds an IN condition for the specified column and values.
func (b *sqlBuilder) WhereIn(column string, values any) Builder {
	v := reflect.ValueOf(values)
	if !v.IsValid() {
		return b
	}
	kind := v.Kind()
	if kind != reflect.Slice && kind != reflect.Array {
		return b.Where(column+" IN (?)", values)
	}
	if v.Len() == 0 {
		return b.Where("1 = 0")
	}

	// placeholders are renumbered for the dialect at build time
	placeholders := make([]string, v.Len())
	args := make([]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		placeholders[i] = "?"
		args = append(args, v.Index(i).Interface())
	}
	cond := column + " IN (" + strings.Join(placeholders, ", ") + ")"
	return b.Where(cond, args...)
}

// Joins adds a raw JOIN clause to the query.
func (b *sqlBuilder) Joins(query string, args ...any) Builder {
	if !isValidJoinClause(query) {
		panic("invalid join clause: " + query)
	}
	b.joins = append(b.joins, query)
	b.joinArgs = append(b.joinArgs, args...)
	return b
}

func (b *sqlBuilder) GroupBy(columns ...string) Builder {
	b.groupBy = append(b.groupBy, columns...)
	return b
}

// Having adds a condition to the HAVING clause.
func (b *sqlBuilder) Having(cond string, args ...any) Builder {
	if cond == "" {
		return b
	}
	if b.havingExpr == "" {
		b.havingExpr = "(" + cond + ")"
	} else {
		b.havingExpr = b.havingExpr + " AND (" + cond + ")"
	}
	b.havingArgs = append(b.havingArgs, args...)
	return b
}

func isValidJoinClause(query string) bool {
	upper := strings.ToUpper(query)
	// multiple statements or comments
	for _, s := range []string{";", "--", "/*", "*/"} {
		if strings.Contains(upper, s) {
			return false
		}
	}
	for _, k := range []string{"DROP ", "DELETE ", "UPDATE ", "INSERT ", "TRUNCATE ", "ALTER "} {
		if strings.Contains(upper, k) {
			return false
		}
	}
	return strings.Contains(upper, "JOIN")
}

// OrderBy adds the ORDER BY clause.
func (b *sqlBuilder) OrderBy(columns ...string) Builder {
	b.orderBy = append(b.orderBy, columns...)
	return b
}

// Limit adds the LIMIT clause.
func (b *sqlBuilder) Limit(n int) Builder {
	b.limitSet = true
	b.limit = n
	return b
}

// Offset adds the OFFSET clause.
func (b *sqlBuilder) Offset(n int) Builder {
	b.offsetSet = true
	b.offset = n
	return b
}

func (b *sqlBuilder) replacePlaceholders(sql string) string {
	if !strings.Contains(sql, "?") {
		return sql
	}

	// sql was read out of b.sb, so the buffer is free to reuse
	b.sb.Reset()

	index := 1
	for {
		idx := strings.Index(sql, "?")
		if idx == -1 {
			b.sb.WriteString(sql)
			break
		}

		b.sb.WriteString(sql[:idx])
		b.sb.WriteString(b.dialect.Placeholder(index))
		sql = sql[idx+1:]
		index++
	}
	return b.sb.String()
}

func (b *sqlBuilder) statement(args []any) Statement {
	return Statement{SQL: b.replacePlaceholders(b.sb.String()), Args: args}
}

// BuildSelect generates the complete SELECT SQL statement and its arguments.
func (b *sqlBuilder) BuildSelect() Statement {
	b.sb.Reset()

	argCount := len(b.joinArgs) + len(b.whereArgs) + len(b.havingArgs)
	if b.limitSet {
		argCount++
	}
	if b.offsetSet {
		argCount++
	}
	args := make([]any, 0, argCount)

	// SELECT
	b.sb.WriteString("SELECT ")
	if len(b.selectCols) > 0 {
		b.sb.WriteString(strings.Join(b.selectCols, ", "))
	} else {
		b.sb.WriteString("*")
	}

	// FROM
	b.sb.WriteString(" FROM ")
	b.sb.WriteString(b.dialect.Quote(b.table))
	if b.alias != "" {
		b.sb.WriteString(" ")
		b.sb.WriteString(b.alias)
	}

	if len(b.joins) > 0 {
		b.sb.WriteString(" ")
		b.sb.WriteString(strings.Join(b.joins, " "))
		args = append(args, b.joinArgs...)
	}

	if b.whereExpr != "" {
		b.sb.WriteString(" WHERE ")
		b.sb.WriteString(b.whereExpr)
		args = append(args, b.whereArgs...)
	}

	if len(b.groupBy) > 0 {
		b.sb.WriteString(" GROUP BY ")
		b.sb.WriteString(strings.Join(b.groupBy, ", "))
	}

	if b.havingExpr != "" {
		b.sb.WriteString(" HAVING ")
		b.sb.WriteString(b.havingExpr)
		args = append(args, b.havingArgs...)
	}

	if len(b.orderBy) > 0 {
		b.sb.WriteString(" ORDER BY ")
		b.sb.WriteString(strings.Join(b.orderBy, ", "))
	}

	if b.limitSet {
		b.sb.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}

	if b.offsetSet {
		b.sb.WriteString(" OFFSET ?")
		args = append(args, b.offset)
	}

	return b.statement(args)
}

func sortedKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildInsert generates an INSERT of one row, columns in sorted order.
func (b *sqlBuilder) BuildInsert(data map[string]any) Statement {
	b.sb.Reset()

	columns := sortedKeys(data)
	args := make([]any, 0, len(columns))

	b.sb.WriteString("INSERT INTO ")
	b.sb.WriteString(b.dialect.Quote(b.table))
	b.sb.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.sb.WriteString(b.dialect.Quote(col))
		args = append(args, data[col])
	}
	b.sb.WriteString(") VALUES (")
	b.sb.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))
	b.sb.WriteString(")")

	return b.statement(args)
}

// BuildUpdate generates the UPDATE SQL statement.
func (b *sqlBuilder) BuildUpdate(data map[string]any) Statement {
	b.sb.Reset()

	args := make([]any, 0, len(data)+len(b.whereArgs))

	b.sb.WriteString("UPDATE ")
	b.sb.WriteString(b.dialect.Quote(b.table))
	b.sb.WriteString(" SET ")

	// sorted for deterministic SQL
	for i, col := range sortedKeys(data) {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.sb.WriteString(b.dialect.Quote(col))
		b.sb.WriteString(" = ?")
		args = append(args, data[col])
	}

	if b.whereExpr != "" {
		b.sb.WriteString(" WHERE ")
		b.sb.WriteString(b.whereExpr)
		args = append(args, b.whereArgs...)
	}

	return b.statement(args)
}

// BuildDelete generates the DELETE SQL statement.
func (b *sqlBuilder) BuildDelete() Statement {
	b.sb.Reset()
	args := make([]any, 0, len(b.whereArgs))

	b.sb.WriteString("DELETE FROM ")
	b.sb.WriteString(b.dialect.Quote(b.table))

	if b.whereExpr != "" {
		b.sb.WriteString(" WHERE ")
		b.sb.WriteString(b.whereExpr)
		args = append(args, b.whereArgs...)
	}

	return b.statement(args)
}
