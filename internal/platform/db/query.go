package db

import (
	"fmt"
	"strings"
	"time"
)

// Query builds filtered, paginated SELECT statements with numbered
// placeholders. Column and table names are trusted input; values are always
// bound.
type Query struct {
	table   string
	cols    string
	where   []string
	args    []any
	orderBy string
}

func NewQuery(table, cols string) *Query {
	return &Query{table: table, cols: cols}
}

// Where appends a clause in which each "?" is replaced by the next
// placeholder.
func (q *Query) Where(clause string, args ...any) *Query {
	for _, a := range args {
		q.args = append(q.args, a)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(q.args)), 1)
	}
	q.where = append(q.where, clause)
	return q
}

// Eq adds "column = value" when value is non-empty.
func (q *Query) Eq(column, value string) *Query {
	if value == "" {
		return q
	}
	return q.Where(column+" = ?", value)
}

// Between bounds column to [from, to) for whichever bounds are set.
func (q *Query) Between(column string, from, to *time.Time) *Query {
	if from != nil {
		q.Where(column+" >= ?", *from)
	}
	if to != nil {
		q.Where(column+" < ?", *to)
	}
	return q
}

// OrderBy sets the ORDER BY clause (without the keyword).
func (q *Query) OrderBy(orderBy string) *Query {
	q.orderBy = orderBy
	return q
}

func (q *Query) whereSQL() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// CountSQL returns the count query and its arguments.
func (q *Query) CountSQL() (string, []any) {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", q.table, q.whereSQL()), q.args
}

// DataSQL returns the page query and its arguments.
func (q *Query) DataSQL(limit, offset int) (string, []any) {
	sql := fmt.Sprintf("SELECT %s FROM %s%s", q.cols, q.table, q.whereSQL())
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	n := len(q.args)
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2)
	args := make([]any, n, n+2)
	copy(args, q.args)
	return sql, append(args, limit, offset)
}
