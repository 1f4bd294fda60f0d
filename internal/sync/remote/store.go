// Package remote defines the relational store that synced records are
// written to, with a hosted REST adapter and a direct Postgres adapter.
package remote

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Row is a remote row keyed by column name.
type Row = map[string]interface{}

// Op is a filter comparison.
type Op string

const (
	OpEq  Op = "eq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Filter restricts a Query to rows where Column Op Value.
type Filter struct {
	Column string
	Op     Op
	Value  interface{}
}

// Eq is shorthand for an equality filter.
func Eq(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// ErrNotFound is returned when an Update or Delete matches no row.
var ErrNotFound = errors.New("remote row not found")

// Store is the remote relational store.
type Store interface {
	// Create inserts row and returns the id the store assigned.
	Create(ctx context.Context, table string, row Row) (string, error)

	// Update sets values on the row with the given id.
	Update(ctx context.Context, table, id string, values Row) error

	// Delete removes the row with the given id.
	Delete(ctx context.Context, table, id string) error

	// Query returns rows matching every filter.
	Query(ctx context.Context, table string, filters ...Filter) ([]Row, error)
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether name is safe to use as a table or column.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

func validateFilters(filters []Filter) error {
	for _, f := range filters {
		if !ValidIdentifier(f.Column) {
			return fmt.Errorf("invalid filter column %q", f.Column)
		}
		switch f.Op {
		case OpEq, OpGt, OpGte, OpLt, OpLte:
		default:
			return fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	return nil
}

// IDString renders an id column value as the string form used locally.
func IDString(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		// JSON numbers decode as float64; ids are integral.
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}

// Get fetches a single row by id.
func Get(ctx context.Context, s Store, table, idColumn, id string) (Row, error) {
	rows, err := s.Query(ctx, table, Eq(idColumn, id))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}
