package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It backs the "memory" remote driver
// used for local demos and exercises the sync layer in tests. Failure hooks
// let callers simulate an unreachable backend.
type MemoryStore struct {
	mu       sync.RWMutex
	idColumn string
	tables   map[string]map[string]Row
	order    map[string][]string

	// FailCreate, when set, is consulted before every Create.
	FailCreate func(table string, row Row) error
	// FailUpdate, when set, is consulted before every Update.
	FailUpdate func(table, id string, values Row) error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(idColumn string) *MemoryStore {
	if idColumn == "" {
		idColumn = "id"
	}
	return &MemoryStore{
		idColumn: idColumn,
		tables:   map[string]map[string]Row{},
		order:    map[string][]string{},
	}
}

func copyRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Seed inserts a row with a caller-chosen id.
func (m *MemoryStore) Seed(table, id string, row Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := copyRow(row)
	r[m.idColumn] = id
	m.put(table, id, r)
}

func (m *MemoryStore) put(table, id string, row Row) {
	t, ok := m.tables[table]
	if !ok {
		t = map[string]Row{}
		m.tables[table] = t
	}
	if _, exists := t[id]; !exists {
		m.order[table] = append(m.order[table], id)
	}
	t[id] = row
}

// Create inserts row with a generated id.
func (m *MemoryStore) Create(ctx context.Context, table string, row Row) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.FailCreate != nil {
		if err := m.FailCreate(table, row); err != nil {
			return "", err
		}
	}
	if !ValidIdentifier(table) {
		return "", fmt.Errorf("invalid table %q", table)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	r := copyRow(row)
	r[m.idColumn] = id
	m.put(table, id, r)
	return id, nil
}

// Update merges values into the row.
func (m *MemoryStore) Update(ctx context.Context, table, id string, values Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.FailUpdate != nil {
		if err := m.FailUpdate(table, id, values); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tables[table][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range values {
		if k == m.idColumn {
			continue
		}
		r[k] = v
	}
	return nil
}

// Delete removes the row.
func (m *MemoryStore) Delete(ctx context.Context, table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table][id]; !ok {
		return ErrNotFound
	}
	delete(m.tables[table], id)
	ids := m.order[table]
	for i, v := range ids {
		if v == id {
			m.order[table] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// Query returns copies of matching rows in insertion order.
func (m *MemoryStore) Query(ctx context.Context, table string, filters ...Filter) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateFilters(filters); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for _, id := range m.order[table] {
		r := m.tables[table][id]
		if matchesAll(r, filters) {
			out = append(out, copyRow(r))
		}
	}
	return out, nil
}

// Rows returns every row of table, for assertions.
func (m *MemoryStore) Rows(table string) []Row {
	rows, _ := m.Query(context.Background(), table)
	return rows
}

// Tables lists the tables that have received rows.
func (m *MemoryStore) Tables() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func matchesAll(r Row, filters []Filter) bool {
	for _, f := range filters {
		v, ok := r[f.Column]
		if !ok {
			return false
		}
		c, ok := compare(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpEq:
			if c != 0 {
				return false
			}
		case OpGt:
			if c <= 0 {
				return false
			}
		case OpGte:
			if c < 0 {
				return false
			}
		case OpLt:
			if c >= 0 {
				return false
			}
		case OpLte:
			if c > 0 {
				return false
			}
		}
	}
	return true
}

// compare orders a and b numerically when both parse as numbers, otherwise
// by their string forms.
func compare(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	as, bs := IDString(a), IDString(b)
	af, aerr := strconv.ParseFloat(as, 64)
	bf, berr := strconv.ParseFloat(bs, 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch {
	case as < bs:
		return -1, true
	case as > bs:
		return 1, true
	}
	return 0, true
}
