package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/solarcrm/fieldsync/internal/logging"
)

// DefaultSlowThreshold is the query duration above which GORM logs a warning.
const DefaultSlowThreshold = 500 * time.Millisecond

// PostgresConfig configures a direct connection to the CRM database.
type PostgresConfig struct {
	DSN             string
	IDColumn        string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	SlowThreshold   time.Duration
}

// newGormLogger routes GORM's slow-query and error output to zl at warn
// level. Missing rows are expected by callers and not logged.
func newGormLogger(zl *zap.Logger, slow time.Duration) logger.Interface {
	if slow <= 0 {
		slow = DefaultSlowThreshold
	}
	std, err := zap.NewStdLogAt(zl, zapcore.WarnLevel)
	if err != nil {
		std = zap.NewStdLog(zl)
	}
	return logger.New(std, logger.Config{
		SlowThreshold:             slow,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// OpenPostgres opens a GORM handle on the CRM database.
func OpenPostgres(cfg PostgresConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger: newGormLogger(logging.Get().Zap().Named("gorm"), cfg.SlowThreshold),
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, err
	}

	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return gdb, nil
}

// GormStore implements Store with raw SQL through GORM. Table and column
// names come from configuration and payload keys, so each one is checked
// against ValidIdentifier before it is quoted into a statement.
type GormStore struct {
	db       *gorm.DB
	idColumn string
}

// NewGormStore creates a new GormStore.
func NewGormStore(db *gorm.DB, idColumn string) *GormStore {
	if idColumn == "" {
		idColumn = "id"
	}
	return &GormStore{db: db, idColumn: idColumn}
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// sortedColumns validates and orders row keys for a deterministic statement.
func sortedColumns(row Row) ([]string, error) {
	cols := make([]string, 0, len(row))
	for col := range row {
		if !ValidIdentifier(col) {
			return nil, fmt.Errorf("invalid column %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols, nil
}

// columnValue adapts payload values to what pgx can bind: string slices
// become text[] and nested objects become jsonb.
func columnValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case []string:
		return val, nil
	case []interface{}:
		strs := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				data, err := json.Marshal(val)
				if err != nil {
					return nil, err
				}
				return datatypes.JSON(data), nil
			}
			strs = append(strs, s)
		}
		return strs, nil
	case map[string]interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(data), nil
	default:
		return v, nil
	}
}

// rowValue normalizes scanned values; pgx returns uuid columns as [16]byte.
func rowValue(v interface{}) interface{} {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		return string(val)
	default:
		return v
	}
}

// Create inserts row and returns the generated id.
func (s *GormStore) Create(ctx context.Context, table string, row Row) (string, error) {
	if !ValidIdentifier(table) {
		return "", fmt.Errorf("invalid table %q", table)
	}
	cols, err := sortedColumns(row)
	if err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("create %s: no columns", table)
	}

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		placeholders[i] = "?"
		if args[i], err = columnValue(row[col]); err != nil {
			return "", fmt.Errorf("create %s: column %s: %w", table, col, err)
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s::text",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "),
		quoteIdent(s.idColumn))

	var id string
	if err := s.db.WithContext(ctx).Raw(query, args...).Row().Scan(&id); err != nil {
		return "", fmt.Errorf("create %s: %w", table, err)
	}
	return id, nil
}

// Update sets values on the row with the given id.
func (s *GormStore) Update(ctx context.Context, table, id string, values Row) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("invalid table %q", table)
	}
	cols, err := sortedColumns(values)
	if err != nil {
		return err
	}

	updates := make(map[string]interface{}, len(cols))
	for _, col := range cols {
		if updates[col], err = columnValue(values[col]); err != nil {
			return fmt.Errorf("update %s: column %s: %w", table, col, err)
		}
	}

	res := s.db.WithContext(ctx).Table(table).
		Where(quoteIdent(s.idColumn)+"::text = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update %s: %w", table, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the row with the given id.
func (s *GormStore) Delete(ctx context.Context, table, id string) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("invalid table %q", table)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s::text = ?", quoteIdent(table), quoteIdent(s.idColumn))
	res := s.db.WithContext(ctx).Exec(query, id)
	if res.Error != nil {
		return fmt.Errorf("delete %s: %w", table, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// Query returns rows matching every filter.
func (s *GormStore) Query(ctx context.Context, table string, filters ...Filter) ([]Row, error) {
	if !ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid table %q", table)
	}
	if err := validateFilters(filters); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Table(table)
	for _, f := range filters {
		col := quoteIdent(f.Column)
		if f.Column == s.idColumn {
			col += "::text"
		}
		q = q.Where(fmt.Sprintf("%s %s ?", col, sqlOps[f.Op]), f.Value)
	}

	var found []map[string]interface{}
	if err := q.Find(&found).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}

	rows := make([]Row, len(found))
	for i, r := range found {
		for k, v := range r {
			r[k] = rowValue(v)
		}
		rows[i] = r
	}
	return rows, nil
}
