// Package catalog records one row per closed chunk in a Parquet file inside
// the repository and answers SQL queries over it with DuckDB.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/flightrec/internal/errors"
	"github.com/xtxerr/flightrec/internal/logging"
	isync "github.com/xtxerr/flightrec/internal/sync"
	"github.com/xtxerr/flightrec/internal/validation"
)

// FileName is the catalog file inside the repository.
const FileName = "catalog.parquet"

// ViewName is the table name queries refer to.
const ViewName = "chunks"

// Row describes one closed chunk.
type Row struct {
	Sequence      int64  `parquet:"sequence"`
	Path          string `parquet:"path,zstd"`
	StartNanos    int64  `parquet:"start_nanos"`
	DurationNanos int64  `parquet:"duration_nanos"`
	SizeBytes     int64  `parquet:"size_bytes"`
	Records       int64  `parquet:"records"`
	UserBytes     int64  `parquet:"user_bytes"`
	Checkpoints   int64  `parquet:"checkpoints"`
	LostDropped   int64  `parquet:"lost_dropped"`
	LostDiscarded int64  `parquet:"lost_discarded"`
	Final         bool   `parquet:"final"`
	ClosedAtNanos int64  `parquet:"closed_at_nanos"`
}

// Catalog is the chunk catalog of one repository.
//
// The Parquet file is rewritten on every change: files are immutable once
// their footer is written and the catalog stays small.
type Catalog struct {
	mu   sync.RWMutex
	path string
	rows []Row

	db     isync.Lazy[*sql.DB]
	logger *slog.Logger

	stats Stats
}

// Stats holds catalog statistics.
type Stats struct {
	Rows            int
	Rewrites        int64
	QueriesExecuted int64
	Errors          int64
}

// Open loads the catalog of dir, creating an empty one if none exists.
func Open(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	c := &Catalog{
		path:   filepath.Join(dir, FileName),
		logger: logging.Component("catalog"),
	}

	rows, err := readRows(c.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c.rows = rows
	return c, nil
}

// Path returns the catalog file path.
func (c *Catalog) Path() string { return c.path }

func readRows(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[Row](f)
	defer reader.Close()

	rows := make([]Row, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && n < len(rows) {
		return nil, err
	}
	return rows[:n], nil
}

// rewriteUnlocked writes all rows to a temporary file and renames it over
// the catalog.
func (c *Catalog) rewriteUnlocked() error {
	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[Row](f, parquet.Compression(&parquet.Zstd))
	if _, err := writer.Write(c.rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename catalog: %w", err)
	}
	c.stats.Rewrites++
	return nil
}

// Append adds a row and persists the catalog.
func (c *Catalog) Append(row Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rows = append(c.rows, row)
	if err := c.rewriteUnlocked(); err != nil {
		c.rows = c.rows[:len(c.rows)-1]
		c.stats.Errors++
		return err
	}
	c.logger.Debug("chunk cataloged", "path", row.Path, "size", row.SizeBytes)
	return nil
}

// Forget removes the rows of deleted chunk files.
func (c *Catalog) Forget(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	gone := make(map[string]bool, len(paths))
	for _, p := range paths {
		gone[p] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.rows[:0:0]
	for _, r := range c.rows {
		if !gone[r.Path] {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(c.rows) {
		return nil
	}
	old := c.rows
	c.rows = kept
	if err := c.rewriteUnlocked(); err != nil {
		c.rows = old
		c.stats.Errors++
		return err
	}
	return nil
}

// Rows returns a copy of all rows ordered by sequence.
func (c *Catalog) Rows() []Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := append([]Row(nil), c.rows...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// ============================================================================
// SQL
// ============================================================================

func (c *Catalog) conn() (*sql.DB, error) {
	return c.db.Get(func() (*sql.DB, error) {
		db, err := sql.Open("duckdb", "")
		if err != nil {
			return nil, fmt.Errorf("open duckdb: %w", err)
		}
		return db, nil
	})
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Query runs query against the catalog, which is visible as the view
// "chunks". Each result row maps column names to values.
func (c *Catalog) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.rows) == 0 {
		return nil, nil
	}
	db, err := c.conn()
	if err != nil {
		c.stats.Errors++
		return nil, err
	}

	// DuckDB resolves the view per connection; pin one for both statements.
	sc, err := db.Conn(ctx)
	if err != nil {
		c.stats.Errors++
		return nil, fmt.Errorf("duckdb connection: %w", err)
	}
	defer sc.Close()

	view := fmt.Sprintf("CREATE OR REPLACE TEMP VIEW %s AS SELECT * FROM read_parquet(%s)",
		ViewName, quoteLiteral(c.path))
	if _, err := sc.ExecContext(ctx, view); err != nil {
		c.stats.Errors++
		return nil, fmt.Errorf("create view: %w", err)
	}

	rows, err := sc.QueryContext(ctx, query, args...)
	if err != nil {
		c.stats.Errors++
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	c.stats.QueriesExecuted++
	return results, rows.Err()
}

// Find returns the rows whose path contains match, ordered by sequence.
func (c *Catalog) Find(ctx context.Context, match string) ([]Row, error) {
	res, err := c.Query(ctx,
		`SELECT sequence FROM `+ViewName+` WHERE path LIKE ? ESCAPE '\' ORDER BY sequence`,
		validation.SafeLikeContains(match))
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	bySeq := make(map[int64]Row, len(c.rows))
	for _, r := range c.rows {
		bySeq[r.Sequence] = r
	}
	out := make([]Row, 0, len(res))
	for _, r := range res {
		if row, ok := bySeq[asInt64(r["sequence"])]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// Totals summarizes the catalog.
type Totals struct {
	Chunks        int64
	SizeBytes     int64
	UserBytes     int64
	LostDropped   int64
	LostDiscarded int64
}

// Totals aggregates all rows with SQL.
func (c *Catalog) Totals(ctx context.Context) (Totals, error) {
	res, err := c.Query(ctx, `SELECT
			count(*)::BIGINT AS chunks,
			coalesce(sum(size_bytes), 0)::BIGINT AS size_bytes,
			coalesce(sum(user_bytes), 0)::BIGINT AS user_bytes,
			coalesce(sum(lost_dropped), 0)::BIGINT AS lost_dropped,
			coalesce(sum(lost_discarded), 0)::BIGINT AS lost_discarded
		FROM `+ViewName)
	if err != nil {
		return Totals{}, err
	}
	if len(res) == 0 {
		return Totals{}, nil
	}
	r := res[0]
	return Totals{
		Chunks:        asInt64(r["chunks"]),
		SizeBytes:     asInt64(r["size_bytes"]),
		UserBytes:     asInt64(r["user_bytes"]),
		LostDropped:   asInt64(r["lost_dropped"]),
		LostDiscarded: asInt64(r["lost_discarded"]),
	}, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// Stats returns current statistics.
func (c *Catalog) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Rows = len(c.rows)
	return s
}

// Close releases the query engine.
func (c *Catalog) Close() error {
	var err error
	c.db.Reset(func(db *sql.DB) { err = db.Close() })
	if err != nil {
		return errors.Wrap(err, "close duckdb")
	}
	return nil
}
