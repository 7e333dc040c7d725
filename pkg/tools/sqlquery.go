package tools

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultMaxRows caps query results rendered into a prompt.
const DefaultMaxRows = 50

var writeKeyword = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|TRUNCATE|REPLACE|GRANT|REVOKE|ATTACH|DETACH|PRAGMA|VACUUM|MERGE)\b`)

// CheckReadOnly rejects statements containing write or DDL keywords.
func CheckReadOnly(query string) error {
	if m := writeKeyword.FindString(query); m != "" {
		return fmt.Errorf("query rejected: %s statements are not allowed", strings.ToUpper(m))
	}
	return nil
}

// SQLExecutor serves sql_query tools. Connections are opened lazily per
// driver and DSN and reused.
type SQLExecutor struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func (s *SQLExecutor) open(driver, dsn string) (*sql.DB, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if dsn == "" {
		return nil, fmt.Errorf("tool has no dsn configured")
	}
	key := driver + "\x00" + dsn
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok {
		return db, nil
	}
	source := dsn
	if driver == "sqlite" {
		source = readOnlyDSN(dsn)
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if s.dbs == nil {
		s.dbs = make(map[string]*sql.DB)
	}
	s.dbs[key] = db
	return db, nil
}

// readOnlyDSN adds the query_only pragma to a sqlite DSN so every
// connection the pool opens refuses writes.
func readOnlyDSN(dsn string) string {
	if strings.Contains(dsn, "query_only") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=query_only(1)"
}

// Close closes every pooled connection.
func (s *SQLExecutor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for k, db := range s.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.dbs, k)
	}
	return first
}

// Execute implements Executor.
func (s *SQLExecutor) Execute(ctx context.Context, call Call) (string, error) {
	query, _ := call.Params["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("no query extracted")
	}
	if err := CheckReadOnly(query); err != nil {
		return "", err
	}
	cfg := call.Def.Config
	db, err := s.open(cfg.Driver, cfg.DSN)
	if err != nil {
		return "", err
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	limit := cfg.MaxRows
	if limit <= 0 {
		limit = DefaultMaxRows
	}
	return formatRows(rows, limit)
}

// formatRows renders "Rows (N):" followed by numbered col=value lines.
func formatRows(rows *sql.Rows, limit int) (string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	var lines []string
	truncated := false
	for rows.Next() {
		if len(lines) == limit {
			truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("scan: %w", err)
		}
		fields := make([]string, len(cols))
		for i, c := range cols {
			fields[i] = c + "=" + formatValue(vals[i])
		}
		lines = append(lines, fmt.Sprintf("%d. %s", len(lines)+1, strings.Join(fields, ", ")))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "Rows (0): no results", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Rows (%d):\n%s", len(lines), strings.Join(lines, "\n"))
	if truncated {
		fmt.Fprintf(&b, "\n... (truncated at %d rows)", limit)
	}
	return b.String(), nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
