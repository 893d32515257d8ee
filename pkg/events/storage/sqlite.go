package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"carapaceproxy/carapace/pkg/events"
)

// SQLite driver names accepted by SQLiteConfig.Driver.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// SQLiteConfig contains configuration for the SQLite storage backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// Driver selects the database/sql driver. Default: DriverCGO
	Driver string

	MaxOpenConns int
	MaxIdleConns int

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
}

// SQLiteStorage implements events.Storage on SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	config SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteStorage opens the database, enables WAL mode and creates the
// schema.
func NewSQLiteStorage(cfg SQLiteConfig) (*SQLiteStorage, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverCGO
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	logger := slog.Default().With("component", "events.storage.sqlite")

	db, err := sql.Open(cfg.Driver, cfg.Path)
	if err != nil {
		return nil, events.NewStorageError("sqlite", "open", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	s := &SQLiteStorage{db: db, config: cfg, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite event storage initialized",
		"path", cfg.Path,
		"driver", cfg.Driver,
		"max_open_conns", cfg.MaxOpenConns,
	)
	return s, nil
}

func (s *SQLiteStorage) initialize() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return events.NewStorageError("sqlite", "enable_wal", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", s.config.BusyTimeout.Milliseconds())); err != nil {
		return events.NewStorageError("sqlite", "set_busy_timeout", err)
	}
	if _, err := s.db.Exec(Schema); err != nil {
		return events.NewStorageError("sqlite", "create_schema", err)
	}
	if _, err := s.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return events.NewStorageError("sqlite", "insert_schema_version", err)
	}

	var version sql.NullInt64
	if err := s.db.QueryRow(GetSchemaVersion).Scan(&version); err != nil {
		return events.NewStorageError("sqlite", "get_schema_version", err)
	}
	if version.Int64 != SchemaVersion {
		return events.NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version.Int64))
	}
	return nil
}

// Store inserts one event.
func (s *SQLiteStorage) Store(ctx context.Context, e *events.Event) error {
	_, err := s.db.ExecContext(ctx, insertEvent,
		e.ID, string(e.Kind), e.Timestamp.UnixNano(),
		e.RequestID, e.Listener, e.Route, e.Method, e.Host, e.Path, e.Status,
		int64(e.Latency), e.Attempts, e.BytesOut,
		e.Backend, e.FromState, e.ToState,
		e.InUse, e.Capacity, e.Waiters,
		e.Error,
	)
	if err != nil {
		return events.NewStorageError("sqlite", "store", err)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *SQLiteStorage) Query(ctx context.Context, q *events.Query) ([]*events.Event, error) {
	where, args := buildWhere(q)
	query := "SELECT" + selectColumns + " FROM events" + where + " ORDER BY ts DESC"
	if q != nil && q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, events.NewStorageError("sqlite", "query", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, events.NewStorageError("sqlite", "scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, events.NewStorageError("sqlite", "query", err)
	}
	return out, nil
}

// Count returns the number of matching events.
func (s *SQLiteStorage) Count(ctx context.Context, q *events.Query) (int64, error) {
	where, args := buildWhere(q)

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&n); err != nil {
		return 0, events.NewStorageError("sqlite", "count", err)
	}
	return n, nil
}

// DeleteBefore removes events older than t.
func (s *SQLiteStorage) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ?", t.UnixNano())
	if err != nil {
		return 0, events.NewStorageError("sqlite", "delete", err)
	}
	return res.RowsAffected()
}

// TrimTo removes all but the newest keep events.
func (s *SQLiteStorage) TrimTo(ctx context.Context, keep int64) (int64, error) {
	if keep < 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE id IN (SELECT id FROM events ORDER BY ts DESC LIMIT -1 OFFSET ?)", keep)
	if err != nil {
		return 0, events.NewStorageError("sqlite", "trim", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func buildWhere(q *events.Query) (string, []any) {
	if q == nil {
		return "", nil
	}

	var conds []string
	var args []any
	if q.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.Backend != "" {
		conds = append(conds, "backend = ?")
		args = append(args, q.Backend)
	}
	if q.Route != "" {
		conds = append(conds, "route = ?")
		args = append(args, q.Route)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, q.Until.UnixNano())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEvent(rows *sql.Rows) (*events.Event, error) {
	var (
		e                                              events.Event
		kind                                           string
		ts, latency                                    int64
		requestID, listener, route, method, host, path sql.NullString
		backend, fromState, toState, errText           sql.NullString
		status, attempts, inUse, capacity, waiters     sql.NullInt64
		bytesOut                                       sql.NullInt64
	)

	err := rows.Scan(
		&e.ID, &kind, &ts,
		&requestID, &listener, &route, &method, &host, &path, &status,
		&latency, &attempts, &bytesOut,
		&backend, &fromState, &toState,
		&inUse, &capacity, &waiters,
		&errText,
	)
	if err != nil {
		return nil, err
	}

	e.Kind = events.Kind(kind)
	e.Timestamp = time.Unix(0, ts)
	e.Latency = time.Duration(latency)
	e.RequestID = requestID.String
	e.Listener = listener.String
	e.Route = route.String
	e.Method = method.String
	e.Host = host.String
	e.Path = path.String
	e.Status = int(status.Int64)
	e.Attempts = int(attempts.Int64)
	e.BytesOut = bytesOut.Int64
	e.Backend = backend.String
	e.FromState = fromState.String
	e.ToState = toState.String
	e.InUse = int(inUse.Int64)
	e.Capacity = int(capacity.Int64)
	e.Waiters = int(waiters.Int64)
	e.Error = errText.String
	return &e, nil
}
