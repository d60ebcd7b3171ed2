package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/opsverify/conncheck/internal/bridge"
	"github.com/opsverify/conncheck/internal/config"
	"github.com/opsverify/conncheck/internal/result"
)

// PostgresParams configures a PostgreSQL adapter.
type PostgresParams struct {
	config.DBConfig
	Timeout  time.Duration
	Delegate *bridge.Delegate
}

// postgresAdapter probes a PostgreSQL database through database/sql.
type postgresAdapter struct {
	params PostgresParams
	log    logrus.FieldLogger

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewPostgres builds the PostgreSQL adapter for the given parameters.
func NewPostgres(params PostgresParams, log logrus.FieldLogger) Database {
	if params.Delegate != nil {
		return &delegatedDatabase{delegated{
			delegate: params.Delegate,
			protocol: result.ProtocolPostgres,
			host:     params.Host,
			port:     params.Port,
		}}
	}

	return &postgresAdapter{
		params: params,
		log:    log.WithField("adapter", "postgresql"),
	}
}

func (a *postgresAdapter) Protocol() result.Protocol { return result.ProtocolPostgres }

func (a *postgresAdapter) dsn() string {
	sslMode := a.params.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		a.params.Host,
		a.params.Port,
		a.params.Database,
		a.params.Username,
		a.params.Password,
		sslMode,
		int(a.params.Timeout.Seconds()),
	)
}

// ensureDB lazily opens and pings the shared pool.
func (a *postgresAdapter) ensureDB(ctx context.Context) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.db != nil {
		return a.db, nil
	}

	db, err := sql.Open("postgres", a.dsn())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(2)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	a.db = db

	return db, nil
}

func (a *postgresAdapter) TestConnectivity(ctx context.Context) Outcome {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.params.Timeout)
	defer cancel()

	db, err := a.ensureDB(ctx)
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to postgresql: %w", err), postgresFailure(err))
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return probeFailure(start, fmt.Errorf("querying version: %w", err), result.FailureUnreachable)
	}

	return pass(start, fmt.Sprintf("connected to postgresql database %q", a.params.Database)).
		With("host", a.params.Host).
		With("database", a.params.Database).
		With("server_version", version)
}

func (a *postgresAdapter) TestAuthentication(ctx context.Context) Outcome {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.params.Timeout)
	defer cancel()

	// Fresh pool so the credential exchange runs here instead of reusing the
	// connectivity probe's session.
	db, err := sql.Open("postgres", a.dsn())
	if err != nil {
		return probeFailure(start, fmt.Errorf("postgresql authentication: %w", err), postgresFailure(err))
	}
	defer func() { _ = db.Close() }()

	var user, database string
	if err := db.QueryRowContext(ctx, "SELECT current_user, current_database()").Scan(&user, &database); err != nil {
		return probeFailure(start, fmt.Errorf("postgresql authentication: %w", err), postgresFailure(err))
	}

	return pass(start, "postgresql authentication successful").
		With("current_user", user).
		With("current_database", database)
}

// TestTableAccess verifies the table exists and this role can read it.
func (a *postgresAdapter) TestTableAccess(ctx context.Context, table string) Outcome {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.params.Timeout)
	defer cancel()

	db, err := a.ensureDB(ctx)
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to postgresql: %w", err), postgresFailure(err))
	}

	var exists bool
	err = db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)",
		table,
	).Scan(&exists)
	if err != nil {
		return probeFailure(start, fmt.Errorf("checking table %q: %w", table, err), result.FailureFunctional)
	}

	if !exists {
		return fail(start, result.FailureFunctional, fmt.Errorf("table %q does not exist", table))
	}

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", pq.QuoteIdentifier(table))
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return probeFailure(start, fmt.Errorf("reading table %q: %w", table, err), result.FailureFunctional)
	}

	return pass(start, fmt.Sprintf("table %q is readable", table)).
		With("table", table).
		With("row_count", count)
}

// TestQuery executes a representative read-only query and reports its timing.
func (a *postgresAdapter) TestQuery(ctx context.Context, query string) Outcome {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.params.Timeout)
	defer cancel()

	db, err := a.ensureDB(ctx)
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to postgresql: %w", err), postgresFailure(err))
	}

	queryStart := time.Now()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return probeFailure(start, fmt.Errorf("executing query: %w", err), result.FailureFunctional)
	}
	defer func() { _ = rows.Close() }()

	rowCount := 0
	for rows.Next() {
		rowCount++
	}

	if err := rows.Err(); err != nil {
		return probeFailure(start, fmt.Errorf("reading query results: %w", err), result.FailureFunctional)
	}

	return pass(start, "query executed successfully").
		With("rows", rowCount).
		With("query_duration_ms", time.Since(queryStart).Milliseconds())
}

func (a *postgresAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.db == nil {
		a.closed = true
		return nil
	}

	a.closed = true

	return a.db.Close()
}

// postgresFailure maps pq error codes: 28000/28P01 are credential rejections.
func postgresFailure(err error) result.Failure {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "28000", "28P01":
			return result.FailureAuthRejected
		}
	}

	return result.FailureUnreachable
}
