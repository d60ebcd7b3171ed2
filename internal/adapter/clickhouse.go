package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"github.com/opsverify/conncheck/internal/bridge"
	"github.com/opsverify/conncheck/internal/config"
	"github.com/opsverify/conncheck/internal/result"
)

// ClickHouse authentication failure exception code.
const chAuthFailedCode = 516

// ClickHouseParams configures a ClickHouse adapter.
type ClickHouseParams struct {
	config.ClickHouseConfig
	Timeout  time.Duration
	Delegate *bridge.Delegate
}

// clickhouseAdapter probes a ClickHouse cluster over the native protocol.
type clickhouseAdapter struct {
	params ClickHouseParams
	log    logrus.FieldLogger

	mu     sync.Mutex
	conn   driver.Conn
	closed bool
}

// NewClickHouse builds the ClickHouse adapter for the given parameters.
func NewClickHouse(params ClickHouseParams, log logrus.FieldLogger) Database {
	if params.Delegate != nil {
		return &delegatedDatabase{delegated{
			delegate: params.Delegate,
			protocol: result.ProtocolClickHouse,
			host:     params.Host,
			port:     params.Port,
		}}
	}

	return &clickhouseAdapter{
		params: params,
		log:    log.WithField("adapter", "clickhouse"),
	}
}

func (a *clickhouseAdapter) Protocol() result.Protocol { return result.ProtocolClickHouse }

func (a *clickhouseAdapter) open() (driver.Conn, error) {
	return clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", a.params.Host, a.params.Port)},
		Auth: clickhouse.Auth{
			Database: a.params.Database,
			Username: a.params.Username,
			Password: a.params.Password,
		},
		DialTimeout:  a.params.Timeout,
		MaxOpenConns: 2,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
}

// ensureConn lazily opens and pings the shared connection.
func (a *clickhouseAdapter) ensureConn(ctx context.Context) (driver.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return a.conn, nil
	}

	conn, err := a.open()
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	a.conn = conn

	return conn, nil
}

func (a *clickhouseAdapter) TestConnectivity(ctx context.Context) Outcome {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.params.Timeout)
	defer cancel()

	conn, err := a.ensureConn(ctx)
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to clickhouse: %w", err), clickhouseFailure(err))
	}

	var version string
	if err := conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return probeFailure(start, fmt.Errorf("querying version: %w", err), result.FailureUnreachable)
	}

	return pass(start, fmt.Sprintf("connected to clickhouse database %q", a.params.Database)).
		With("host", a.params.Host).
		With("database", a.params.Database).
		With("server_version", version)
}

func (a *clickhouseAdapter) TestAuthentication(ctx context.Context) Outcome {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.params.Timeout)
	defer cancel()

	conn, err := a.open()
	if err != nil {
		return probeFailure(start, fmt.Errorf("clickhouse authentication: %w", err), clickhouseFailure(err))
	}
	defer func() { _ = conn.Close() }()

	if err := conn.Ping(ctx); err != nil {
		return probeFailure(start, fmt.Errorf("clickhouse authentication: %w", err), clickhouseFailure(err))
	}

	var user string
	if err := conn.QueryRow(ctx, "SELECT currentUser()").Scan(&user); err != nil {
		return probeFailure(start, fmt.Errorf("clickhouse authentication: %w", err), clickhouseFailure(err))
	}

	return pass(start, "clickhouse authentication successful").
		With("current_user", user)
}

// TestTableAccess verifies the table exists in this database and is readable.
func (a *clickhouseAdapter) TestTableAccess(ctx context.Context, table string) Outcome {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.params.Timeout)
	defer cancel()

	conn, err := a.ensureConn(ctx)
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to clickhouse: %w", err), clickhouseFailure(err))
	}

	var exists uint64
	err = conn.QueryRow(ctx,
		"SELECT count() FROM system.tables WHERE database = ? AND name = ?",
		a.params.Database, table,
	).Scan(&exists)
	if err != nil {
		return probeFailure(start, fmt.Errorf("checking table %q: %w", table, err), result.FailureFunctional)
	}

	if exists == 0 {
		return fail(start, result.FailureFunctional,
			fmt.Errorf("table %q does not exist in database %q", table, a.params.Database))
	}

	var count uint64
	query := fmt.Sprintf("SELECT count() FROM `%s`.`%s`", a.params.Database, table)
	if err := conn.QueryRow(ctx, query).Scan(&count); err != nil {
		return probeFailure(start, fmt.Errorf("reading table %q: %w", table, err), result.FailureFunctional)
	}

	return pass(start, fmt.Sprintf("table %q is readable", table)).
		With("table", table).
		With("row_count", count)
}

// TestQuery executes a representative read-only query and reports its timing.
func (a *clickhouseAdapter) TestQuery(ctx context.Context, query string) Outcome {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.params.Timeout)
	defer cancel()

	conn, err := a.ensureConn(ctx)
	if err != nil {
		return probeFailure(start, fmt.Errorf("connecting to clickhouse: %w", err), clickhouseFailure(err))
	}

	queryStart := time.Now()

	rows, err := conn.Query(ctx, query)
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

func (a *clickhouseAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.conn == nil {
		a.closed = true
		return nil
	}

	a.closed = true

	return a.conn.Close()
}

// clickhouseFailure maps server exceptions: code 516 is a credential
// rejection, anything else during connect counts as unreachable.
func clickhouseFailure(err error) result.Failure {
	var exception *clickhouse.Exception
	if errors.As(err, &exception) && exception.Code == chAuthFailedCode {
		return result.FailureAuthRejected
	}

	return result.FailureUnreachable
}
