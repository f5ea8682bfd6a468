package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"feedbackcore.org/common"
	"feedbackcore.org/config"
)

// Postgres wraps the primary relational store. All repository access
// goes through this handle; callers never build raw SQL outside the
// repository layer.
type Postgres struct {
	gorm  *gorm.DB
	sqlDB *sql.DB
}

// Open connects to Postgres with a bounded pool. The base pool holds
// cfg.PoolSize idle connections; up to cfg.MaxOverflow more may be
// opened under load.
func Open(cfg config.DatabaseConfig) (*Postgres, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access pool: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.PoolSize)
	sqlDB.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{gorm: gdb, sqlDB: sqlDB}, nil
}

// NewWithConn wraps an existing connection. Used by tests with sqlmock.
func NewWithConn(conn *sql.DB) (*Postgres, error) {
	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 conn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		DryRun:      false,
		PrepareStmt: false,
	})
	if err != nil {
		return nil, err
	}
	return &Postgres{gorm: gdb, sqlDB: conn}, nil
}

// Gorm returns the underlying ORM handle.
func (p *Postgres) Gorm() *gorm.DB { return p.gorm }

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.sqlDB.PingContext(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() error { return p.sqlDB.Close() }

// Transaction runs fn inside an explicit transaction. The enrichment
// writers and the admin mutation engine span multiple statements per
// transaction; partial failure rolls the whole unit back.
func (p *Postgres) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return p.gorm.WithContext(ctx).Transaction(fn)
}

// retry policy constants
const (
	retryAttempts    = 3
	retryBaseBackoff = 50 * time.Millisecond
	retryJitterFrac  = 0.2
)

// WithRetry runs op up to three times, backing off exponentially with
// jitter between attempts. Only transient connection failures are
// retried; constraint violations and logical errors surface immediately.
func WithRetry(ctx context.Context, op func() error) error {
	var err error
	backoff := retryBaseBackoff
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = op()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}

		jitter := time.Duration((rand.Float64()*2 - 1) * retryJitterFrac * float64(backoff))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return common.E(common.KindTimeout, "retry cancelled", ctx.Err())
		}
		backoff *= 2
	}
	return common.E(common.KindUnavailable, "database unreachable after retries", err)
}

// IsTransient reports whether err looks like a recoverable connection
// failure rather than a logical error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"pool timeout",
		"too many clients",
		"i/o timeout",
		"server closed the connection",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// ReadOnly returns the narrowed handle handed to the analytics engine
// and the QA SQL tool.
func (p *Postgres) ReadOnly() *ReadOnlyDB {
	return &ReadOnlyDB{pg: p}
}

// ReadOnlyDB refuses any statement outside the projection/aggregation
// whitelist. It is the only SQL surface the analytics paths see.
type ReadOnlyDB struct {
	pg *Postgres
}

// ErrStatementRejected is returned for statements outside the whitelist.
var ErrStatementRejected = common.E(common.KindValidation, "only SELECT statements are permitted on the read-only path")

// allowedStatement verifies the statement starts with a projection or
// aggregation shape and carries no data-modifying verbs.
func allowedStatement(query string) bool {
	q := strings.TrimSpace(strings.ToUpper(query))
	if !strings.HasPrefix(q, "SELECT") && !strings.HasPrefix(q, "WITH") {
		return false
	}
	for _, verb := range []string{"INSERT ", "UPDATE ", "DELETE ", "DROP ", "ALTER ", "TRUNCATE ", "CREATE ", "GRANT ", "REVOKE ", "REFRESH "} {
		if strings.Contains(q, verb) {
			return false
		}
	}
	return true
}

// Query runs a whitelisted statement and returns a row cursor.
func (r *ReadOnlyDB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if !allowedStatement(query) {
		return nil, ErrStatementRejected
	}
	var rows *sql.Rows
	err := WithRetry(ctx, func() error {
		var qerr error
		rows, qerr = r.pg.gorm.WithContext(ctx).Raw(query, args...).Rows()
		return qerr
	})
	return rows, err
}

// QueryRow runs a whitelisted statement and scans the single result row
// into dest.
func (r *ReadOnlyDB) QueryRow(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if !allowedStatement(query) {
		return ErrStatementRejected
	}
	return WithRetry(ctx, func() error {
		return r.pg.gorm.WithContext(ctx).Raw(query, args...).Scan(dest).Error
	})
}
