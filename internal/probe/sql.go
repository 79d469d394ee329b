package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"

	"kpiwatch/internal/indicator"
)

// ConnectionConfig describes one named data source an indicator probe can
// target.
type ConnectionConfig struct {
	Type     string `yaml:"type"` // mysql | postgres | mssql
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

type sqlConn struct {
	kind string
	db   *sql.DB
}

// SQLRunner executes indicator probes as stored-procedure calls over
// database/sql. Each procedure takes the lookback window in minutes and one
// opaque parameter, and returns a single row: current value and a nullable
// baseline.
type SQLRunner struct {
	conns map[string]sqlConn
}

func NewSQLRunner(configs map[string]ConnectionConfig) (*SQLRunner, error) {
	if len(configs) == 0 {
		return nil, errors.New("no probe connections configured")
	}
	conns := map[string]sqlConn{}
	for name, cfg := range configs {
		kind, dsn, driver, err := buildDSN(cfg)
		if err != nil {
			return nil, fmt.Errorf("connection %q: %w", name, err)
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open connection %q: %w", name, err)
		}
		conns[name] = sqlConn{kind: kind, db: db}
	}
	return &SQLRunner{conns: conns}, nil
}

func (r *SQLRunner) Close() error {
	var firstErr error
	for _, c := range r.conns {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *SQLRunner) Run(ctx context.Context, ref indicator.ProbeRef, lookbackMinutes int) (Result, error) {
	c, ok := r.conns[ref.Connection]
	if !ok {
		return Result{}, &Error{Kind: FailureConnection, Ref: ref.Procedure, Err: fmt.Errorf("unknown connection %q", ref.Connection)}
	}
	if !isSafeIdentifier(ref.Procedure) {
		return Result{}, malformed(ref, fmt.Errorf("unsafe procedure name %q", ref.Procedure))
	}
	var query string
	switch c.kind {
	case "mssql":
		query = fmt.Sprintf("EXEC %s @lookback_minutes = @p1, @parameter = @p2", ref.Procedure)
	case "mysql":
		query = fmt.Sprintf("CALL %s(?, ?)", ref.Procedure)
	default:
		query = fmt.Sprintf("SELECT current_value, baseline_value FROM %s($1, $2)", ref.Procedure)
	}
	row := c.db.QueryRowContext(ctx, query, lookbackMinutes, ref.Parameter)
	var current float64
	var baseline sql.NullFloat64
	if err := row.Scan(&current, &baseline); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, malformed(ref, errors.New("procedure returned no rows"))
		}
		return Result{}, failure(ref, err)
	}
	result := Result{Current: current}
	if baseline.Valid {
		value := baseline.Float64
		result.Baseline = &value
	}
	return result, nil
}

func buildDSN(cfg ConnectionConfig) (kind, dsn, driver string, err error) {
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "mysql":
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, port, cfg.Database)
		if sslMode == "disable" {
			dsn += "&tls=false"
		} else if sslMode != "" {
			dsn += "&tls=true"
		}
		return "mysql", dsn, "mysql", nil
	case "postgres", "postgresql":
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", cfg.Host, port, cfg.User, cfg.Password, cfg.Database, sslMode)
		return "postgres", dsn, "postgres", nil
	case "mssql", "sqlserver":
		port := cfg.Port
		if port == 0 {
			port = 1433
		}
		encrypt := "true"
		if sslMode == "disable" {
			encrypt = "disable"
		}
		user := url.QueryEscape(cfg.User)
		pass := url.QueryEscape(cfg.Password)
		dsn = fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s", user, pass, cfg.Host, port, cfg.Database, encrypt)
		return "mssql", dsn, "sqlserver", nil
	case "":
		return "", "", "", errors.New("connection type is required")
	default:
		return "", "", "", fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}
