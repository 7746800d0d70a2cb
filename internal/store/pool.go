package store

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool wraps a zombiezen connection pool with the pragmas every connection
// needs and the schema applied on connect.
type pool struct {
	inner *sqlitex.Pool
	log   *zap.Logger
	path  string
}

func openPool(path string, size int, log *zap.Logger) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if size <= 0 {
		size = runtime.NumCPU()
		if size < 4 {
			size = 4
		}
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	log.Info("sqlite pool opened", zap.String("path", path), zap.Int("pool_size", size))
	return &pool{inner: inner, log: log, path: path}, nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	return p.inner.Take(ctx)
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.log.Error("sqlite pool close error", zap.String("path", p.path), zap.Error(err))
		return fmt.Errorf("store: closing %s: %w", p.path, err)
	}
	p.log.Info("sqlite pool closed", zap.String("path", p.path))
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}
