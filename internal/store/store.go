// Package store is the durable record of profiles, policy versions,
// exceptions, approval requests, usage and the audit trail, kept in SQLite.
//
// Writes go through Update, which serializes all writers of one profile
// behind a logical lock held around an IMMEDIATE transaction. Reads go
// through View and never observe a partial write.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/SoarinFerret/FamilyWarden/internal/clock"
	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/policy"
)

type Options struct {
	Path     string
	PoolSize int
	Logger   *zap.Logger
	Clock    clock.Clock
	// Location is the zone calendar days are computed in.
	Location *time.Location
}

type Store struct {
	pool  *pool
	log   *zap.Logger
	clock clock.Clock
	loc   *time.Location

	// key -> chan struct{} of capacity one
	locks sync.Map
}

func Open(opts Options) (*Store, error) {
	log := logger.OrNop(opts.Logger).Named("store")
	p, err := openPool(opts.Path, opts.PoolSize, log)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: p, log: log, clock: opts.Clock, loc: opts.Location}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.pool.close()
}

// Now returns the current time in the store's location.
func (s *Store) Now() time.Time {
	return s.clock.Now().In(s.loc)
}

func (s *Store) Location() *time.Location { return s.loc }

// Day returns the calendar day key of t in the store's location.
func (s *Store) Day(t time.Time) string {
	return policy.DayKey(t.In(s.loc))
}

// globalKey serializes writers that are not scoped to a single profile.
const globalKey = ""

func (s *Store) lock(ctx context.Context, key string) (func(), error) {
	v, _ := s.locks.LoadOrStore(key, make(chan struct{}, 1))
	ch := v.(chan struct{})
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, errs.Transient(ctx.Err(), "storage unavailable")
	}
}

// Update runs fn in an IMMEDIATE transaction while holding the logical lock
// for key, normally a profile ID. fn's error rolls the transaction back.
func (s *Store) Update(ctx context.Context, key string, fn func(*Tx) error) error {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	return classify(s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)
		return fn(s.newTx(conn))
	}))
}

// View runs fn in a deferred read transaction.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	return classify(s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Transaction(conn)(&err)
		return fn(s.newTx(conn))
	}))
}

func (s *Store) withConn(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)
	conn.SetInterrupt(ctx.Done())
	defer conn.SetInterrupt(nil)
	return fn(conn)
}

func (s *Store) newTx(conn *sqlite.Conn) *Tx {
	return &Tx{conn: conn, now: s.Now(), loc: s.loc}
}

// classify maps storage failures onto the error taxonomy. Errors that
// already carry a kind pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Transient(err, "storage unavailable")
	}
	code := sqlite.ErrCode(err)
	switch code {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return errs.Wrap(errs.KindConflict, err, "already exists")
	case sqlite.ResultConstraintTrigger:
		return errs.Wrap(errs.KindInternal, err, "write rejected by integrity trigger")
	}
	switch code.ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked, sqlite.ResultInterrupt:
		return errs.Transient(err, "storage unavailable")
	}
	return errs.Wrap(errs.KindInternal, err, "storage failure")
}

// Tx is one open transaction. It is only valid inside the Update or View
// callback that received it.
type Tx struct {
	conn *sqlite.Conn
	now  time.Time
	loc  *time.Location
}

// Now is the transaction's timestamp, fixed when it began.
func (tx *Tx) Now() time.Time { return tx.now }

func (tx *Tx) Day(t time.Time) string { return policy.DayKey(t.In(tx.loc)) }

func (tx *Tx) exec(query string, args ...any) error {
	return sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{Args: args})
}

func (tx *Tx) query(query string, fn func(*sqlite.Stmt) error, args ...any) error {
	return sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{Args: args, ResultFunc: fn})
}

func (tx *Tx) changes() int { return tx.conn.Changes() }

func (tx *Tx) time(stmt *sqlite.Stmt, col int) time.Time {
	if stmt.ColumnIsNull(col) {
		return time.Time{}
	}
	return time.Unix(0, stmt.ColumnInt64(col)).In(tx.loc)
}

func nanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
