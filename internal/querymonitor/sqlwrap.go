package querymonitor

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver, registered for sqlx.Connect("postgres", ...)
)

// DB wraps a *sqlx.DB so queries made through its QueryContext,
// QueryxContext, GetContext, SelectContext and ExecContext methods are
// timed and handed to a Monitor's Record method, without handlers needing
// to instrument each call site themselves. Other methods promoted from the
// embedded *sqlx.DB are not timed or recorded.
type DB struct {
	*sqlx.DB
	monitor *Monitor
}

// Open connects to driverName/dsn via sqlx and wraps the result.
func Open(driverName, dsn string, monitor *Monitor) (*DB, error) {
	conn, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, err
	}
	return Wrap(conn, monitor), nil
}

// Wrap adapts an already-open *sqlx.DB.
func Wrap(conn *sqlx.DB, monitor *Monitor) *DB {
	return &DB{DB: conn, monitor: monitor}
}

// QueryContext runs query, timing it and recording it with the Monitor.
func (d *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.DB.QueryContext(ctx, query, args...)
	d.monitor.Record(ctx, query, time.Since(start))
	return rows, err
}

// QueryxContext runs query via sqlx's row-scanning query, timing it.
func (d *DB) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	start := time.Now()
	rows, err := d.DB.QueryxContext(ctx, query, args...)
	d.monitor.Record(ctx, query, time.Since(start))
	return rows, err
}

// GetContext runs a single-row query via sqlx.Get, timing it.
func (d *DB) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	start := time.Now()
	err := d.DB.GetContext(ctx, dest, query, args...)
	d.monitor.Record(ctx, query, time.Since(start))
	return err
}

// SelectContext runs a multi-row query via sqlx.Select, timing it.
func (d *DB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	start := time.Now()
	err := d.DB.SelectContext(ctx, dest, query, args...)
	d.monitor.Record(ctx, query, time.Since(start))
	return err
}

// ExecContext runs a mutation, timing it.
func (d *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	res, err := d.DB.ExecContext(ctx, query, args...)
	d.monitor.Record(ctx, query, time.Since(start))
	return res, err
}
