package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned for writes submitted after Close.
var ErrClosed = errors.New("store closed")

// DB wraps the SQLite connection pool for the session-owned chat.db.
// Reads go straight to the pool; writes are queued and applied one at a
// time, first-come-first-served, on a dedicated connection.
type DB struct {
	*sql.DB

	writer  *sql.Conn
	jobs    chan writeJob
	quit    chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

type writeJob struct {
	ctx  context.Context
	fn   func(tx *sql.Tx) error
	done chan error
}

// Option tunes Open.
type Option func(*options)

type options struct {
	quotaBytes int64
	queueSize  int
}

// WithQuota caps the database file size. Writes that would grow past it fail
// with a QuotaExceeded StorageError. Zero means no cap.
func WithQuota(bytes int64) Option {
	return func(o *options) { o.quotaBytes = bytes }
}

// WithQueueSize sets the write queue depth.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas
// and starts the write queue.
func Open(path string, opts ...Option) (*DB, error) {
	o := options{queueSize: 64}
	for _, opt := range opts {
		opt(&o)
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", classify(err))
	}

	ctx := context.Background()
	writer, err := sqlDB.Conn(ctx)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("writer conn: %w", err)
	}
	if o.quotaBytes > 0 {
		if err := applyQuota(ctx, writer, o.quotaBytes); err != nil {
			_ = writer.Close()
			_ = sqlDB.Close()
			return nil, err
		}
	}

	db := &DB{
		DB:      sqlDB,
		writer:  writer,
		jobs:    make(chan writeJob, o.queueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	db.wg.Add(1)
	go db.writeLoop()
	return db, nil
}

func applyQuota(ctx context.Context, conn *sql.Conn, quotaBytes int64) error {
	var pageSize int64
	if err := conn.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return fmt.Errorf("read page size: %w", err)
	}
	pages := quotaBytes / pageSize
	if pages < 1 {
		pages = 1
	}
	// max_page_count is per connection; every write uses this one.
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`PRAGMA max_page_count = %d`, pages)); err != nil {
		return fmt.Errorf("set max_page_count: %w", err)
	}
	return nil
}

// Close drains the write queue and closes all connections.
func (db *DB) Close() error {
	db.once.Do(func() { close(db.quit) })
	db.wg.Wait()
	_ = db.writer.Close()
	return db.DB.Close()
}

// Write runs fn inside a single transaction on the write queue. Either every
// statement in fn commits or none does.
func (db *DB) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	select {
	case <-db.quit:
		return ErrClosed
	default:
	}
	job := writeJob{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case db.jobs <- job:
	case <-db.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-db.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *DB) writeLoop() {
	defer db.wg.Done()
	defer close(db.stopped)
	for {
		select {
		case job := <-db.jobs:
			job.done <- db.run(job)
		case <-db.quit:
			// Fail whatever is still queued.
			for {
				select {
				case job := <-db.jobs:
					job.done <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (db *DB) run(job writeJob) error {
	if err := job.ctx.Err(); err != nil {
		return err
	}
	tx, err := db.writer.BeginTx(job.ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := job.fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}
