// Package journal persists JIT engine events to a SQLite database.
//
// Record never blocks the compiler: events go through a bounded queue to a
// background goroutine that writes them in batches. When the queue is full
// the event is dropped and counted.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/versa/jit"
)

var log = commonlog.GetLogger("versa.journal")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	time   INTEGER NOT NULL,
	kind   TEXT    NOT NULL,
	method TEXT    NOT NULL,
	idx    INTEGER NOT NULL,
	block  INTEGER NOT NULL,
	detail TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS events_kind ON events(kind);
`

const (
	defaultQueueSize = 1024
	defaultBatchSize = 128
)

// item is one queue entry: an event, or a flush barrier when ack is set.
type item struct {
	ev  jit.Event
	ack chan struct{}
}

// Journal is an asynchronous jit.EventSink backed by SQLite.
type Journal struct {
	db        *sql.DB
	path      string
	batchSize int

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan item
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
}

// Option configures a Journal.
type Option func(*Journal)

// WithQueueSize sets how many events may wait to be written.
func WithQueueSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.queue = make(chan item, n)
		}
	}
}

// WithBatchSize sets how many events are written per transaction.
func WithBatchSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// Open opens (creating if needed) the journal database at path and starts
// the writer.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// In-memory databases are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema in %s: %w", path, err)
	}

	j := &Journal{
		db:        db,
		path:      path,
		batchSize: defaultBatchSize,
		queue:     make(chan item, defaultQueueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	go j.loop()
	log.Infof("journal open: %s", path)
	return j, nil
}

// Record implements jit.EventSink.
func (j *Journal) Record(ev jit.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.queue <- item{ev: ev}:
	default:
		if j.dropped.Add(1) == 1 {
			log.Warningf("journal queue full, dropping events")
		}
	}
}

// Flush waits until every event recorded before the call has been written.
func (j *Journal) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return fmt.Errorf("journal: closed")
	}
	select {
	case j.queue <- item{ack: ack}:
		j.mu.RUnlock()
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes the queued events and closes the database. Events recorded
// afterwards are dropped.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	log.Infof("journal closed: %d written, %d dropped", j.written.Load(), j.dropped.Load())
	return j.db.Close()
}

// Written returns the number of events stored so far.
func (j *Journal) Written() uint64 { return j.written.Load() }

// Dropped returns the number of events lost to a full queue or a closed
// journal.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// ---------------------------------------------------------------------------
// Writer
// ---------------------------------------------------------------------------

func (j *Journal) loop() {
	defer close(j.done)
	batch := make([]jit.Event, 0, j.batchSize)
	var acks []chan struct{}

	for it := range j.queue {
		batch, acks = j.collect(it, batch, acks)
	drain:
		for len(batch) < j.batchSize {
			select {
			case next, ok := <-j.queue:
				if !ok {
					break drain
				}
				batch, acks = j.collect(next, batch, acks)
			default:
				break drain
			}
		}

		if len(batch) > 0 {
			if err := j.insert(batch); err != nil {
				log.Errorf("journal write failed, %d events lost: %s", len(batch), err)
				j.dropped.Add(uint64(len(batch)))
			} else {
				j.written.Add(uint64(len(batch)))
			}
			batch = batch[:0]
		}
		for _, ack := range acks {
			close(ack)
		}
		acks = acks[:0]
	}
}

func (j *Journal) collect(it item, batch []jit.Event, acks []chan struct{}) ([]jit.Event, []chan struct{}) {
	if it.ack != nil {
		return batch, append(acks, it.ack)
	}
	return append(batch, it.ev), acks
}

func (j *Journal) insert(batch []jit.Event) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO events (time, kind, method, idx, block, detail) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, ev := range batch {
		if _, err := stmt.Exec(ev.Time.UnixNano(), string(ev.Kind), ev.Method, ev.Index, ev.Block, ev.Detail); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s event: %w", ev.Kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Debugf("journal wrote %d events", len(batch))
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Query returns the stored events of the given kind in recording order.
// An empty kind returns every event.
func (j *Journal) Query(ctx context.Context, kind jit.EventKind) ([]jit.Event, error) {
	query := `SELECT time, kind, method, idx, block, detail FROM events`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY id`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query %q: %w", kind, err)
	}
	defer rows.Close()

	var out []jit.Event
	for rows.Next() {
		var (
			ev    jit.Event
			nanos int64
			k     string
		)
		if err := rows.Scan(&nanos, &k, &ev.Method, &ev.Index, &ev.Block, &ev.Detail); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		ev.Time = time.Unix(0, nanos)
		ev.Kind = jit.EventKind(k)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: query %q: %w", kind, err)
	}
	return out, nil
}

// Counts returns the number of stored events per kind.
func (j *Journal) Counts(ctx context.Context) (map[jit.EventKind]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("journal: counts: %w", err)
	}
	defer rows.Close()
	out := make(map[jit.EventKind]int)
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out[jit.EventKind(k)] = n
	}
	return out, rows.Err()
}
