package dataset

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/saacpsi/psistreams/errors"
)

// DatabaseFile is the sqlite file of a store inside its directory
const DatabaseFile = "store.db"

//go:embed schema.sql
var schemaSQL string

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// StreamInfo describes a stream of a store
type StreamInfo struct {
	Name       string
	TypeName   string
	Serializer string
	CreatedAt  time.Time
	Count      int64
	// First and Last are the originating time bounds, zero for an empty stream
	First time.Time
	Last  time.Time
}

// Record is one persisted message
type Record struct {
	Stream          string
	Seq             int64
	OriginatingTime time.Time
	CreationTime    time.Time
	Payload         []byte
}

// Store is an append-only container of named streams backed by sqlite
type Store struct {
	name     string
	dir      string
	readOnly bool
	db       *sql.DB

	mu      sync.Mutex
	streams map[string]int64
	seqs    map[int64]int64
	closed  bool
}

// CreateStore opens the store in dir for writing, creating it if needed
func CreateStore(name, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapTransient(err, "Store", "CreateStore", "create "+dir)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, DatabaseFile))
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "CreateStore", "open database")
	}
	// one connection keeps the per-stream sequence consistent with the table
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.WrapTransient(err, "Store", "CreateStore", p)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "Store", "CreateStore", "create schema")
	}
	s := &Store{name: name, dir: dir, db: db, streams: make(map[string]int64), seqs: make(map[int64]int64)}
	if err := s.loadStreams(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenStore opens an existing store for reading
func OpenStore(name, dir string) (*Store, error) {
	path := filepath.Join(dir, DatabaseFile)
	if _, err := os.Stat(path); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrStoreNotFound, path), "Store", "OpenStore", "stat database")
	}
	// _pragma applies to every pooled connection
	db, err := sql.Open("sqlite", path+"?_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "OpenStore", "open database")
	}
	s := &Store{name: name, dir: dir, readOnly: true, db: db, streams: make(map[string]int64), seqs: make(map[int64]int64)}
	if err := s.loadStreams(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Name returns the store name
func (s *Store) Name() string { return s.name }

// Dir returns the store directory
func (s *Store) Dir() string { return s.dir }

// ReadOnly reports whether the store was opened for reading
func (s *Store) ReadOnly() bool { return s.readOnly }

func (s *Store) loadStreams() error {
	rows, err := s.db.Query(`SELECT s.id, s.name, COALESCE(MAX(m.seq), 0) FROM streams s
		LEFT JOIN messages m ON m.stream_id = s.id GROUP BY s.id`)
	if err != nil {
		return errors.WrapTransient(err, "Store", "loadStreams", "query streams")
	}
	defer rows.Close()
	for rows.Next() {
		var id, seq int64
		var name string
		if err := rows.Scan(&id, &name, &seq); err != nil {
			return errors.WrapTransient(err, "Store", "loadStreams", "scan stream")
		}
		s.streams[name] = id
		s.seqs[id] = seq
	}
	return rows.Err()
}

// AddStream declares a stream. Declaring an existing stream again is a no-op.
func (s *Store) AddStream(name, typeName, serializer string) error {
	if s.readOnly {
		return errors.WrapInvalid(errors.ErrReadOnlyStore, "Store", "AddStream", "add "+name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WrapInvalid(errors.ErrStorageUnavailable, "Store", "AddStream", "add "+name)
	}
	if _, ok := s.streams[name]; ok {
		return nil
	}
	res, err := s.db.Exec(`INSERT INTO streams (name, type_name, serializer, created_at) VALUES (?, ?, ?, ?)`,
		name, typeName, serializer, time.Now().UnixNano())
	if err != nil {
		return errors.WrapTransient(err, "Store", "AddStream", "insert "+name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.WrapTransient(err, "Store", "AddStream", "read stream id")
	}
	s.streams[name] = id
	s.seqs[id] = 0
	return nil
}

// Write appends a payload to a declared stream and returns its sequence number
func (s *Store) Write(stream string, originatingTime, creationTime time.Time, payload []byte) (int64, error) {
	if s.readOnly {
		return 0, errors.WrapInvalid(errors.ErrReadOnlyStore, "Store", "Write", "write "+stream)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.WrapInvalid(errors.ErrStorageUnavailable, "Store", "Write", "write "+stream)
	}
	id, ok := s.streams[stream]
	if !ok {
		return 0, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrStreamNotFound, stream), "Store", "Write", "write")
	}
	seq := s.seqs[id] + 1
	if _, err := s.db.Exec(`INSERT INTO messages (stream_id, seq, originating_time, creation_time, payload) VALUES (?, ?, ?, ?, ?)`,
		id, seq, originatingTime.UnixNano(), creationTime.UnixNano(), payload); err != nil {
		return 0, errors.WrapTransient(err, "Store", "Write", "insert into "+stream)
	}
	s.seqs[id] = seq
	return seq, nil
}

// Streams lists the streams with their message counts
func (s *Store) Streams(ctx context.Context) ([]StreamInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.name, s.type_name, s.serializer, s.created_at, COUNT(m.seq),
		COALESCE(MIN(m.originating_time), 0), COALESCE(MAX(m.originating_time), 0)
		FROM streams s LEFT JOIN messages m ON m.stream_id = s.id GROUP BY s.id ORDER BY s.name`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Streams", "query streams")
	}
	defer rows.Close()

	var out []StreamInfo
	for rows.Next() {
		var info StreamInfo
		var created, first, last int64
		if err := rows.Scan(&info.Name, &info.TypeName, &info.Serializer, &created, &info.Count, &first, &last); err != nil {
			return nil, errors.WrapTransient(err, "Store", "Streams", "scan stream")
		}
		info.CreatedAt = time.Unix(0, created)
		if info.Count > 0 {
			info.First, info.Last = time.Unix(0, first), time.Unix(0, last)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Stream returns the description of one stream
func (s *Store) Stream(ctx context.Context, name string) (StreamInfo, error) {
	infos, err := s.Streams(ctx)
	if err != nil {
		return StreamInfo{}, err
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return StreamInfo{}, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrStreamNotFound, name), "Store", "Stream", "lookup")
}

// Read calls fn with the messages of stream whose originating time is in
// [from, to), in originating time order. A zero bound is open. An error
// returned by fn stops the read and is returned.
func (s *Store) Read(ctx context.Context, stream string, from, to time.Time, fn func(Record) error) error {
	query := `SELECT m.seq, m.originating_time, m.creation_time, m.payload FROM messages m
		JOIN streams s ON s.id = m.stream_id WHERE s.name = ?`
	args := []any{stream}
	if !from.IsZero() {
		query += ` AND m.originating_time >= ?`
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		query += ` AND m.originating_time < ?`
		args = append(args, to.UnixNano())
	}
	query += ` ORDER BY m.originating_time, m.seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.WrapTransient(err, "Store", "Read", "query "+stream)
	}
	defer rows.Close()
	for rows.Next() {
		var originating, creation int64
		r := Record{Stream: stream}
		if err := rows.Scan(&r.Seq, &originating, &creation, &r.Payload); err != nil {
			return errors.WrapTransient(err, "Store", "Read", "scan "+stream)
		}
		r.OriginatingTime = time.Unix(0, originating)
		r.CreationTime = time.Unix(0, creation)
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ReadAll calls fn for every message of every stream in [from, to), in
// originating time order. A zero bound is open.
func (s *Store) ReadAll(ctx context.Context, from, to time.Time, fn func(Record) error) error {
	query := `SELECT s.name, m.seq, m.originating_time, m.creation_time, m.payload FROM messages m
		JOIN streams s ON s.id = m.stream_id WHERE 1 = 1`
	var args []any
	if !from.IsZero() {
		query += ` AND m.originating_time >= ?`
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		query += ` AND m.originating_time < ?`
		args = append(args, to.UnixNano())
	}
	query += ` ORDER BY m.originating_time, m.stream_id, m.seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.WrapTransient(err, "Store", "ReadAll", "query "+s.name)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r                     Record
			originating, creation int64
		)
		if err := rows.Scan(&r.Stream, &r.Seq, &originating, &creation, &r.Payload); err != nil {
			return errors.WrapTransient(err, "Store", "ReadAll", "scan "+s.name)
		}
		r.OriginatingTime = time.Unix(0, originating)
		r.CreationTime = time.Unix(0, creation)
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// TimeRange returns the first and last originating times over every stream
func (s *Store) TimeRange(ctx context.Context) (first, last time.Time, err error) {
	var lo, hi sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(originating_time), MAX(originating_time) FROM messages`).Scan(&lo, &hi); err != nil {
		return time.Time{}, time.Time{}, errors.WrapTransient(err, "Store", "TimeRange", "query")
	}
	if !lo.Valid {
		return time.Time{}, time.Time{}, nil
	}
	return time.Unix(0, lo.Int64), time.Unix(0, hi.Int64), nil
}

// Close releases the database; later writes fail
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if err := s.db.Close(); err != nil && !stderrors.Is(err, sql.ErrConnDone) {
		return errors.WrapTransient(err, "Store", "Close", "close database")
	}
	return nil
}
