package gatesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresEventTableName   = "gatesync_events"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresEventStore keeps one row per queued event, ordered by a serial id.
// The JSON payload is authoritative; the status column only exists so the
// pending/failed views can filter server-side.
type postgresEventStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresEventStore(dsn string) (EventStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresEventStore{
		dsn:       dsn,
		tableName: postgresEventTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *postgresEventStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				command_id TEXT NOT NULL UNIQUE,
				status TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *postgresEventStore) Append(event QueuedEvent) error {
	if strings.TrimSpace(event.CommandID) == "" {
		return &StorageError{Op: "append", Err: ErrInvalidInput}
	}
	if err := s.ensureReady(); err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"INSERT INTO %s (command_id, status, payload) VALUES ($1, $2, $3)",
		postgresQuoteIdentifier(s.tableName),
	)
	if _, err := s.db.ExecContext(ctx, query, event.CommandID, string(event.Status), string(payload)); err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	return nil
}

func (s *postgresEventStore) All() ([]QueuedEvent, error) {
	return s.query("")
}

func (s *postgresEventStore) Pending() ([]QueuedEvent, error) {
	return s.query(EventPending)
}

func (s *postgresEventStore) Failed() ([]QueuedEvent, error) {
	return s.query(EventFailed)
}

func (s *postgresEventStore) query(status EventStatus) ([]QueuedEvent, error) {
	if err := s.ensureReady(); err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var rows *sql.Rows
	var err error
	if status == "" {
		query := fmt.Sprintf("SELECT payload FROM %s ORDER BY id ASC", postgresQuoteIdentifier(s.tableName))
		rows, err = s.db.QueryContext(ctx, query)
	} else {
		query := fmt.Sprintf("SELECT payload FROM %s WHERE status = $1 ORDER BY id ASC", postgresQuoteIdentifier(s.tableName))
		rows, err = s.db.QueryContext(ctx, query, string(status))
	}
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	items := make([]QueuedEvent, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			return nil, &StorageError{Op: "query", Err: scanErr}
		}
		var event QueuedEvent
		if unmarshalErr := json.Unmarshal([]byte(payload), &event); unmarshalErr != nil {
			continue
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	return items, nil
}

func (s *postgresEventStore) Update(commandID string, mutate func(*QueuedEvent)) error {
	if err := s.ensureReady(); err != nil {
		return &StorageError{Op: "update", Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "update", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(
		"SELECT payload FROM %s WHERE command_id = $1 FOR UPDATE",
		postgresQuoteIdentifier(s.tableName),
	)
	var payload string
	err = tx.QueryRowContext(ctx, selectQuery, commandID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return &StorageError{Op: "update", Err: err}
	}
	var event QueuedEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return &StorageError{Op: "update", Err: err}
	}
	mutate(&event)
	updated, err := json.Marshal(event)
	if err != nil {
		return &StorageError{Op: "update", Err: err}
	}
	updateQuery := fmt.Sprintf(
		"UPDATE %s SET status = $1, payload = $2 WHERE command_id = $3",
		postgresQuoteIdentifier(s.tableName),
	)
	if _, err := tx.ExecContext(ctx, updateQuery, string(event.Status), string(updated), commandID); err != nil {
		return &StorageError{Op: "update", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "update", Err: err}
	}
	committed = true
	return nil
}

func (s *postgresEventStore) Remove(ids map[string]struct{}) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return &StorageError{Op: "remove", Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	commandIDs := make([]string, 0, len(ids))
	for id := range ids {
		commandIDs = append(commandIDs, id)
	}
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE command_id = ANY($1)",
		postgresQuoteIdentifier(s.tableName),
	)
	if _, err := s.db.ExecContext(ctx, query, pq.Array(commandIDs)); err != nil {
		return &StorageError{Op: "remove", Err: err}
	}
	return nil
}

func (s *postgresEventStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
