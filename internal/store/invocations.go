package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// Invocation is one executed command and how it ended.
type Invocation struct {
	ID           string
	EventID      string
	Command      string
	Conversation string
	Actor        string
	Outcome      string
	Members      int
	Duration     time.Duration
	Error        string
	CreatedAt    time.Time
}

// ConnectionEvent is one recorded session state change.
type ConnectionEvent struct {
	State     string
	Reason    string
	Detail    string
	CreatedAt time.Time
}

// Stats summarizes the audit log.
type Stats struct {
	Total     int
	ByOutcome map[string]int
	Last      *Invocation
}

// RecordInvocation stores inv. A missing ID or timestamp is filled in.
func (db *DB) RecordInvocation(ctx context.Context, inv Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO invocations (id, event_id, command, conversation, actor, outcome, members, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.EventID, inv.Command, inv.Conversation, inv.Actor, inv.Outcome,
		inv.Members, inv.Duration.Milliseconds(), inv.Error, inv.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("recording invocation: %w", err)
	}
	return nil
}

// RecentInvocations returns up to limit invocations, newest first. An
// empty conversation matches all.
func (db *DB) RecentInvocations(ctx context.Context, conversation string, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, event_id, command, conversation, actor, outcome, members, duration_ms, error, created_at
		FROM invocations`
	args := []any{}
	if conversation != "" {
		query += ` WHERE conversation = ?`
		args = append(args, conversation)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var (
			inv        Invocation
			durationMs int64
			createdAt  string
		)
		if err := rows.Scan(&inv.ID, &inv.EventID, &inv.Command, &inv.Conversation, &inv.Actor,
			&inv.Outcome, &inv.Members, &durationMs, &inv.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning invocation: %w", err)
		}
		inv.Duration = time.Duration(durationMs) * time.Millisecond
		inv.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// InvocationStats counts invocations per outcome.
func (db *DB) InvocationStats(ctx context.Context) (Stats, error) {
	st := Stats{ByOutcome: make(map[string]int)}

	rows, err := db.sql.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM invocations GROUP BY outcome`)
	if err != nil {
		return st, fmt.Errorf("counting invocations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return st, fmt.Errorf("scanning stats: %w", err)
		}
		st.ByOutcome[outcome] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	recent, err := db.RecentInvocations(ctx, "", 1)
	if err != nil {
		return st, err
	}
	if len(recent) == 1 {
		st.Last = &recent[0]
	}
	return st, nil
}

// RecordConnection stores a session state change.
func (db *DB) RecordConnection(ctx context.Context, ev ConnectionEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO connection_events (state, reason, detail, created_at) VALUES (?, ?, ?, ?)`,
		ev.State, ev.Reason, ev.Detail, ev.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("recording connection event: %w", err)
	}
	return nil
}

// LastConnection returns the most recent state change, or nil.
func (db *DB) LastConnection(ctx context.Context) (*ConnectionEvent, error) {
	var (
		ev        ConnectionEvent
		createdAt string
	)
	err := db.sql.QueryRowContext(ctx,
		`SELECT state, reason, detail, created_at FROM connection_events ORDER BY id DESC LIMIT 1`,
	).Scan(&ev.State, &ev.Reason, &ev.Detail, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	ev.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &ev, nil
}
