package db

import (
	"fmt"
	"time"
)

// DefaultLinkEventLimit is used when a caller asks for a non-positive limit.
const DefaultLinkEventLimit = 100

// LinkEvent is one journal entry describing a sensor connection transition or
// fault.
type LinkEvent struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RecordLinkEvent appends an event to the journal.
func (db *DB) RecordLinkEvent(sessionID, kind, detail string, at time.Time) error {
	if kind == "" {
		return fmt.Errorf("link event kind is required")
	}
	_, err := db.Exec(
		`INSERT INTO link_events (session_id, kind, detail, occurred_unix_nanos) VALUES (?, ?, ?, ?)`,
		sessionID, kind, detail, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record link event: %w", err)
	}
	return nil
}

// RecentLinkEvents returns up to limit events, newest first.
func (db *DB) RecentLinkEvents(limit int) ([]LinkEvent, error) {
	if limit <= 0 {
		limit = DefaultLinkEventLimit
	}

	rows, err := db.Query(
		`SELECT event_id, session_id, kind, detail, occurred_unix_nanos
		   FROM link_events
		  ORDER BY occurred_unix_nanos DESC, event_id DESC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query link events: %w", err)
	}
	defer rows.Close()

	events := []LinkEvent{}
	for rows.Next() {
		var e LinkEvent
		var nanos int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Detail, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan link event: %w", err)
		}
		e.OccurredAt = time.Unix(0, nanos).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// LinkEventCounts returns the number of journal entries per kind.
func (db *DB) LinkEventCounts() (map[string]int, error) {
	rows, err := db.Query(`SELECT kind, COUNT(*) FROM link_events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count link events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan link event count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}
