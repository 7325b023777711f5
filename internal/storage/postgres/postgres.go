// Package postgres persists the audit trail: every streamed event and
// every policy decision, keyed by session. Persistence is best-effort;
// the engine runs fine without a database.
package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
)

// EventRow is one audit event as stored.
type EventRow struct {
	EventID   int64                  `json:"event_id"`
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   *string                `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	SessionID string                 `json:"session_id"`
}

// DecisionRow is one persisted policy decision.
type DecisionRow struct {
	DecisionID    int64     `json:"decision_id"`
	Timestamp     time.Time `json:"ts"`
	SessionID     string    `json:"session_id"`
	Cycle         int       `json:"cycle"`
	Trigger       string    `json:"trigger"`
	AffectedNodes []string  `json:"affected_nodes,omitempty"`
	Action        string    `json:"action"`
	Result        string    `json:"result"`
}

// Client manages the Postgres connection for the audit trail.
type Client struct {
	db *sql.DB
}

// New connects using the standard PG* environment variables. Callers
// treat a nil client as "persistence disabled".
func New() (*Client, error) {
	host := getEnv("PGHOST", "127.0.0.1")
	port := getEnv("PGPORT", "5432")
	user := getEnv("PGUSER", "inframinds")
	dbname := getEnv("PGDATABASE", "inframinds")
	password := os.Getenv("PGPASSWORD")

	connStr := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable", host, port, user, dbname)
	if password != "" {
		connStr = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, port, user, password, dbname)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	client := &Client{db: db}
	if err := client.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit tables: %w", err)
	}
	return client, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (c *Client) createTables() error {
	query := `
		CREATE TABLE IF NOT EXISTS events (
			event_id   BIGSERIAL PRIMARY KEY,
			ts         TIMESTAMPTZ NOT NULL,
			level      TEXT NOT NULL,
			event      TEXT NOT NULL,
			msg        TEXT,
			fields     JSONB,
			session_id TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id);

		CREATE TABLE IF NOT EXISTS decisions (
			decision_id    BIGSERIAL PRIMARY KEY,
			ts             TIMESTAMPTZ NOT NULL,
			session_id     TEXT NOT NULL,
			cycle          INT NOT NULL,
			trigger_rule   TEXT NOT NULL,
			affected_nodes JSONB,
			action         TEXT NOT NULL,
			result         TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_session_id ON decisions(session_id);
	`
	_, err := c.db.Exec(query)
	return err
}

// AppendEvent inserts one audit event.
func (c *Client) AppendEvent(sessionID string, ts time.Time, level, event, msg string, fields map[string]interface{}) error {
	var fieldsJSON []byte
	var err error
	if fields != nil {
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
	}

	var msgPtr *string
	if msg != "" {
		msgPtr = &msg
	}

	query := `
		INSERT INTO events (ts, level, event, msg, fields, session_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = c.db.Exec(query, ts, level, event, msgPtr, fieldsJSON, sessionID)
	return err
}

// AppendDecision inserts one policy decision record.
func (c *Client) AppendDecision(sessionID string, ts time.Time, cycle int, trigger string, affectedNodes []string, action, result string) error {
	var nodesJSON []byte
	var err error
	if len(affectedNodes) > 0 {
		nodesJSON, err = json.Marshal(affectedNodes)
		if err != nil {
			return fmt.Errorf("failed to marshal affected nodes: %w", err)
		}
	}

	query := `
		INSERT INTO decisions (ts, session_id, cycle, trigger_rule, affected_nodes, action, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = c.db.Exec(query, ts, sessionID, cycle, trigger, nodesJSON, action, result)
	return err
}

// QueryEvents returns the last N events for a session, newest first.
func (c *Client) QueryEvents(sessionID string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 10000 {
		limit = 10000
	}

	query := `
		SELECT event_id, ts, level, event, msg, fields, session_id
		FROM events
		WHERE session_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := c.db.Query(query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var fieldsJSON []byte
		var msg sql.NullString

		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Level, &e.Event, &msg, &fieldsJSON, &e.SessionID); err != nil {
			return nil, err
		}
		if msg.Valid {
			e.Message = &msg.String
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// QueryDecisions returns every decision for a session in insertion order.
func (c *Client) QueryDecisions(sessionID string) ([]DecisionRow, error) {
	query := `
		SELECT decision_id, ts, session_id, cycle, trigger_rule, affected_nodes, action, result
		FROM decisions
		WHERE session_id = $1
		ORDER BY decision_id ASC
	`
	rows, err := c.db.Query(query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []DecisionRow
	for rows.Next() {
		var d DecisionRow
		var nodesJSON []byte

		if err := rows.Scan(&d.DecisionID, &d.Timestamp, &d.SessionID, &d.Cycle, &d.Trigger, &nodesJSON, &d.Action, &d.Result); err != nil {
			return nil, err
		}
		if len(nodesJSON) > 0 {
			if err := json.Unmarshal(nodesJSON, &d.AffectedNodes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal affected nodes: %w", err)
			}
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// SessionSink binds a client to one session id so it satisfies the
// event bus sink contract.
type SessionSink struct {
	client    *Client
	sessionID string
}

func NewSessionSink(client *Client, sessionID string) *SessionSink {
	return &SessionSink{client: client, sessionID: sessionID}
}

func (s *SessionSink) Append(ts time.Time, level, name, msg string, fields map[string]interface{}) error {
	return s.client.AppendEvent(s.sessionID, ts, level, name, msg, fields)
}
