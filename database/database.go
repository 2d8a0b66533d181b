package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jnesss/filemon/filemon"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("database: not found")
	// ErrInvalidStatus is returned for an unknown match status.
	ErrInvalidStatus = errors.New("database: invalid match status")
)

// Match statuses
const (
	StatusNew           = "new"
	StatusInProgress    = "in_progress"
	StatusResolved      = "resolved"
	StatusFalsePositive = "false_positive"
)

// DB stores filemon operations and the Sigma matches raised on them.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Operation is one stored log line.
type Operation struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	PID       int32     `json:"pid"`
	Op        string    `json:"op"`
	Paths     []string  `json:"paths,omitempty"`
	Value     int64     `json:"value"`
	Line      string    `json:"line"`
}

// OperationQuery filters Operations. Zero fields do not filter.
type OperationQuery struct {
	PID   int32
	Op    string
	Limit int
}

// Match is a Sigma rule hit on an operation.
type Match struct {
	ID             int64     `json:"id"`
	OperationID    int64     `json:"operation_id"`
	RuleID         string    `json:"rule_id"`
	RuleName       string    `json:"rule_name"`
	Severity       string    `json:"severity"`
	PID            int32     `json:"pid"`
	Image          string    `json:"image"`
	TargetFilename string    `json:"target_filename"`
	MatchDetails   []string  `json:"match_details"`
	EventData      string    `json:"event_data"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection serialises writers and keeps :memory: databases whole
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := initOperationSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize operation schema: %w", err)
	}
	if err := initSigmaSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sigma schema: %w", err)
	}

	return &DB{db: db, now: time.Now}, nil
}

func initOperationSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		pid       INTEGER NOT NULL,
		op        TEXT NOT NULL,
		path      TEXT,
		path2     TEXT,
		value     INTEGER,
		line      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_pid ON operations(pid);
	CREATE INDEX IF NOT EXISTS idx_operations_op ON operations(op);
	CREATE INDEX IF NOT EXISTS idx_operations_path ON operations(path);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create operations table: %w", err)
	}
	return nil
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sigma_matches (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id    INTEGER NOT NULL,
		rule_id         TEXT NOT NULL,
		rule_name       TEXT NOT NULL,
		severity        TEXT NOT NULL,
		pid             INTEGER,
		image           TEXT,
		target_filename TEXT,
		match_details   TEXT,
		event_data      TEXT,
		status          TEXT DEFAULT 'new' NOT NULL,
		timestamp       DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sigma_matches_rule_id ON sigma_matches(rule_id);
	CREATE INDEX IF NOT EXISTS idx_sigma_matches_status ON sigma_matches(status);
	CREATE INDEX IF NOT EXISTS idx_sigma_matches_operation_id ON sigma_matches(operation_id);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create sigma tables: %w", err)
	}
	return nil
}

// InsertOperation stores one log line and returns its id.
func (db *DB) InsertOperation(l filemon.Line) (int64, error) {
	var path, path2 sql.NullString
	if len(l.Paths) > 0 {
		path = sql.NullString{String: l.Paths[0], Valid: true}
	}
	if len(l.Paths) > 1 {
		path2 = sql.NullString{String: l.Paths[1], Valid: true}
	}

	res, err := db.db.Exec(`
		INSERT INTO operations (timestamp, pid, op, path, path2, value, line)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		db.now(), l.PID, string(l.Op), path, path2, l.Value, l.String())
	if err != nil {
		return 0, fmt.Errorf("insert operation: %w", err)
	}
	return res.LastInsertId()
}

// Operations returns stored operations, newest first.
func (db *DB) Operations(q OperationQuery) ([]Operation, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.PID != 0 {
		where = append(where, "pid = ?")
		args = append(args, q.PID)
	}
	if q.Op != "" {
		where = append(where, "op = ?")
		args = append(args, q.Op)
	}

	query := "SELECT id, timestamp, pid, op, path, path2, value, line FROM operations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var (
			op          Operation
			path, path2 sql.NullString
		)
		if err := rows.Scan(&op.ID, &op.Timestamp, &op.PID, &op.Op, &path, &path2, &op.Value, &op.Line); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if path.Valid {
			op.Paths = append(op.Paths, path.String)
		}
		if path2.Valid {
			op.Paths = append(op.Paths, path2.String)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// InsertMatch stores a rule match and returns its id.
func (db *DB) InsertMatch(m Match) (int64, error) {
	details, err := json.Marshal(m.MatchDetails)
	if err != nil {
		return 0, fmt.Errorf("marshal match details: %w", err)
	}
	if m.Status == "" {
		m.Status = StatusNew
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = db.now()
	}

	res, err := db.db.Exec(`
		INSERT INTO sigma_matches (
			operation_id, rule_id, rule_name, severity, pid, image,
			target_filename, match_details, event_data, status, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.OperationID, m.RuleID, m.RuleName, m.Severity, m.PID, m.Image,
		m.TargetFilename, string(details), m.EventData, m.Status, m.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("insert sigma match: %w", err)
	}
	return res.LastInsertId()
}

// Matches returns rule matches, newest first, optionally filtered by status.
func (db *DB) Matches(status string, limit int) ([]Match, error) {
	query := `
		SELECT id, operation_id, rule_id, rule_name, severity, pid, image,
		       target_filename, match_details, event_data, status, timestamp
		FROM sigma_matches`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sigma matches: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m       Match
			details string
		)
		if err := rows.Scan(&m.ID, &m.OperationID, &m.RuleID, &m.RuleName, &m.Severity, &m.PID,
			&m.Image, &m.TargetFilename, &details, &m.EventData, &m.Status, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan sigma match: %w", err)
		}
		if details != "" {
			if err := json.Unmarshal([]byte(details), &m.MatchDetails); err != nil {
				return nil, fmt.Errorf("decode match details of %d: %w", m.ID, err)
			}
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// UpdateMatchStatus changes the triage status of a match.
func (db *DB) UpdateMatchStatus(id int64, status string) error {
	switch status {
	case StatusNew, StatusInProgress, StatusResolved, StatusFalsePositive:
	default:
		return fmt.Errorf("%w %q", ErrInvalidStatus, status)
	}

	res, err := db.db.Exec("UPDATE sigma_matches SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update match %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("match %d: %w", id, ErrNotFound)
	}
	return nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}
