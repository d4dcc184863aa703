// Package audit keeps a durable, queryable record of every Zombiegram
// the gateway bridge serialized for webhook fan-out. It replaces the
// flat SD-card log the hardware fleet used with a small SQLite store.
package audit

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one bridged-message record.
type Entry struct {
	ID         int64
	ReceivedAt time.Time
	SourceID   uint32
	SeqNum     uint8
	Priority   uint8
	Trusted    bool
	Opcodes    []uint8
}

// Log wraps the SQLite audit database.
type Log struct {
	conn *sql.DB
}

// Open opens or creates the audit database at path.
func Open(path string) (*Log, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	l := &Log{conn: conn}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}

	return l, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.conn.Close()
}

// migrate creates the audit schema
func (l *Log) migrate() error {
	schema := `
	-- Zombiegrams handed to the gateway bridge
	CREATE TABLE IF NOT EXISTS bridged_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		received_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		source_id INTEGER NOT NULL,
		seq_num INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		trusted INTEGER NOT NULL,
		opcodes TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bridged_source ON bridged_messages(source_id);
	CREATE INDEX IF NOT EXISTS idx_bridged_received ON bridged_messages(received_at);
	`
	_, err := l.conn.Exec(schema)
	return err
}

// Record appends one bridged-message entry.
func (l *Log) Record(sourceID uint32, seqNum uint8, priority uint8, trusted bool, opcodes []uint8) error {
	ops := make([]string, len(opcodes))
	for i, op := range opcodes {
		ops[i] = fmt.Sprintf("%d", op)
	}
	_, err := l.conn.Exec(
		`INSERT INTO bridged_messages (source_id, seq_num, priority, trusted, opcodes) VALUES (?, ?, ?, ?, ?)`,
		sourceID, seqNum, priority, boolToInt(trusted), strings.Join(ops, ","),
	)
	if err != nil {
		return fmt.Errorf("failed to record bridged message: %w", err)
	}
	return nil
}

// Recent returns the latest n bridged-message entries, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	rows, err := l.conn.Query(
		`SELECT id, received_at, source_id, seq_num, priority, trusted, opcodes
		 FROM bridged_messages ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bridged messages: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var trusted int
		var ops string
		if err := rows.Scan(&e.ID, &e.ReceivedAt, &e.SourceID, &e.SeqNum, &e.Priority, &trusted, &ops); err != nil {
			return nil, fmt.Errorf("failed to scan bridged message: %w", err)
		}
		e.Trusted = trusted != 0
		e.Opcodes = parseOpcodes(ops)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountBySource returns the number of bridged entries per source_id.
func (l *Log) CountBySource() (map[uint32]int, error) {
	rows, err := l.conn.Query(`SELECT source_id, COUNT(*) FROM bridged_messages GROUP BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count bridged messages: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32]int)
	for rows.Next() {
		var src uint32
		var count int
		if err := rows.Scan(&src, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[src] = count
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseOpcodes(s string) []uint8 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint8, 0, len(parts))
	for _, p := range parts {
		var op int
		if _, err := fmt.Sscanf(p, "%d", &op); err == nil {
			out = append(out, uint8(op))
		}
	}
	return out
}
