// Package db persists link traffic to SQLite: one session per server run,
// the joint commands issued and the packets exchanged.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/openarm/armlink/internal/protocol"
)

// DefaultRecentLimit caps RecentPackets and RecentCommands when limit <= 0.
const DefaultRecentLimit = 500

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

type DB struct {
	*sql.DB
	path string

	mu      sync.Mutex
	session string
}

// NewDB opens the database at path (":memory:" for tests) and applies any
// pending migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers anyway, and a single connection keeps
	// :memory: databases coherent.
	sqlDB.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

// StartSession begins a new recording session for port and returns its ID.
func (db *DB) StartSession(port string, at time.Time) (string, error) {
	id := uuid.NewString()
	if _, err := db.Exec(
		"INSERT INTO sessions (session_id, port, started_unix_nanos) VALUES (?, ?, ?)",
		id, port, at.UnixNano(),
	); err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	db.mu.Lock()
	db.session = id
	db.mu.Unlock()
	return id, nil
}

// Session returns the current session ID, or "" before StartSession.
func (db *DB) Session() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.session
}

func (db *DB) currentSession(at time.Time) (string, error) {
	if id := db.Session(); id != "" {
		return id, nil
	}
	return db.StartSession("", at)
}

// RecordCommand stores a joint command. clamped reports whether limits
// changed the requested angles.
func (db *DB) RecordCommand(a protocol.JointAngles, clamped bool, at time.Time) error {
	session, err := db.currentSession(at)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT INTO commands (session_id, base, arm1, arm2, clamped, sent_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session, float64(a[0]), float64(a[1]), float64(a[2]), clamped, at.UnixNano(),
	)
	return err
}

// RecordPacket stores a packet sent or received on the link.
func (db *DB) RecordPacket(direction string, p protocol.Packet, at time.Time) error {
	session, err := db.currentSession(at)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT INTO packets (session_id, direction, command, payload, checksum, recorded_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session, direction, int(p.Command), p.Payload, int(p.Checksum), at.UnixNano(),
	)
	return err
}

type PacketRecord struct {
	ID         int64            `json:"id"`
	SessionID  string           `json:"session_id"`
	Direction  string           `json:"direction"`
	Command    protocol.Command `json:"command"`
	Payload    []byte           `json:"payload"`
	Checksum   byte             `json:"checksum"`
	RecordedAt time.Time        `json:"recorded_at"`
}

func (r *PacketRecord) String() string {
	return fmt.Sprintf("%s %s %s payload=% x checksum=0x%02x", r.RecordedAt.Format(time.RFC3339Nano), r.Direction, r.Command, r.Payload, r.Checksum)
}

// RecentPackets returns up to limit packets, newest first.
func (db *DB) RecentPackets(limit int) ([]PacketRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := db.Query(
		`SELECT `+packetColumns+`
		FROM packets ORDER BY packet_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packets []PacketRecord
	for rows.Next() {
		r, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		packets = append(packets, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return packets, nil
}

type CommandRecord struct {
	ID        int64                `json:"id"`
	SessionID string               `json:"session_id"`
	Angles    protocol.JointAngles `json:"angles"`
	Clamped   bool                 `json:"clamped"`
	SentAt    time.Time            `json:"sent_at"`
}

// RecentCommands returns up to limit commands, newest first.
func (db *DB) RecentCommands(limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := db.Query(
		`SELECT command_id, session_id, base, arm1, arm2, clamped, sent_unix_nanos
		FROM commands ORDER BY command_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRecord
	for rows.Next() {
		var (
			r         CommandRecord
			b, a1, a2 float64
			nanos     int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &b, &a1, &a2, &r.Clamped, &nanos); err != nil {
			return nil, err
		}
		r.Angles = protocol.JointAngles{float32(b), float32(a1), float32(a2)}
		r.SentAt = time.Unix(0, nanos).UTC()
		commands = append(commands, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return commands, nil
}

// ErrNoRows is returned by lookups that match nothing.
var ErrNoRows = errors.New("db: no rows")

// LastTelemetry returns the most recent received TELEMETRY packet.
func (db *DB) LastTelemetry() (PacketRecord, error) {
	row := db.QueryRow(
		`SELECT `+packetColumns+`
		FROM packets WHERE direction = 'rx' AND command = ? ORDER BY packet_id DESC LIMIT 1`,
		int(protocol.CmdTelemetry),
	)
	r, err := scanPacket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNoRows
	}
	return r, err
}

const packetColumns = "packet_id, session_id, direction, command, payload, checksum, recorded_unix_nanos"

type scanner interface {
	Scan(dest ...any) error
}

func scanPacket(s scanner) (PacketRecord, error) {
	var (
		r        PacketRecord
		command  int
		checksum int
		nanos    int64
	)
	if err := s.Scan(&r.ID, &r.SessionID, &r.Direction, &command, &r.Payload, &checksum, &nanos); err != nil {
		return r, err
	}
	r.Command = protocol.Command(command)
	r.Checksum = byte(checksum)
	r.RecordedAt = time.Unix(0, nanos).UTC()
	return r, nil
}
