package db

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarm/armlink/internal/protocol"
	"github.com/openarm/armlink/internal/serialmux"
)

var _ serialmux.PacketRecorder = (*DB)(nil)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func decode(t *testing.T, frame []byte) protocol.Packet {
	t.Helper()
	p, err := protocol.Decode(frame)
	require.NoError(t, err)
	return p
}

func TestNewDB_Migrates(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	for _, table := range []string{"sessions", "commands", "packets"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
	}

	// a second run is a no-op
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDown(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.MigrateDown())

	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name='packets'").Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp())
}

func TestNewDB_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "armlink.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	assert.Equal(t, path, db.Path())
	require.NoError(t, db.Close())

	// reopening an existing database applies nothing new
	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestSessions(t *testing.T) {
	db := newTestDB(t)
	assert.Empty(t, db.Session())

	// recording without a session starts one
	require.NoError(t, db.RecordCommand(protocol.JointAngles{}, false, epoch))
	first := db.Session()
	assert.NotEmpty(t, first)

	id, err := db.StartSession("/dev/ttyUSB0", epoch)
	require.NoError(t, err)
	assert.NotEqual(t, first, id)
	assert.Equal(t, id, db.Session())

	var port string
	require.NoError(t, db.QueryRow("SELECT port FROM sessions WHERE session_id = ?", id).Scan(&port))
	assert.Equal(t, "/dev/ttyUSB0", port)
}

func TestRecordAndRecentPackets(t *testing.T) {
	db := newTestDB(t)
	_, err := db.StartSession("sim", epoch)
	require.NoError(t, err)

	tx := decode(t, protocol.EncodeJointAngles(protocol.JointAngles{1, 2, 3}))
	ack, err := protocol.Encode(protocol.CmdAck, []byte{tx.Checksum})
	require.NoError(t, err)
	tel := decode(t, protocol.EncodeTelemetry(protocol.JointAngles{1, 2, 3}))

	require.NoError(t, db.RecordPacket(serialmux.DirectionTx, tx, epoch))
	require.NoError(t, db.RecordPacket(serialmux.DirectionRx, decode(t, ack), epoch.Add(time.Millisecond)))
	require.NoError(t, db.RecordPacket(serialmux.DirectionRx, tel, epoch.Add(2*time.Millisecond)))

	got, err := db.RecentPackets(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.CmdTelemetry, got[0].Command)
	assert.Equal(t, tel.Payload, got[0].Payload)
	assert.Equal(t, tel.Checksum, got[0].Checksum)
	assert.Equal(t, epoch.Add(2*time.Millisecond), got[0].RecordedAt)
	assert.Equal(t, protocol.CmdAck, got[1].Command)
	assert.Equal(t, []byte{tx.Checksum}, got[1].Payload)

	all, err := db.RecentPackets(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "tx", all[2].Direction)
	assert.Contains(t, all[2].String(), "SET_JOINT_ANGLE")

	last, err := db.LastTelemetry()
	require.NoError(t, err)
	assert.Equal(t, got[0].ID, last.ID)
}

func TestRecordPacket_RejectsUnknownDirection(t *testing.T) {
	db := newTestDB(t)
	err := db.RecordPacket("sideways", decode(t, protocol.EncodeTelemetry(protocol.JointAngles{})), epoch)
	assert.Error(t, err)
}

func TestLastTelemetry_Empty(t *testing.T) {
	db := newTestDB(t)
	_, err := db.LastTelemetry()
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestRecordAndRecentCommands(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RecordCommand(protocol.JointAngles{0.5, -0.25, 1}, false, epoch))
	require.NoError(t, db.RecordCommand(protocol.JointAngles{3.14, 1.5, -1.5}, true, epoch.Add(time.Second)))

	got, err := db.RecentCommands(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.JointAngles{3.14, 1.5, -1.5}, got[0].Angles)
	assert.True(t, got[0].Clamped)
	assert.Equal(t, epoch.Add(time.Second), got[0].SentAt)
	assert.False(t, got[1].Clamped)
	assert.Equal(t, got[0].SessionID, got[1].SessionID)
}

func TestServeBackup(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RecordCommand(protocol.JointAngles{}, false, epoch))

	rec := httptest.NewRecorder()
	db.serveBackup(rec, httptest.NewRequest(http.MethodGet, "/debug/backup", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Greater(t, len(data), 16)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	for _, path := range []string{"/debug/packets", "/debug/backup", "/debug/tailsql/"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.NotEqual(t, http.StatusNotFound, rec.Code, path)
	}
}
