// Package storage handles database connections, schema migrations, and data
// operations using SQLite. It persists the gateway's named records
// (provisioning cache, mapping table, counters), the relay link statistics
// and the append-only telemetry log. No transactional guarantees beyond
// last-write-wins are offered; callers must never block the hot path on a
// failed write.
package storage

import (
	"database/sql"
	"time"

	"github.com/hamlab/meshgate/internal/relay"
	_ "modernc.org/sqlite" // Driver sqlite
)

// Well-known record names.
const (
	RecordProvision      = "provision"
	RecordMappings       = "mappings"
	RecordMappingsHash   = "mappings_hash"
	RecordMappingsSynced = "mappings_synced_at"
	RecordTelemetrySeq   = "telemetry_seq"
	RecordNodeRegistry   = "node_registry"
	RecordAPIKeyState    = "api_key_state"
)

// Record is one named record row.
type Record struct {
	UpdatedAt time.Time
	Name      string
	Value     string
}

// Repository manages the SQLite database connection.
type Repository struct {
	db *sql.DB
}

// New initializes a new SQLite connection, sets connection pool parameters, and runs migrations.
func New(dbPath string) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// GetRecord retrieves a named record. The second return value reports
// whether the record exists.
func (r *Repository) GetRecord(name string) (string, bool, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM records WHERE name = ?", name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	return value, true, nil
}

// SetRecord stores a named record, replacing any prior value.
func (r *Repository) SetRecord(name, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO records (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, time.Now())
	return err
}

// DeleteRecord removes a named record if present.
func (r *Repository) DeleteRecord(name string) error {
	_, err := r.db.Exec("DELETE FROM records WHERE name = ?", name)
	return err
}

// ListRecords retrieves all named records sorted by name.
func (r *Repository) ListRecords() ([]Record, error) {
	rows, err := r.db.Query("SELECT name, value, updated_at FROM records ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Name, &rec.Value, &rec.UpdatedAt); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// SaveRelayStats upserts the given link stats. Stats are written as a bulk
// replace of the touched rows; rows for nodes not present stay untouched.
func (r *Repository) SaveRelayStats(stats []relay.LinkStat) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	for _, s := range stats {
		if _, err := tx.Exec(`
			INSERT INTO relay_stats (node, snr, rssi, samples, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(node) DO UPDATE SET
				snr = excluded.snr,
				rssi = excluded.rssi,
				samples = excluded.samples,
				updated_at = excluded.updated_at`,
			int64(s.Node), s.SNR, s.RSSI, s.Samples, s.Updated); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// LoadRelayStats retrieves all persisted link stats.
func (r *Repository) LoadRelayStats() ([]relay.LinkStat, error) {
	rows, err := r.db.Query("SELECT node, snr, rssi, samples, updated_at FROM relay_stats")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats []relay.LinkStat
	for rows.Next() {
		var s relay.LinkStat
		var node int64
		if err := rows.Scan(&node, &s.SNR, &s.RSSI, &s.Samples, &s.Updated); err != nil {
			continue
		}
		s.Node = uint32(node)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// PruneRelayStats deletes link stats not updated within the given age and
// returns the number of removed rows.
func (r *Repository) PruneRelayStats(age time.Duration) (int64, error) {
	res, err := r.db.Exec("DELETE FROM relay_stats WHERE updated_at < ?", time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendTelemetry appends one aggregated counter row to the telemetry log.
func (r *Repository) AppendTelemetry(at time.Time, all, forwarded, position, message, control int) error {
	_, err := r.db.Exec(`
		INSERT INTO telemetry_log (recorded_at, all_count, forwarded, position, message, control)
		VALUES (?, ?, ?, ?, ?, ?)`,
		at, all, forwarded, position, message, control)
	return err
}
