package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"

	"rideradar/models"
)

// SQLiteLedger is the local operational store: run summaries, run logs,
// per-vendor stats and the persisted health registry.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, eris.Wrap(err, "open sqlite")
	}

	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		vendor TEXT NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		state TEXT,
		fetched INTEGER DEFAULT 0,
		kept INTEGER DEFAULT 0,
		normalized_ok INTEGER DEFAULT 0,
		normalized_err INTEGER DEFAULT 0,
		upserted INTEGER DEFAULT 0,
		hydrated INTEGER DEFAULT 0,
		pages_walked INTEGER DEFAULT 0,
		drops JSON,
		info JSON,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id INTEGER PRIMARY KEY,
		run_id TEXT,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		vendor TEXT
	);

	CREATE TABLE IF NOT EXISTS vendor_health (
		vendor TEXT PRIMARY KEY,
		last_success DATETIME,
		total_errors INTEGER DEFAULT 0,
		consecutive_errors INTEGER DEFAULT 0,
		breaker TEXT DEFAULT 'closed',
		last_error TEXT,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS vendor_stats (
		vendor TEXT PRIMARY KEY,
		last_run_at DATETIME,
		last_run_status TEXT,
		total_upserted INTEGER,
		success_rate REAL,
		avg_run_duration_sec INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_vendor ON runs(vendor, started_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return eris.Wrap(err, "migrate sqlite")
	}
	return nil
}

func (l *SQLiteLedger) CreateRun(run *models.RunSummary) error {
	_, err := l.db.Exec(`
		INSERT INTO runs (id, vendor, started_at, status, state)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID.String(), run.Vendor, run.StartedAt, string(run.Status), string(run.State))
	return eris.Wrap(err, "create run")
}

func (l *SQLiteLedger) UpdateRun(run *models.RunSummary) error {
	drops, err := json.Marshal(run.Drops)
	if err != nil {
		return eris.Wrap(err, "marshal drops")
	}
	info, err := json.Marshal(run.Info)
	if err != nil {
		return eris.Wrap(err, "marshal info")
	}
	_, err = l.db.Exec(`
		UPDATE runs SET finished_at = ?, status = ?, state = ?, fetched = ?, kept = ?,
			normalized_ok = ?, normalized_err = ?, upserted = ?, hydrated = ?,
			pages_walked = ?, drops = ?, info = ?, error = ?
		WHERE id = ?`,
		run.FinishedAt, string(run.Status), string(run.State), run.Fetched, run.Kept,
		run.NormalizedOK, run.NormalizedErr, run.Upserted, run.Hydrated,
		run.PagesWalked, string(drops), string(info), run.Error, run.ID.String())
	if err != nil {
		return eris.Wrap(err, "update run")
	}
	return l.UpdateVendorStats(run.Vendor)
}

func (l *SQLiteLedger) Log(runID *uuid.UUID, level models.LogLevel, message, vendor string) error {
	var id *string
	if runID != nil {
		s := runID.String()
		id = &s
	}
	_, err := l.db.Exec(`
		INSERT INTO run_logs (run_id, timestamp, level, message, vendor)
		VALUES (?, ?, ?, ?, ?)`,
		id, time.Now().UTC(), string(level), message, vendor)
	return eris.Wrap(err, "insert log")
}

// GetRun returns nil, nil for an unknown id.
func (l *SQLiteLedger) GetRun(id uuid.UUID) (*models.RunSummary, error) {
	row := l.db.QueryRow(`
		SELECT id, vendor, started_at, finished_at, status, state, fetched, kept,
			normalized_ok, normalized_err, upserted, hydrated, pages_walked,
			COALESCE(drops, '{}'), COALESCE(info, '{}'), COALESCE(error, '')
		FROM runs WHERE id = ?`, id.String())

	var (
		run      models.RunSummary
		rawID    string
		finished sql.NullTime
		drops    string
		info     string
		status   string
		state    string
	)
	err := row.Scan(&rawID, &run.Vendor, &run.StartedAt, &finished, &status, &state,
		&run.Fetched, &run.Kept, &run.NormalizedOK, &run.NormalizedErr, &run.Upserted,
		&run.Hydrated, &run.PagesWalked, &drops, &info, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "get run")
	}
	if run.ID, err = uuid.Parse(rawID); err != nil {
		return nil, eris.Wrap(err, "parse run id")
	}
	run.Status = models.RunStatus(status)
	run.State = models.RunState(state)
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	run.Drops = models.DropCounters{}
	if err := json.Unmarshal([]byte(drops), &run.Drops); err != nil {
		return nil, eris.Wrap(err, "decode drops")
	}
	run.Info = map[string]int{}
	if err := json.Unmarshal([]byte(info), &run.Info); err != nil {
		return nil, eris.Wrap(err, "decode info")
	}
	return &run, nil
}

func (l *SQLiteLedger) RunLogs(runID uuid.UUID) ([]models.RunLog, error) {
	rows, err := l.db.Query(`
		SELECT id, timestamp, level, message, vendor
		FROM run_logs WHERE run_id = ? ORDER BY id`, runID.String())
	if err != nil {
		return nil, eris.Wrap(err, "query logs")
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		entry := models.RunLog{RunID: &runID}
		var level string
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &level, &entry.Message, &entry.Vendor); err != nil {
			return nil, eris.Wrap(err, "scan log")
		}
		entry.Level = models.LogLevel(level)
		logs = append(logs, entry)
	}
	return logs, eris.Wrap(rows.Err(), "iterate logs")
}

// UpdateVendorStats recomputes the rolled-up stats row for vendor.
func (l *SQLiteLedger) UpdateVendorStats(vendor string) error {
	_, err := l.db.Exec(`
		INSERT INTO vendor_stats (vendor, last_run_at, last_run_status, total_upserted,
			success_rate, avg_run_duration_sec)
		SELECT
			?,
			(SELECT started_at FROM runs WHERE vendor = ? ORDER BY started_at DESC LIMIT 1),
			(SELECT status FROM runs WHERE vendor = ? ORDER BY started_at DESC LIMIT 1),
			(SELECT COALESCE(SUM(upserted), 0) FROM runs WHERE vendor = ?),
			(SELECT CAST(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) AS REAL) /
				NULLIF(COUNT(*), 0) FROM runs WHERE vendor = ?),
			(SELECT AVG(CAST((julianday(finished_at) - julianday(started_at)) * 86400 AS INTEGER))
				FROM runs WHERE vendor = ? AND finished_at IS NOT NULL)
		ON CONFLICT(vendor) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_run_status = excluded.last_run_status,
			total_upserted = excluded.total_upserted,
			success_rate = excluded.success_rate,
			avg_run_duration_sec = excluded.avg_run_duration_sec`,
		vendor, vendor, vendor, vendor, vendor, vendor)
	return eris.Wrap(err, "update vendor stats")
}

// LastRunTime returns the zero time when vendor has never run.
func (l *SQLiteLedger) LastRunTime(vendor string) (time.Time, error) {
	var ts time.Time
	err := l.db.QueryRow(`SELECT started_at FROM runs WHERE vendor = ? ORDER BY started_at DESC LIMIT 1`, vendor).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrap(err, "last run time")
	}
	return ts, nil
}

// SaveHealth persists one vendor's health record.
func (l *SQLiteLedger) SaveHealth(vendor string, rec models.VendorHealthRecord) error {
	_, err := l.db.Exec(`
		INSERT INTO vendor_health (vendor, last_success, total_errors, consecutive_errors,
			breaker, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vendor) DO UPDATE SET
			last_success = excluded.last_success,
			total_errors = excluded.total_errors,
			consecutive_errors = excluded.consecutive_errors,
			breaker = excluded.breaker,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		vendor, rec.LastSuccess, rec.TotalErrors, rec.ConsecutiveErrors,
		string(rec.Breaker), rec.LastError, time.Now().UTC())
	return eris.Wrapf(err, "save health %s", vendor)
}

func (l *SQLiteLedger) LoadHealth() (map[string]models.VendorHealthRecord, error) {
	rows, err := l.db.Query(`
		SELECT vendor, last_success, total_errors, consecutive_errors,
			COALESCE(breaker, 'closed'), COALESCE(last_error, '')
		FROM vendor_health`)
	if err != nil {
		return nil, eris.Wrap(err, "query health")
	}
	defer rows.Close()

	out := make(map[string]models.VendorHealthRecord)
	for rows.Next() {
		var (
			vendor  string
			success sql.NullTime
			rec     models.VendorHealthRecord
			breaker string
		)
		if err := rows.Scan(&vendor, &success, &rec.TotalErrors, &rec.ConsecutiveErrors, &breaker, &rec.LastError); err != nil {
			return nil, eris.Wrap(err, "scan health")
		}
		rec.Breaker = models.BreakerState(breaker)
		if success.Valid {
			ts := success.Time.UTC()
			rec.LastSuccess = &ts
		}
		out[vendor] = rec
	}
	return out, eris.Wrap(rows.Err(), "iterate health")
}
