// Package store persists solved calibrations and corrected DUT measurements
// in SQLite.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/network"
	"github.com/rflab/vnacal/pkg/solt"
	"github.com/rflab/vnacal/pkg/touchstone"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS calibrations (
	id                TEXT PRIMARY KEY,
	created_at        TEXT NOT NULL,
	start_hz          REAL NOT NULL,
	stop_hz           REAL NOT NULL,
	points            INTEGER NOT NULL,
	params_json       TEXT NOT NULL,
	coefficients_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS measurements (
	id             TEXT PRIMARY KEY,
	calibration_id TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	raw            TEXT NOT NULL,
	corrected      TEXT NOT NULL,
	FOREIGN KEY (calibration_id) REFERENCES calibrations(id)
);

CREATE INDEX IF NOT EXISTS idx_calibrations_created ON calibrations(created_at);
`

// timeFormat sorts lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store manages calibration records in SQLite.
type Store struct {
	db *sql.DB
}

// Summary describes a stored calibration without its coefficients.
type Summary struct {
	ID        string             `json:"id"`
	CreatedAt time.Time          `json:"createdAt"`
	Start     float64            `json:"start"`
	Stop      float64            `json:"stop"`
	Points    int                `json:"points"`
	Params    calibration.Params `json:"params"`
}

// Record is a stored calibration.
type Record struct {
	Summary
	Coefficients *solt.Coefficients `json:"coefficients"`
}

// MeasurementSummary describes a stored measurement without its data.
type MeasurementSummary struct {
	ID            string    `json:"id"`
	CalibrationID string    `json:"calibrationId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Measurement is a stored DUT measurement and its corrected response.
type Measurement struct {
	ID            string
	CalibrationID string
	CreatedAt     time.Time
	Raw           *network.Network
	Corrected     *network.Network
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to create database directory %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open db")
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, pkgerrors.Wrap(err, pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "migrate")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCalibration stores solved coefficients and returns the new record ID.
func (s *Store) SaveCalibration(ctx context.Context, params calibration.Params, c *solt.Coefficients) (string, error) {
	if c == nil || c.Len() == 0 {
		return "", pkgerrors.New("no coefficients to save")
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", pkgerrors.Wrap(err, "marshal params")
	}
	coeffJSON, err := json.Marshal(c)
	if err != nil {
		return "", pkgerrors.Wrap(err, "marshal coefficients")
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calibrations (id, created_at, start_hz, stop_hz, points, params_json, coefficients_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, time.Now().UTC().Format(timeFormat),
		c.Frequencies[0], c.Frequencies[c.Len()-1], c.Len(),
		string(paramsJSON), string(coeffJSON),
	)
	if err != nil {
		return "", pkgerrors.Wrap(err, "insert calibration")
	}
	return id, nil
}

// Calibration loads the calibration with the given ID.
func (s *Store) Calibration(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, start_hz, stop_hz, points, params_json, coefficients_json
		 FROM calibrations WHERE id = ?`, id)
	return scanRecord(row)
}

// LatestCalibration loads the most recent calibration.
func (s *Store) LatestCalibration(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, start_hz, stop_hz, points, params_json, coefficients_json
		 FROM calibrations ORDER BY created_at DESC, rowid DESC LIMIT 1`)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (*Record, error) {
	var (
		r                     Record
		createdAt             string
		paramsJSON, coeffJSON string
	)
	err := row.Scan(&r.ID, &createdAt, &r.Start, &r.Stop, &r.Points, &paramsJSON, &coeffJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "scan calibration")
	}
	r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if err := json.Unmarshal([]byte(paramsJSON), &r.Params); err != nil {
		return nil, pkgerrors.Wrapf(err, "calibration %s: bad params", r.ID)
	}
	r.Coefficients = &solt.Coefficients{}
	if err := json.Unmarshal([]byte(coeffJSON), r.Coefficients); err != nil {
		return nil, pkgerrors.Wrapf(err, "calibration %s: bad coefficients", r.ID)
	}
	return &r, nil
}

// ListCalibrations returns up to limit calibrations, newest first. A
// non-positive limit returns all of them.
func (s *Store) ListCalibrations(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, start_hz, stop_hz, points, params_json
		 FROM calibrations ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "query calibrations")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum        Summary
			createdAt  string
			paramsJSON string
		)
		if err := rows.Scan(&sum.ID, &createdAt, &sum.Start, &sum.Stop, &sum.Points, &paramsJSON); err != nil {
			return nil, pkgerrors.Wrap(err, "scan calibration")
		}
		sum.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		if err := json.Unmarshal([]byte(paramsJSON), &sum.Params); err != nil {
			return nil, pkgerrors.Wrapf(err, "calibration %s: bad params", sum.ID)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteCalibration removes a calibration and its measurements.
func (s *Store) DeleteCalibration(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM measurements WHERE calibration_id = ?`, id); err != nil {
		return pkgerrors.Wrap(err, "delete measurements")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM calibrations WHERE id = ?`, id)
	if err != nil {
		return pkgerrors.Wrap(err, "delete calibration")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// SaveMeasurement stores a raw DUT measurement and its corrected response as
// Touchstone text.
func (s *Store) SaveMeasurement(ctx context.Context, calibrationID string, raw, corrected *network.Network) (string, error) {
	var rawBuf, corrBuf bytes.Buffer
	if err := touchstone.Write(&rawBuf, raw); err != nil {
		return "", pkgerrors.Wrap(err, "encode raw measurement")
	}
	if err := touchstone.Write(&corrBuf, corrected); err != nil {
		return "", pkgerrors.Wrap(err, "encode corrected measurement")
	}

	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO measurements (id, calibration_id, created_at, raw, corrected) VALUES (?, ?, ?, ?, ?)`,
		id, calibrationID, time.Now().UTC().Format(timeFormat), rawBuf.String(), corrBuf.String(),
	)
	if err != nil {
		return "", pkgerrors.Wrap(err, "insert measurement")
	}
	return id, nil
}

// Measurement loads the measurement with the given ID.
func (s *Store) Measurement(ctx context.Context, id string) (*Measurement, error) {
	var (
		m              Measurement
		createdAt      string
		raw, corrected string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, calibration_id, created_at, raw, corrected FROM measurements WHERE id = ?`, id,
	).Scan(&m.ID, &m.CalibrationID, &createdAt, &raw, &corrected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "scan measurement")
	}
	m.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if m.Raw, err = touchstone.Read(bytes.NewBufferString(raw)); err != nil {
		return nil, pkgerrors.Wrapf(err, "measurement %s: bad raw data", id)
	}
	if m.Corrected, err = touchstone.Read(bytes.NewBufferString(corrected)); err != nil {
		return nil, pkgerrors.Wrapf(err, "measurement %s: bad corrected data", id)
	}
	return &m, nil
}

// ListMeasurements returns the measurements corrected with a calibration,
// newest first.
func (s *Store) ListMeasurements(ctx context.Context, calibrationID string) ([]MeasurementSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, calibration_id, created_at FROM measurements
		 WHERE calibration_id = ? ORDER BY created_at DESC, rowid DESC`, calibrationID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "query measurements")
	}
	defer rows.Close()

	var out []MeasurementSummary
	for rows.Next() {
		var (
			m         MeasurementSummary
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.CalibrationID, &createdAt); err != nil {
			return nil, pkgerrors.Wrap(err, "scan measurement")
		}
		m.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
