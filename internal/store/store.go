// Package store persists the last live panel values per device so the
// main screen shows last-known readings and valve position after a
// restart, before the broker delivers anything new.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spvg/gaspanel/internal/events"
	"github.com/spvg/gaspanel/internal/panel"
)

// Store is the SQLite-backed snapshot store. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database. The schema is created on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sensor_snapshot (
		mac         TEXT PRIMARY KEY,
		gas         REAL NOT NULL,
		temperature REAL NOT NULL,
		pressure    REAL NOT NULL,
		reading_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS valve_snapshot (
		mac      TEXT PRIMARY KEY,
		open     INTEGER NOT NULL,
		valve_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts whatever parts of st are known. A state with no reading
// and no valve report writes nothing.
func (s *Store) Save(st panel.State) error {
	if st.HasReading() {
		_, err := s.db.Exec(
			`INSERT INTO sensor_snapshot (mac, gas, temperature, pressure, reading_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (mac) DO UPDATE
			 SET gas = excluded.gas, temperature = excluded.temperature,
			     pressure = excluded.pressure, reading_at = excluded.reading_at`,
			st.SensorMAC, st.Reading.Gas, st.Reading.Temperature, st.Reading.Pressure,
			formatTime(st.ReadingAt),
		)
		if err != nil {
			return fmt.Errorf("save sensor %s: %w", st.SensorMAC, err)
		}
	}
	if !st.ValveAt.IsZero() {
		_, err := s.db.Exec(
			`INSERT INTO valve_snapshot (mac, open, valve_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT (mac) DO UPDATE
			 SET open = excluded.open, valve_at = excluded.valve_at`,
			st.ActuatorMAC, st.ValveOpen, formatTime(st.ValveAt),
		)
		if err != nil {
			return fmt.Errorf("save valve %s: %w", st.ActuatorMAC, err)
		}
	}
	return nil
}

// Load returns the stored state for a sensor/actuator pair. Devices
// with no snapshot leave their fields zero.
func (s *Store) Load(sensorMAC, actuatorMAC string) (panel.State, error) {
	st := panel.State{SensorMAC: sensorMAC, ActuatorMAC: actuatorMAC}

	var readingAt string
	err := s.db.QueryRow(
		`SELECT gas, temperature, pressure, reading_at FROM sensor_snapshot WHERE mac = ?`,
		sensorMAC,
	).Scan(&st.Reading.Gas, &st.Reading.Temperature, &st.Reading.Pressure, &readingAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return st, fmt.Errorf("load sensor %s: %w", sensorMAC, err)
	default:
		st.ReadingAt = parseTime(readingAt)
	}

	var valveAt string
	err = s.db.QueryRow(
		`SELECT open, valve_at FROM valve_snapshot WHERE mac = ?`,
		actuatorMAC,
	).Scan(&st.ValveOpen, &valveAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return st, fmt.Errorf("load valve %s: %w", actuatorMAC, err)
	default:
		st.ValveAt = parseTime(valveAt)
	}

	return st, nil
}

// Snapshotter is satisfied by *panel.Panel.
type Snapshotter interface {
	Snapshot() panel.State
}

// Follow saves a fresh snapshot whenever the bus reports a reading or
// valve change. It blocks until ctx is cancelled.
func (s *Store) Follow(ctx context.Context, bus *events.Bus, src Snapshotter, logger *slog.Logger) {
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind != events.KindReading && e.Kind != events.KindValve {
				continue
			}
			if err := s.Save(src.Snapshot()); err != nil {
				logger.Warn("snapshot save failed", "error", err)
			}
		}
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
