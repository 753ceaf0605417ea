// Package store persists firing profiles, the restart snapshot, and the
// firing log in a single SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilnworks/kilnd/internal/oven"
	"github.com/kilnworks/kilnd/internal/profile"
)

// Firing is one row of the firing log.
type Firing struct {
	ID          string
	ProfileName string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      string // "running", "completed", "aborted", "failed"
	Cost        float64
	MaxTemp     float64
}

// Measurement is one control cycle's record for a firing.
type Measurement struct {
	ID          int64
	FiringID    string
	Runtime     float64
	Temperature float64
	Target      float64
	Heat        float64
	Timestamp   time.Time
}

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	schema := `
CREATE TABLE IF NOT EXISTS profiles (
    name TEXT PRIMARY KEY,
    data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS restart (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    mode TEXT NOT NULL,
    profile TEXT DEFAULT '',
    run_id TEXT DEFAULT '',
    runtime REAL DEFAULT 0,
    cost REAL DEFAULT 0,
    started_at TEXT DEFAULT '',
    saved_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS firings (
    id TEXT PRIMARY KEY,
    profile_name TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    status TEXT NOT NULL,
    cost REAL DEFAULT 0,
    max_temp REAL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS measurements (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    firing_id TEXT NOT NULL REFERENCES firings(id),
    runtime REAL NOT NULL,
    temperature REAL NOT NULL,
    target REAL NOT NULL,
    heat REAL NOT NULL,
    timestamp TEXT NOT NULL
);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveProfile upserts a profile under its name, stored in the persisted
// JSON form (always Celsius).
func (s *Store) SaveProfile(p *profile.Profile) error {
	data, err := p.Encode()
	if err != nil {
		return fmt.Errorf("encode profile %q: %w", p.Name, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO profiles (name, data) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data`,
		p.Name, string(data),
	)
	return err
}

// GetProfile returns the named profile, or (nil, nil) when absent.
func (s *Store) GetProfile(name string) (*profile.Profile, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM profiles WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return profile.Parse([]byte(data))
}

// ListProfiles returns all stored profiles sorted by name.
func (s *Store) ListProfiles() ([]*profile.Profile, error) {
	rows, err := s.db.Query(`SELECT data FROM profiles ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := []*profile.Profile{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		p, err := profile.Parse([]byte(data))
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// DeleteProfile removes the named profile. Deleting a missing profile is
// not an error.
func (s *Store) DeleteProfile(name string) error {
	_, err := s.db.Exec(`DELETE FROM profiles WHERE name = ?`, name)
	return err
}

// SaveRestart upserts the single restart snapshot row.
func (s *Store) SaveRestart(rs oven.RestartState) error {
	startedAt := ""
	if !rs.StartedAt.IsZero() {
		startedAt = rs.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.Exec(
		`INSERT INTO restart (id, mode, profile, run_id, runtime, cost, started_at, saved_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   mode = excluded.mode, profile = excluded.profile, run_id = excluded.run_id,
		   runtime = excluded.runtime, cost = excluded.cost,
		   started_at = excluded.started_at, saved_at = excluded.saved_at`,
		string(rs.Mode), string(rs.ProfileJSON), rs.RunID, rs.Runtime, rs.Cost,
		startedAt, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// LoadRestart reads the restart snapshot, or (nil, nil) when none was
// ever saved. A snapshot with an unparsable started_at is treated as
// corrupt.
func (s *Store) LoadRestart() (*oven.RestartState, error) {
	var mode, prof, runID, startedAt string
	var runtime, cost float64
	err := s.db.QueryRow(
		`SELECT mode, profile, run_id, runtime, cost, started_at FROM restart WHERE id = 1`,
	).Scan(&mode, &prof, &runID, &runtime, &cost, &startedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rs := &oven.RestartState{
		Mode:        oven.Mode(mode),
		ProfileJSON: []byte(prof),
		RunID:       runID,
		Runtime:     runtime,
		Cost:        cost,
	}
	if startedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt restart snapshot: %w", err)
		}
		rs.StartedAt = t
	}
	return rs, nil
}

// CreateFiring opens a firing log entry in the "running" state.
func (s *Store) CreateFiring(id, profileName string) error {
	_, err := s.db.Exec(
		`INSERT INTO firings (id, profile_name, started_at, status) VALUES (?, ?, ?, ?)`,
		id, profileName, time.Now().UTC().Format(time.RFC3339Nano), "running",
	)
	return err
}

// FinishFiring closes a firing log entry with its final status and
// accumulated totals.
func (s *Store) FinishFiring(id, status string, cost, maxTemp float64) error {
	_, err := s.db.Exec(
		`UPDATE firings SET finished_at = ?, status = ?, cost = ?, max_temp = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), status, cost, maxTemp, id,
	)
	return err
}

// RecordMeasurement appends one control cycle's values to a firing.
func (s *Store) RecordMeasurement(firingID string, runtime, temperature, target, heat float64) error {
	_, err := s.db.Exec(
		`INSERT INTO measurements (firing_id, runtime, temperature, target, heat, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		firingID, runtime, temperature, target, heat,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// QueryMeasurements returns a firing's measurements in insertion order.
func (s *Store) QueryMeasurements(firingID string) ([]Measurement, error) {
	rows, err := s.db.Query(
		`SELECT id, firing_id, runtime, temperature, target, heat, timestamp
		 FROM measurements WHERE firing_id = ? ORDER BY id ASC`,
		firingID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	measurements := []Measurement{}
	for rows.Next() {
		var m Measurement
		var ts string
		if err := rows.Scan(&m.ID, &m.FiringID, &m.Runtime, &m.Temperature, &m.Target, &m.Heat, &ts); err != nil {
			return nil, err
		}
		m.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, err
		}
		measurements = append(measurements, m)
	}
	return measurements, rows.Err()
}

// QueryFirings returns the firing log, most recent first.
func (s *Store) QueryFirings() ([]Firing, error) {
	rows, err := s.db.Query(
		`SELECT id, profile_name, started_at, finished_at, status, cost, max_temp
		 FROM firings ORDER BY started_at DESC, _rowid_ DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	firings := []Firing{}
	for rows.Next() {
		f, err := scanFiring(rows.Scan)
		if err != nil {
			return nil, err
		}
		firings = append(firings, *f)
	}
	return firings, rows.Err()
}

// GetFiring returns one firing log entry, or (nil, nil) when absent.
func (s *Store) GetFiring(id string) (*Firing, error) {
	row := s.db.QueryRow(
		`SELECT id, profile_name, started_at, finished_at, status, cost, max_temp
		 FROM firings WHERE id = ?`, id,
	)
	f, err := scanFiring(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func scanFiring(scan func(...any) error) (*Firing, error) {
	var f Firing
	var startedAt string
	var finishedAt sql.NullString
	if err := scan(&f.ID, &f.ProfileName, &startedAt, &finishedAt, &f.Status, &f.Cost, &f.MaxTemp); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, err
	}
	f.StartedAt = t
	if finishedAt.Valid {
		ft, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, err
		}
		f.FinishedAt = &ft
	}
	return &f, nil
}
