// Package store implements the durable relational cache: stations,
// variables and measurements persisted to a local SQLite database via
// database/sql and the mattn/go-sqlite3 driver.
package store

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/sitscholl/MeteoService/internal/meteoerr"
	"github.com/sitscholl/MeteoService/internal/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS stations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	external_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	latitude REAL NOT NULL DEFAULT 0,
	longitude REAL NOT NULL DEFAULT 0,
	elevation REAL NOT NULL DEFAULT 0,
	timezone TEXT NOT NULL DEFAULT '',
	UNIQUE(provider, external_id)
);

CREATE TABLE IF NOT EXISTS variables (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	unit TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS measurements (
	station_id INTEGER NOT NULL REFERENCES stations(id),
	variable_id INTEGER NOT NULL REFERENCES variables(id),
	model TEXT NOT NULL DEFAULT '',
	datetime TEXT NOT NULL,
	value REAL,
	PRIMARY KEY (station_id, variable_id, model, datetime)
);

CREATE INDEX IF NOT EXISTS idx_measurements_lookup
	ON measurements (station_id, variable_id, datetime);
`

// Store is the cache's durable backend. It is safe for concurrent use
// by multiple goroutines; ensure-style methods take a per-key lock so
// that two concurrent lookups of the same unknown station or variable
// issue exactly one insert.
type Store struct {
	db *sql.DB

	mu            sync.Mutex
	stationLocks  map[string]*sync.Mutex
	variableLocks map[string]*sync.Mutex
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{
		db:            db,
		stationLocks:  make(map[string]*sync.Mutex),
		variableLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(m map[string]*sync.Mutex, key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := m[key]
	if !ok {
		l = &sync.Mutex{}
		m[key] = l
	}
	return l
}

// EnsureStation returns the surrogate ID for (provider, externalID),
// inserting a new row if one does not already exist. Concurrent calls
// for the same key are serialized by a per-key lock so at most one
// insert happens; concurrent calls for different keys proceed in
// parallel.
func (s *Store) EnsureStation(st record.Station) (int64, error) {
	key := st.Provider + "\x00" + st.ExternalID
	lock := s.lockFor(s.stationLocks, key)
	lock.Lock()
	defer lock.Unlock()

	var id int64
	err := s.db.QueryRow(`SELECT id FROM stations WHERE provider = ? AND external_id = ?`, st.Provider, st.ExternalID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("store: lookup station: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO stations (provider, external_id, name, latitude, longitude, elevation, timezone) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.Provider, st.ExternalID, st.Name, st.Latitude, st.Longitude, st.Elevation, st.Timezone,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert station: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: read inserted station id: %w", err)
	}
	logrus.WithFields(logrus.Fields{"provider": st.Provider, "station": st.ExternalID, "id": id}).Debug("store: registered new station")
	return id, nil
}

// FindStation looks up a station by provider and external ID without
// creating it, returning meteoerr.ErrUnknownStation if absent.
func (s *Store) FindStation(provider, externalID string) (record.Station, error) {
	var st record.Station
	err := s.db.QueryRow(
		`SELECT id, provider, external_id, name, latitude, longitude, elevation, timezone FROM stations WHERE provider = ? AND external_id = ?`,
		provider, externalID,
	).Scan(&st.ID, &st.Provider, &st.ExternalID, &st.Name, &st.Latitude, &st.Longitude, &st.Elevation, &st.Timezone)
	if err == sql.ErrNoRows {
		return record.Station{}, fmt.Errorf("%w: %s/%s", meteoerr.ErrUnknownStation, provider, externalID)
	}
	if err != nil {
		return record.Station{}, fmt.Errorf("store: find station: %w", err)
	}
	return st, nil
}

// ListProviders returns the distinct providers among all registered
// stations, sorted. It reflects what the cache has actually seen, as
// opposed to the fixed set of adapters a process happens to have
// wired up.
func (s *Store) ListProviders() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT provider FROM stations ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var provider string
		if err := rows.Scan(&provider); err != nil {
			return nil, fmt.Errorf("store: scan provider: %w", err)
		}
		out = append(out, provider)
	}
	return out, rows.Err()
}

// ListStations returns every station registered for provider.
func (s *Store) ListStations(provider string) ([]record.Station, error) {
	rows, err := s.db.Query(
		`SELECT id, provider, external_id, name, latitude, longitude, elevation, timezone FROM stations WHERE provider = ? ORDER BY external_id`,
		provider,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list stations: %w", err)
	}
	defer rows.Close()

	var out []record.Station
	for rows.Next() {
		var st record.Station
		if err := rows.Scan(&st.ID, &st.Provider, &st.ExternalID, &st.Name, &st.Latitude, &st.Longitude, &st.Elevation, &st.Timezone); err != nil {
			return nil, fmt.Errorf("store: scan station: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// EnsureVariable returns the surrogate ID for a canonical variable
// name, inserting it if necessary, under the same per-key locking
// discipline as EnsureStation.
func (s *Store) EnsureVariable(v record.Variable) (int64, error) {
	lock := s.lockFor(s.variableLocks, v.Name)
	lock.Lock()
	defer lock.Unlock()

	var id int64
	err := s.db.QueryRow(`SELECT id FROM variables WHERE name = ?`, v.Name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("store: lookup variable: %w", err)
	}

	res, err := s.db.Exec(`INSERT INTO variables (name, unit) VALUES (?, ?)`, v.Name, v.Unit)
	if err != nil {
		return 0, fmt.Errorf("store: insert variable: %w", err)
	}
	return res.LastInsertId()
}

// UpsertMeasurements idempotently writes measurements, overwriting any
// existing row sharing the same (station_id, variable_id, model,
// datetime) key. Last write wins: a second call with a different
// value for the same key replaces the first.
func (s *Store) UpsertMeasurements(ms []record.Measurement) error {
	if len(ms) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin upsert: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO measurements (station_id, variable_id, model, datetime, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(station_id, variable_id, model, datetime)
		DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range ms {
		if _, err := stmt.Exec(m.StationID, m.VariableID, m.Model, m.Datetime.UTC().Format(time.RFC3339), m.Value); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: upsert measurement: %w", err)
		}
	}
	return tx.Commit()
}

// QueryMeasurements returns every measurement for stationID/model
// whose datetime falls within [start, end], along with the variable
// name each row belongs to.
func (s *Store) QueryMeasurements(stationID int64, model string, start, end time.Time) ([]record.Measurement, map[int64]string, error) {
	rows, err := s.db.Query(`
		SELECT station_id, variable_id, model, datetime, value
		FROM measurements
		WHERE station_id = ? AND model = ? AND datetime >= ? AND datetime <= ?
		ORDER BY datetime
	`, stationID, model, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, nil, fmt.Errorf("store: query measurements: %w", err)
	}
	defer rows.Close()

	var out []record.Measurement
	varIDs := make(map[int64]bool)
	for rows.Next() {
		var m record.Measurement
		var dt string
		var val sql.NullFloat64
		if err := rows.Scan(&m.StationID, &m.VariableID, &m.Model, &dt, &val); err != nil {
			return nil, nil, fmt.Errorf("store: scan measurement: %w", err)
		}
		m.Datetime, err = time.Parse(time.RFC3339, dt)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse measurement datetime: %w", err)
		}
		if val.Valid {
			v := val.Float64
			m.Value = &v
		}
		varIDs[m.VariableID] = true
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	names, err := s.variableNames(varIDs)
	if err != nil {
		return nil, nil, err
	}
	return out, names, nil
}

func (s *Store) variableNames(ids map[int64]bool) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sorted := make([]int64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, id := range sorted {
		var name string
		if err := s.db.QueryRow(`SELECT name FROM variables WHERE id = ?`, id).Scan(&name); err != nil {
			return nil, fmt.Errorf("store: lookup variable name %d: %w", id, err)
		}
		out[id] = name
	}
	return out, nil
}

// ExistingDatetimes returns the distinct, sorted instants already
// cached for stationID/model within [start, end] — the input the gap
// finder diffs against the canonical grid.
func (s *Store) ExistingDatetimes(stationID int64, model string, start, end time.Time) ([]time.Time, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT datetime FROM measurements
		WHERE station_id = ? AND model = ? AND datetime >= ? AND datetime <= ?
		ORDER BY datetime
	`, stationID, model, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("store: existing datetimes: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var dt string
		if err := rows.Scan(&dt); err != nil {
			return nil, fmt.Errorf("store: scan datetime: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, dt)
		if err != nil {
			return nil, fmt.Errorf("store: parse datetime: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// FrameToMeasurements flattens a wide record.Frame into the narrow
// Measurement rows the store persists, resolving (and creating, via
// EnsureVariable) a variable ID for every column the frame carries.
func (s *Store) FrameToMeasurements(stationID int64, f *record.Frame) ([]record.Measurement, error) {
	varIDs := make(map[string]int64, len(f.Columns))
	for _, col := range f.Columns {
		id, err := s.EnsureVariable(record.Variable{Name: col})
		if err != nil {
			return nil, err
		}
		varIDs[col] = id
	}

	var out []record.Measurement
	for _, row := range f.Rows {
		for _, col := range f.Columns {
			out = append(out, record.Measurement{
				StationID:  stationID,
				VariableID: varIDs[col],
				Model:      row.Model,
				Datetime:   row.Datetime,
				Value:      row.Get(col),
			})
		}
	}
	return out, nil
}

// MeasurementsToFrame rebuilds a wide record.Frame from narrow
// Measurement rows plus their resolved variable names, for a single
// station's ExternalID.
func MeasurementsToFrame(stationExternalID string, ms []record.Measurement, names map[int64]string) *record.Frame {
	colSet := make(map[string]bool)
	for _, name := range names {
		colSet[name] = true
	}
	cols := make([]string, 0, len(colSet))
	for c := range colSet {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	type rowKey struct {
		dt    time.Time
		model string
	}
	byKey := make(map[rowKey]*record.Row)
	order := make([]rowKey, 0)

	for _, m := range ms {
		k := rowKey{dt: m.Datetime, model: m.Model}
		r, ok := byKey[k]
		if !ok {
			r = &record.Row{Datetime: m.Datetime, Station: stationExternalID, Model: m.Model, Values: make(map[string]*float64, len(cols))}
			byKey[k] = r
			order = append(order, k)
		}
		r.Values[names[m.VariableID]] = m.Value
	}

	f := record.NewFrame(cols...)
	for _, k := range order {
		f.Rows = append(f.Rows, *byKey[k])
	}
	f.SortByDatetime()
	return f
}
