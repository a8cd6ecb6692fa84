// Package profile persists loop profiles across runs. Back-edge counts
// collected by a vm.ThresholdPolicy are accumulated per loop in a SQLite
// database; loops that were hot in earlier runs can seed a fresh policy so
// they are offered to the optimizing tier on their first back edge.
package profile

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/strata/vm"
)

var log = commonlog.GetLogger("strata.profile")

// ErrRunNotFound indicates the requested run doesn't exist
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id       TEXT PRIMARY KEY,
	label    TEXT NOT NULL,
	started  INTEGER NOT NULL,
	finished INTEGER
);
CREATE TABLE IF NOT EXISTS loops (
	unit       TEXT NOT NULL,
	head       INTEGER NOT NULL,
	edge       INTEGER NOT NULL,
	back_edges INTEGER NOT NULL,
	hot        INTEGER NOT NULL,
	runs       INTEGER NOT NULL,
	last_run   TEXT NOT NULL REFERENCES runs(id),
	PRIMARY KEY (unit, head, edge)
);`

// Store handles SQLite storage for loop profiles
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Run is one recorded execution.
type Run struct {
	ID       uuid.UUID
	Label    string
	Started  time.Time
	Finished time.Time // Zero until the run's profile is saved
}

// Loop is the accumulated profile of one loop.
type Loop struct {
	Key       vm.LoopKey
	BackEdges int64
	Hot       bool
	Runs      int
	LastRun   uuid.UUID
}

// Open opens (creating if needed) the profile database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening profile database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	log.Debugf("opened profile store %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// BeginRun records the start of a run and returns it.
func (s *Store) BeginRun(label string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &Run{ID: uuid.New(), Label: label, Started: time.Now()}
	_, err := s.db.Exec("INSERT INTO runs (id, label, started) VALUES (?, ?, ?)",
		run.ID.String(), label, run.Started.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	return run, nil
}

// Save adds the back edges counted by policy to the stored profiles and
// marks the run finished. A loop stays hot once any run saw it hot.
func (s *Store) Save(run *Run, policy *vm.ThresholdPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	defer tx.Rollback()

	id := run.ID.String()
	snap := policy.Snapshot()
	for key, edges := range snap {
		hot := 0
		if policy.IsHot(key) {
			hot = 1
		}
		_, err := tx.Exec(`INSERT INTO loops (unit, head, edge, back_edges, hot, runs, last_run)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (unit, head, edge) DO UPDATE SET
				back_edges = back_edges + excluded.back_edges,
				hot = max(hot, excluded.hot),
				runs = runs + 1,
				last_run = excluded.last_run`,
			unitKey(key.Unit), key.Head, key.Edge, edges, hot, id)
		if err != nil {
			return fmt.Errorf("saving loop %s: %w", key, err)
		}
	}

	finished := time.Now()
	res, err := tx.Exec("UPDATE runs SET finished = ? WHERE id = ?", finished.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	run.Finished = finished
	log.Infof("saved %d loop profiles for run %s", len(snap), id)
	return nil
}

// Loops returns every stored loop, most back edges first.
func (s *Store) Loops() ([]Loop, error) {
	return s.queryLoops("SELECT unit, head, edge, back_edges, hot, runs, last_run FROM loops ORDER BY back_edges DESC, unit, head, edge")
}

// HotLoops returns the loops that were hot in any earlier run.
func (s *Store) HotLoops() ([]vm.LoopKey, error) {
	loops, err := s.queryLoops("SELECT unit, head, edge, back_edges, hot, runs, last_run FROM loops WHERE hot = 1 ORDER BY unit, head, edge")
	if err != nil {
		return nil, err
	}
	keys := make([]vm.LoopKey, len(loops))
	for i, l := range loops {
		keys[i] = l.Key
	}
	return keys, nil
}

// Seed pre-marks every stored hot loop in policy and returns how many were
// seeded.
func (s *Store) Seed(policy *vm.ThresholdPolicy) (int, error) {
	keys, err := s.HotLoops()
	if err != nil {
		return 0, err
	}
	policy.Seed(keys...)
	log.Debugf("seeded %d hot loops from %s", len(keys), s.path)
	return len(keys), nil
}

func (s *Store) queryLoops(query string) ([]Loop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("querying loops: %w", err)
	}
	defer rows.Close()

	var loops []Loop
	for rows.Next() {
		var (
			l          Loop
			unit, last string
			hot        int
		)
		if err := rows.Scan(&unit, &l.Key.Head, &l.Key.Edge, &l.BackEdges, &hot, &l.Runs, &last); err != nil {
			return nil, fmt.Errorf("scanning loop: %w", err)
		}
		if l.Key.Unit, err = strconv.ParseUint(unit, 16, 64); err != nil {
			return nil, fmt.Errorf("bad unit fingerprint %q: %w", unit, err)
		}
		if l.LastRun, err = uuid.Parse(last); err != nil {
			return nil, fmt.Errorf("bad run id %q: %w", last, err)
		}
		l.Hot = hot != 0
		loops = append(loops, l)
	}
	return loops, rows.Err()
}

// Runs returns the recorded runs, oldest first.
func (s *Store) Runs() ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id, label, started, finished FROM runs ORDER BY started, id")
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			id       string
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&id, &r.Label, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad run id %q: %w", id, err)
		}
		r.Started = time.Unix(0, started)
		if finished.Valid {
			r.Finished = time.Unix(0, finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns the run with the given ID.
func (s *Store) Run(id uuid.UUID) (*Run, error) {
	runs, err := s.Runs()
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].ID == id {
			return &runs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

func unitKey(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}
