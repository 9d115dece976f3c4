// Package store persists estimator output to SQLite.
//
// Every process that opens a Store is assigned a run ID; rows recorded by
// that process carry it so history from separate runs can be told apart.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite"

	"github.com/thesyncim/tsat/pkg/tsat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a strategy has no recorded estimates.
var ErrNotFound = errors.New("store: no estimates recorded")

// DefaultHistoryLimit caps History when the caller passes a non-positive limit.
const DefaultHistoryLimit = 100

// Record is one persisted estimate.
type Record struct {
	ID       int64
	RunID    uuid.UUID
	Strategy string
	Time     time.Time
	State    tsat.State
}

// Store writes and reads estimates.
type Store struct {
	db    *sql.DB
	runID uuid.UUID
}

// Open opens (creating if needed) the database at path and migrates it to the
// latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases consistent across queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragma: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, runID: uuid.New()}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	m.Log = &migrateLogger{}
	// m is not closed: closing it closes db.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...any) {
	tsat.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// RunID identifies rows written through this Store.
func (s *Store) RunID() uuid.UUID {
	return s.runID
}

// Record persists one estimate for strategy.
func (s *Store) Record(ctx context.Context, strategy string, st tsat.State, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO estimates (run_id, strategy, recorded_ns, qx, qy, qz, qw, wx, wy, wz)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID.String(), strategy, at.UnixNano(),
		st.Q.Imag, st.Q.Jmag, st.Q.Kmag, st.Q.Real,
		st.W.X, st.W.Y, st.W.Z,
	)
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", strategy, err)
	}
	return nil
}

// Latest returns the most recent estimate for strategy across all runs.
func (s *Store) Latest(ctx context.Context, strategy string) (Record, error) {
	recs, err := s.History(ctx, strategy, 1)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, strategy)
	}
	return recs[0], nil
}

// History returns up to limit estimates for strategy, newest first.
func (s *Store) History(ctx context.Context, strategy string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, strategy, recorded_ns, qx, qy, qz, qw, wx, wy, wz
		FROM estimates
		WHERE strategy = ?
		ORDER BY recorded_ns DESC, id DESC
		LIMIT ?`, strategy, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", strategy, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query %s: %w", strategy, err)
	}
	return out, nil
}

// Count returns the number of estimates recorded for strategy by this run.
func (s *Store) Count(ctx context.Context, strategy string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM estimates WHERE strategy = ? AND run_id = ?`,
		strategy, s.runID.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count %s: %w", strategy, err)
	}
	return n, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec   Record
		runID string
		ns    int64
		q     quat.Number
		w     r3.Vec
	)
	if err := rows.Scan(&rec.ID, &runID, &rec.Strategy, &ns,
		&q.Imag, &q.Jmag, &q.Kmag, &q.Real, &w.X, &w.Y, &w.Z); err != nil {
		return Record{}, fmt.Errorf("store: scan: %w", err)
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		return Record{}, fmt.Errorf("store: row %d run id: %w", rec.ID, err)
	}
	rec.RunID = id
	rec.Time = time.Unix(0, ns)
	rec.State = tsat.State{Q: q, W: w}
	return rec, nil
}

// Sink returns a registry callback that records every accepted estimate.
// Insert failures are logged and do not interrupt the update.
func (s *Store) Sink() tsat.UpdateCallback {
	return func(name string, estimate tsat.State, at time.Time) {
		if err := s.Record(context.Background(), name, estimate, at); err != nil {
			tsat.Logf("store: %v", err)
		}
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
