// Package sqlite archives published map snapshots in a sqlite database.
package sqlite

import (
	"bytes"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mapping/internal/mapping/maps"
	"github.com/banshee-data/mapping/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no snapshot matches a query.
var ErrNotFound = errors.New("snapshot not found")

// Options configures a Store.
type Options struct {
	// Name is the publisher name; it defaults to "sqlite".
	Name string
	// Path is the database file; ":memory:" is accepted.
	Path string
	// Retain keeps at most this many snapshots per mapper; 0 keeps all.
	Retain int
}

// Store is a map publisher that archives every new map version.
type Store struct {
	db     *sql.DB
	name   string
	path   string
	retain int
	logf   func(format string, v ...interface{})

	mu   sync.Mutex
	last map[string]uint64
}

// Open opens (creating if needed) the database at opts.Path and applies
// pending migrations.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite store: empty database path")
	}
	if opts.Retain < 0 {
		return nil, fmt.Errorf("sqlite store: retain must be >= 0, got %d", opts.Retain)
	}
	if opts.Name == "" {
		opts.Name = "sqlite"
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		name:   opts.Name,
		path:   opts.Path,
		retain: opts.Retain,
		logf:   monitoring.Component("Store", opts.Name),
		last:   make(map[string]uint64),
	}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Name() string { return s.name }

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{logf: s.logf}
	return m, nil
}

// MigrateUp applies all pending migrations. The migrate instance is not
// closed because that would close the shared database handle.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version and dirty flag; 0 when no
// migration has run.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct {
	logf func(format string, v ...interface{})
}

func (l migrateLogger) Printf(format string, v ...interface{}) { l.logf("[migrate] "+format, v...) }
func (l migrateLogger) Verbose() bool                          { return false }

// Record is one archived snapshot.
type Record struct {
	ID         string    `json:"id"`
	Mapper     string    `json:"mapper"`
	Variant    string    `json:"variant"`
	Frame      string    `json:"frame"`
	Version    uint64    `json:"version"`
	Stamp      time.Time `json:"stamp"`
	CellCount  int       `json:"cell_count"`
	Resolution float64   `json:"resolution"`
	BlobBytes  int       `json:"blob_bytes"`
	Blob       []byte    `json:"-"`
}

// Snapshot decodes the archived map.
func (r *Record) Snapshot() (*maps.Snapshot, error) {
	if len(r.Blob) == 0 {
		return nil, fmt.Errorf("snapshot %s: blob not loaded", r.ID)
	}
	return maps.Decode(bytes.NewReader(r.Blob))
}

// Publish archives snap unless the mapper's previous archived snapshot has
// the same version.
func (s *Store) Publish(mapperName string, snap *maps.Snapshot, stamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.last[mapperName]; ok && v == snap.Version() {
		return nil
	}
	var blob bytes.Buffer
	if err := snap.Encode(&blob); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO map_snapshots (
			snapshot_id, mapper, variant, frame, version, stamp_unix_nanos,
			cell_count, resolution, blob
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), mapperName, snap.Variant().String(), snap.Frame(),
		int64(snap.Version()), stamp.UnixNano(), snap.CellCount(), snap.Resolution(), blob.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if s.retain > 0 {
		_, err = tx.Exec(`DELETE FROM map_snapshots
			WHERE mapper = ? AND snapshot_id NOT IN (
				SELECT snapshot_id FROM map_snapshots WHERE mapper = ?
				ORDER BY stamp_unix_nanos DESC, version DESC LIMIT ?
			)`, mapperName, mapperName, s.retain)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.last[mapperName] = snap.Version()
	return nil
}

const recordColumns = `snapshot_id, mapper, variant, frame, version, stamp_unix_nanos,
	cell_count, resolution, length(blob)`

func scanRecord(row interface{ Scan(dest ...any) error }, extra ...any) (Record, error) {
	var r Record
	var version, stamp int64
	dest := append([]any{&r.ID, &r.Mapper, &r.Variant, &r.Frame, &version, &stamp,
		&r.CellCount, &r.Resolution, &r.BlobBytes}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Record{}, err
	}
	r.Version = uint64(version)
	r.Stamp = time.Unix(0, stamp).UTC()
	return r, nil
}

// LatestSnapshot returns the newest archived snapshot of mapperName, blob
// included.
func (s *Store) LatestSnapshot(mapperName string) (*Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+`, blob FROM map_snapshots
		WHERE mapper = ? ORDER BY stamp_unix_nanos DESC, version DESC LIMIT 1`, mapperName)
	var blob []byte
	r, err := scanRecord(row, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: mapper %q", ErrNotFound, mapperName)
	}
	if err != nil {
		return nil, err
	}
	r.Blob = blob
	return &r, nil
}

// ListSnapshots returns up to limit snapshots, newest first, without their
// blobs. An empty mapperName lists every mapper.
func (s *Store) ListSnapshots(mapperName string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM map_snapshots
		WHERE (? = '' OR mapper = ?)
		ORDER BY stamp_unix_nanos DESC, version DESC LIMIT ?`, mapperName, mapperName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts tailsql and a snapshot listing on the tsweb
// debug page of mux.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.db, &tailsql.DBOptions{
		Label: "Map snapshots",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("snapshots", "Recently archived map snapshots", http.HandlerFunc(s.handleSnapshots))
	return nil
}

func (s *Store) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	recs, err := s.ListSnapshots(r.URL.Query().Get("mapper"), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s  %-16s %-18s v%-6d cells=%-8d %s\n",
			rec.Stamp.Format(time.RFC3339Nano), rec.Mapper, rec.Variant, rec.Version, rec.CellCount, rec.ID)
	}
}
