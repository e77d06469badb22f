// Package journal persists classification events and session summaries to
// sqlite for later inspection. Sessions never read the journal back.
package journal

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/sortgate/internal/monitoring"
	"github.com/banshee-data/sortgate/internal/sorting"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultLimit caps Classifications when no limit is given.
const DefaultLimit = 100

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var logf = monitoring.Prefixed("journal")

// Journal is a sqlite-backed classification log.
type Journal struct {
	db   *sql.DB
	path string
}

// SessionRecord is the stored summary of one session.
type SessionRecord struct {
	ID          string             `json:"id"`
	Status      string             `json:"status"`
	Statistics  sorting.Statistics `json:"statistics"`
	TotalCount  uint64             `json:"total_count"`
	ImageWidth  int                `json:"image_width"`
	ImageHeight int                `json:"image_height"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   time.Time          `json:"started_at,omitzero"`
	StoppedAt   time.Time          `json:"stopped_at,omitzero"`
	LastError   string             `json:"last_error,omitempty"`
}

// Open opens (creating if necessary) the journal file at path and applies
// any pending migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	j := &Journal{db: db, path: path}
	if err := j.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateUp applies all pending migrations. The migrate instance is not
// closed because that would close the shared connection.
func (j *Journal) migrateUp() error {
	m, err := j.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version and dirty flag.
func (j *Journal) SchemaVersion() (uint, bool, error) {
	m, err := j.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) { logf("[migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                  { return false }

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s.String)
}

// RecordClassification stores one event. Recording the same event twice is
// a no-op.
func (j *Journal) RecordClassification(ev sorting.ItemClassified) error {
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO classifications (
			event_id, session_id, category_id, category, category_name, x, y, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.SessionID, int(ev.CategoryID), int(ev.Category), ev.Category.String(),
		ev.X, ev.Y, formatTime(ev.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("record classification %s: %w", ev.EventID, err)
	}
	return nil
}

// RecordSession inserts or updates the summary row for snap.ID.
func (j *Journal) RecordSession(snap sorting.SessionSnapshot) error {
	st := snap.Statistics
	_, err := j.db.Exec(
		`INSERT INTO sessions (
			session_id, status, total_frames, total_detections, stable_detections,
			packets_sent, error_count, total_count, image_width, image_height,
			created_at, started_at, stopped_at, last_error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			total_frames = excluded.total_frames,
			total_detections = excluded.total_detections,
			stable_detections = excluded.stable_detections,
			packets_sent = excluded.packets_sent,
			error_count = excluded.error_count,
			total_count = excluded.total_count,
			image_width = excluded.image_width,
			image_height = excluded.image_height,
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP`,
		snap.ID, snap.Status.String(),
		int64(st.TotalFrames), int64(st.TotalDetections), int64(st.StableDetections),
		int64(st.SerialPacketsSent), int64(st.ErrorCount), int64(snap.TotalCount),
		snap.ImageWidth, snap.ImageHeight,
		formatTime(snap.CreatedAt).String, formatTime(snap.StartedAt), formatTime(snap.StoppedAt),
		sql.NullString{String: snap.LastError, Valid: snap.LastError != ""},
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", snap.ID, err)
	}
	return nil
}

// Classifications returns the most recent events, newest first. An empty
// sessionID matches every session.
func (j *Journal) Classifications(sessionID string, limit int) ([]sorting.ItemClassified, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := j.db.Query(
		`SELECT event_id, session_id, category_id, category, x, y, occurred_at
		FROM classifications
		WHERE (? = '' OR session_id = ?)
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?`,
		sessionID, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []sorting.ItemClassified
	for rows.Next() {
		var (
			ev         sorting.ItemClassified
			categoryID int
			category   int
			occurredAt sql.NullString
		)
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &categoryID, &category, &ev.X, &ev.Y, &occurredAt); err != nil {
			return nil, err
		}
		ev.CategoryID = uint8(categoryID)
		ev.Category = sorting.Category(category)
		if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("event %s: bad occurred_at: %w", ev.EventID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountsBySession returns how many events were journaled per category.
func (j *Journal) CountsBySession(sessionID string) (map[sorting.Category]uint64, error) {
	rows, err := j.db.Query(
		`SELECT category, COUNT(*) FROM classifications WHERE session_id = ? GROUP BY category`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[sorting.Category]uint64)
	for rows.Next() {
		var category int
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		counts[sorting.Category(category)] = uint64(n)
	}
	return counts, rows.Err()
}

// Sessions returns stored session summaries, most recently created first.
func (j *Journal) Sessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := j.db.Query(
		`SELECT session_id, status, total_frames, total_detections, stable_detections,
			packets_sent, error_count, total_count, image_width, image_height,
			created_at, started_at, stopped_at, last_error
		FROM sessions ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec                       SessionRecord
			frames, dets, stable      int64
			sent, errs, total         int64
			created, started, stopped sql.NullString
			lastErr                   sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Status, &frames, &dets, &stable, &sent, &errs, &total,
			&rec.ImageWidth, &rec.ImageHeight, &created, &started, &stopped, &lastErr); err != nil {
			return nil, err
		}
		rec.Statistics = sorting.Statistics{
			TotalFrames:       uint64(frames),
			TotalDetections:   uint64(dets),
			StableDetections:  uint64(stable),
			SerialPacketsSent: uint64(sent),
			ErrorCount:        uint64(errs),
		}
		rec.TotalCount = uint64(total)
		rec.LastError = lastErr.String
		for _, f := range []struct {
			dst *time.Time
			src sql.NullString
		}{{&rec.CreatedAt, created}, {&rec.StartedAt, started}, {&rec.StoppedAt, stopped}} {
			if *f.dst, err = parseTime(f.src); err != nil {
				return nil, fmt.Errorf("session %s: bad timestamp: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
