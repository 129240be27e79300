// Package registry is the SQLite index of sessions, reserved sample names and
// finished augmentation jobs. The files under annotations/ stay the source of
// truth for images and labels.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/menta2k/yolo-annotator/internal/errs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a session identifier matches nothing
var ErrNotFound = errs.New(errs.CategoryNotFound, "session_not_found", "session not found")

// Session is one registered dataset
type Session struct {
	Name       string    `json:"name"`
	OwnerID    string    `json:"owner_id,omitempty"`
	AccessHash string    `json:"access_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobRecord is the ledger entry of a finished augmentation job
type JobRecord struct {
	ID              string    `json:"id"`
	Session         string    `json:"session"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Variants        []string  `json:"variants"`
	CreatedVariants int       `json:"created_variants"`
	ErrorCount      int       `json:"error_count"`
	Digest          string    `json:"digest"`
}

// Store wraps the registry database
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database file at path and runs pending
// migrations. Pass ":memory:" for an in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// one connection keeps :memory: databases alive and avoids "database is locked"
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// --- Sessions ---

// CreateOrGet registers name on first use and returns the stored row. The
// owner of an existing session is never changed. created reports whether
// this call inserted the row.
func (s *Store) CreateOrGet(ctx context.Context, name, ownerID string) (Session, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (name, owner_id, access_hash, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		name, ownerID, newAccessHash(), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Session{}, false, fmt.Errorf("creating session %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Session{}, false, err
	}
	sess, err := s.Get(ctx, name)
	return sess, n == 1, err
}

func (s *Store) Get(ctx context.Context, name string) (Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT name, owner_id, access_hash, created_at FROM sessions WHERE name = ?`, name))
}

// ResolveSession maps a session name or an access hash to the session name
func (s *Store) ResolveSession(ctx context.Context, identifier string) (string, error) {
	sess, err := s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT name, owner_id, access_hash, created_at FROM sessions
		WHERE name = ? OR access_hash = ? LIMIT 1`, identifier, identifier))
	if err != nil {
		return "", err
	}
	return sess.Name, nil
}

// CanAccess reports whether principal may use the session. Unregistered and
// unowned sessions are open to everyone; owned sessions only to their owner.
func (s *Store) CanAccess(ctx context.Context, principal, name string) (bool, error) {
	sess, err := s.Get(ctx, name)
	if errs.Is(err, errs.CategoryNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return sess.OwnerID == "" || sess.OwnerID == principal, nil
}

// Delete removes the session row with its reservations and job history
func (s *Store) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range []string{
		"DELETE FROM name_reservations WHERE session = ?",
		"DELETE FROM augmentation_jobs WHERE session = ?",
		"DELETE FROM sessions WHERE name = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("deleting session %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, owner_id, access_hash, created_at FROM sessions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanSession(row rowScanner) (Session, error) {
	var sess Session
	var createdAt string
	err := row.Scan(&sess.Name, &sess.OwnerID, &sess.AccessHash, &createdAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	sess.CreatedAt = t
	return sess, nil
}

func newAccessHash() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// --- Name reservations ---

// Reserve claims name in session. It returns false when the name was
// already claimed, which makes concurrent savers pick different names.
func (s *Store) Reserve(ctx context.Context, session, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO name_reservations (session, name, reserved_at) VALUES (?, ?, ?)
		ON CONFLICT(session, name) DO NOTHING`,
		session, name, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("reserving %s/%s: %w", session, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops a reservation so the name can be claimed again
func (s *Store) Release(ctx context.Context, session, name string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM name_reservations WHERE session = ? AND name = ?", session, name); err != nil {
		return fmt.Errorf("releasing %s/%s: %w", session, name, err)
	}
	return nil
}

// --- Augmentation jobs ---

func (s *Store) RecordJob(ctx context.Context, j JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO augmentation_jobs (id, session, started_at, finished_at, variants, created_variants, error_count, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Session,
		j.StartedAt.UTC().Format(time.RFC3339), j.FinishedAt.UTC().Format(time.RFC3339),
		strings.Join(j.Variants, ","), j.CreatedVariants, j.ErrorCount, j.Digest,
	)
	if err != nil {
		return fmt.Errorf("recording job %s: %w", j.ID, err)
	}
	return nil
}

// ListJobs returns the most recent jobs of a session, newest first
func (s *Store) ListJobs(ctx context.Context, session string, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session, started_at, finished_at, variants, created_variants, error_count, digest
		FROM augmentation_jobs WHERE session = ? ORDER BY finished_at DESC, rowid DESC LIMIT ?`, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var j JobRecord
		var started, finished, variants string
		if err := rows.Scan(&j.ID, &j.Session, &started, &finished, &variants, &j.CreatedVariants, &j.ErrorCount, &j.Digest); err != nil {
			return nil, err
		}
		if j.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if j.FinishedAt, err = time.Parse(time.RFC3339, finished); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		j.Variants = []string{}
		if variants != "" {
			j.Variants = strings.Split(variants, ",")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
