// Package storage is the durable relational store for notes, transcripts,
// and analyses. Every write is its own short-lived transaction; no
// cross-stage transaction spans a job.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database in dataDir and applies pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "voice.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent workers.
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

// Close closes the underlying database connection.
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

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		script, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.Exec(string(script)); err != nil {
			return fmt.Errorf("applying migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
	}
	return nil
}

// AppliedMigrations returns the applied schema versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func parseMigrationVersion(name string) (int, error) {
	base := strings.TrimSuffix(name, ".sql")
	if i := strings.IndexByte(base, '_'); i >= 0 {
		base = base[:i]
	}
	v, err := strconv.Atoi(base)
	if err != nil {
		return 0, fmt.Errorf("migration %q has no numeric version prefix", name)
	}
	return v, nil
}

// CreateNote inserts a new note row. An empty ID gets a generated uuid.
// Returns the stored note.
func (s *Store) CreateNote(n Note) (Note, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = "queued"
	}
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO notes (id, title, audio_path, language, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Title, n.AudioPath, n.Language, n.Status, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("inserting note: %w", err)
	}
	return n, nil
}

// GetNote loads one note by id.
func (s *Store) GetNote(id string) (Note, error) {
	var n Note
	err := s.db.QueryRow(`SELECT id, title, audio_path, language, status, created_at, updated_at
		FROM notes WHERE id = ?`, id).
		Scan(&n.ID, &n.Title, &n.AudioPath, &n.Language, &n.Status, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("loading note %s: %w", id, err)
	}
	return n, nil
}

// ListNotes returns all notes, oldest first.
func (s *Store) ListNotes() ([]Note, error) {
	rows, err := s.db.Query(`SELECT id, title, audio_path, language, status, created_at, updated_at
		FROM notes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Title, &n.AudioPath, &n.Language, &n.Status, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// UpdateNoteStatus overwrites the note's status. A repeat of the same value
// is harmless; updating a missing note is a no-op.
func (s *Store) UpdateNoteStatus(id, st string) error {
	_, err := s.db.Exec(`UPDATE notes SET status = ?, updated_at = ? WHERE id = ?`,
		st, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating status of note %s: %w", id, err)
	}
	return nil
}

// SetNoteLanguage records the detected language together with the next
// status in one statement, mirroring the hand-off after transcription.
func (s *Store) SetNoteLanguage(id, language, st string) error {
	_, err := s.db.Exec(`UPDATE notes SET language = ?, status = ?, updated_at = ? WHERE id = ?`,
		language, st, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating language of note %s: %w", id, err)
	}
	return nil
}

// SaveTranscript inserts the transcript row for a note. Exactly one
// transcript may exist per note; a second insert fails.
func (s *Store) SaveTranscript(t Transcript) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO transcripts (id, note_id, segments, full_text, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.NoteID, t.SegmentsJSON, t.FullText, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting transcript for note %s: %w", t.NoteID, err)
	}
	return nil
}

// GetTranscript loads the transcript for a note.
func (s *Store) GetTranscript(noteID string) (Transcript, error) {
	var t Transcript
	err := s.db.QueryRow(`SELECT id, note_id, segments, full_text, created_at
		FROM transcripts WHERE note_id = ?`, noteID).
		Scan(&t.ID, &t.NoteID, &t.SegmentsJSON, &t.FullText, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return Transcript{}, ErrNotFound
	}
	if err != nil {
		return Transcript{}, fmt.Errorf("loading transcript for note %s: %w", noteID, err)
	}
	return t, nil
}

// SaveAnalysis inserts the analysis row for a note. Exactly one analysis
// may exist per note; a second insert fails.
func (s *Store) SaveAnalysis(a Analysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO analyses (id, note_id, summary, topics, keywords, action_items, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.NoteID, a.Summary, a.TopicsJSON, a.KeywordsJSON, a.ActionItemsJSON, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting analysis for note %s: %w", a.NoteID, err)
	}
	return nil
}

// GetAnalysis loads the analysis for a note.
func (s *Store) GetAnalysis(noteID string) (Analysis, error) {
	var a Analysis
	err := s.db.QueryRow(`SELECT id, note_id, summary, topics, keywords, action_items, created_at
		FROM analyses WHERE note_id = ?`, noteID).
		Scan(&a.ID, &a.NoteID, &a.Summary, &a.TopicsJSON, &a.KeywordsJSON, &a.ActionItemsJSON, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return Analysis{}, ErrNotFound
	}
	if err != nil {
		return Analysis{}, fmt.Errorf("loading analysis for note %s: %w", noteID, err)
	}
	return a, nil
}
