// Package linecache implements the per-game line cache (C2): a SQLite table
// mapping (text, voice) to a generated audio file, backed by a filesystem
// directory of the audio files themselves.
//
// Grounded on the teacher's use of `database/sql`-style persistence
// (`pkg/memory/postgres/schema.go`'s DDL + Migrate idiom, generalised here
// from Postgres to a per-game SQLite file via the pure-Go
// `modernc.org/sqlite` driver — the pack consistently reaches for
// modernc.org/sqlite over a cgo driver, see longregen-alicia/whatsapp's
// go.mod) and on golang.org/x/sync/singleflight, already a teacher
// dependency, to collapse duplicate concurrent builds for the same
// fingerprint as a defense-in-depth layer on top of the queue actor's
// natural serialization (spec.md §4.2).
package linecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"golang.org/x/sync/singleflight"
)

const schema = `
CREATE TABLE IF NOT EXISTS voice_lines (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	dialogue_text TEXT NOT NULL,
	voice_name TEXT NOT NULL,
	voice_location TEXT NOT NULL,
	file_name TEXT NOT NULL,
	UNIQUE(dialogue_text, voice_name, voice_location)
);
`

// Entry identifies one cache row's unique key.
type Entry struct {
	DialogueText  string
	VoiceName     string
	VoiceLocation string // "global" or "game_<id>", per VoiceReference.Location.String()
}

// TtsResponse is the C2 result type spec.md §3 describes.
type TtsResponse struct {
	FilePath  string
	Line      string
	VoiceUsed string
}

// Store owns one game's line-cache database and its backing lines/ directory.
type Store struct {
	db       *sql.DB
	linesDir string
	sf       singleflight.Group
}

// Open opens (creating if absent) the SQLite database at dbPath and ensures
// linesDir exists. WAL journal mode with synchronous=NORMAL is set per
// spec.md §5's single-writer/many-reader resource model.
func Open(dbPath, linesDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("linecache: creating db directory: %w", err)
	}
	if err := os.MkdirAll(linesDir, 0o755); err != nil {
		return nil, fmt.Errorf("linecache: creating lines directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("linecache: opening %s: %w", dbPath, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("linecache: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("linecache: applying schema: %w", err)
	}

	return &Store{db: db, linesDir: linesDir}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// TryRetrieve does a single SELECT by (text, voice). A row whose file is
// missing from disk is treated as a miss, and the stale row is invalidated
// so the next generation doesn't collide on the UNIQUE constraint.
func (s *Store) TryRetrieve(ctx context.Context, entry Entry) (*TtsResponse, error) {
	var fileName string
	err := s.db.QueryRowContext(ctx,
		`SELECT file_name FROM voice_lines WHERE dialogue_text = ? AND voice_name = ? AND voice_location = ?`,
		entry.DialogueText, entry.VoiceName, entry.VoiceLocation,
	).Scan(&fileName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("linecache: retrieving %+v: %w", entry, err)
	}

	fullPath := filepath.Join(s.linesDir, entry.VoiceName, fileName)
	if _, statErr := os.Stat(fullPath); statErr != nil {
		_ = s.Invalidate(ctx, []Entry{entry})
		return nil, nil
	}

	return &TtsResponse{
		FilePath:  fullPath,
		Line:      entry.DialogueText,
		VoiceUsed: entry.VoiceName,
	}, nil
}

// Insert writes audio under <linesDir>/<voice>/<millis>.<ext> and records
// the row, replacing and best-effort-unlinking any prior file on a UNIQUE
// conflict.
func (s *Store) Insert(ctx context.Context, entry Entry, audio []byte, ext string) (string, error) {
	voiceDir := filepath.Join(s.linesDir, entry.VoiceName)
	if err := os.MkdirAll(voiceDir, 0o755); err != nil {
		return "", fmt.Errorf("linecache: creating %s: %w", voiceDir, err)
	}

	fileName := fmt.Sprintf("%d.%s", time.Now().UnixMilli(), ext)
	fullPath := filepath.Join(voiceDir, fileName)
	if err := os.WriteFile(fullPath, audio, 0o644); err != nil {
		return "", fmt.Errorf("linecache: writing %s: %w", fullPath, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("linecache: starting transaction: %w", err)
	}
	defer tx.Rollback()

	var oldFileName string
	err = tx.QueryRowContext(ctx,
		`SELECT file_name FROM voice_lines WHERE dialogue_text = ? AND voice_name = ? AND voice_location = ?`,
		entry.DialogueText, entry.VoiceName, entry.VoiceLocation,
	).Scan(&oldFileName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("linecache: checking for conflicting row: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO voice_lines (dialogue_text, voice_name, voice_location, file_name) VALUES (?, ?, ?, ?)
		 ON CONFLICT(dialogue_text, voice_name, voice_location) DO UPDATE SET file_name = excluded.file_name`,
		entry.DialogueText, entry.VoiceName, entry.VoiceLocation, fileName,
	)
	if err != nil {
		return "", fmt.Errorf("linecache: inserting row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("linecache: committing: %w", err)
	}

	if oldFileName != "" && oldFileName != fileName {
		_ = os.Remove(filepath.Join(voiceDir, oldFileName))
	}
	return fullPath, nil
}

// Invalidate deletes each entry's row and best-effort unlinks its file.
func (s *Store) Invalidate(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		var fileName string
		err := s.db.QueryRowContext(ctx,
			`DELETE FROM voice_lines WHERE dialogue_text = ? AND voice_name = ? AND voice_location = ? RETURNING file_name`,
			entry.DialogueText, entry.VoiceName, entry.VoiceLocation,
		).Scan(&fileName)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("linecache: invalidating %+v: %w", entry, err)
		}
		_ = os.Remove(filepath.Join(s.linesDir, entry.VoiceName, fileName))
	}
	return nil
}

// BuildFunc generates fresh audio bytes and a file extension for entry.
type BuildFunc func(ctx context.Context) (audio []byte, ext string, err error)

// GetOrBuild retrieves entry from cache, or calls build and inserts the
// result on a miss. Concurrent calls for the same entry are collapsed via
// singleflight so only one build runs at a time — a defense-in-depth layer
// on top of the queue actor's single-generation-at-a-time serialization.
func (s *Store) GetOrBuild(ctx context.Context, entry Entry, build BuildFunc) (*TtsResponse, error) {
	if resp, err := s.TryRetrieve(ctx, entry); err != nil {
		return nil, err
	} else if resp != nil {
		return resp, nil
	}

	key := entry.VoiceLocation + "|" + entry.VoiceName + "|" + entry.DialogueText
	v, err, _ := s.sf.Do(key, func() (any, error) {
		if resp, err := s.TryRetrieve(ctx, entry); err != nil {
			return nil, err
		} else if resp != nil {
			return resp, nil
		}
		audio, ext, err := build(ctx)
		if err != nil {
			return nil, err
		}
		path, err := s.Insert(ctx, entry, audio, ext)
		if err != nil {
			return nil, err
		}
		return &TtsResponse{FilePath: path, Line: entry.DialogueText, VoiceUsed: entry.VoiceName}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*TtsResponse), nil
}
