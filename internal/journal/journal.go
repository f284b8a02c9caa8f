// Package journal records spoken utterances and their lifecycle in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// Utterance is one recorded utterance. Outcome stays empty until a
// terminal signal is recorded.
type Utterance struct {
	ID        string
	Text      string
	Voice     string
	Provider  string
	Outcome   string
	Error     string
	CreatedAt time.Time
	EndedAt   time.Time
}

// Entry is one lifecycle signal of an utterance.
type Entry struct {
	ID          int64
	UtteranceID string
	Kind        string
	Start       uint32
	End         uint32
	Mark        string
	Error       string
	CreatedAt   time.Time
}

// Store wraps the SQLite journal. A disabled store accepts every call
// and records nothing.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS utterances (
    utterance_id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    voice TEXT,
    provider TEXT,
    outcome TEXT,
    error TEXT,
    created_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    utterance_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    range_start INTEGER,
    range_end INTEGER,
    mark TEXT,
    error TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(utterance_id) REFERENCES utterances(utterance_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_entries_utterance ON entries(utterance_id, id);
CREATE INDEX IF NOT EXISTS idx_utterances_created ON utterances(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether the store writes anything.
func (s *Store) Enabled() bool { return s.db != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AddUtterance records u unless it is already known.
func (s *Store) AddUtterance(ctx context.Context, u Utterance) error {
	if s.db == nil {
		return nil
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(utterance_id, text, voice, provider, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(utterance_id) DO NOTHING`,
		u.ID, u.Text, u.Voice, u.Provider, u.CreatedAt.UnixNano())
	return err
}

// Append records a lifecycle signal. A terminal kind also closes the
// utterance with that outcome.
func (s *Store) Append(ctx context.Context, e Entry, terminal bool) error {
	if s.db == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries(utterance_id, kind, range_start, range_end, mark, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.UtteranceID, e.Kind, e.Start, e.End, e.Mark, e.Error, e.CreatedAt.UnixNano())
	if err != nil {
		return err
	}
	if terminal {
		_, err = tx.ExecContext(ctx,
			`UPDATE utterances SET outcome = ?, error = ?, ended_at = ? WHERE utterance_id = ?`,
			e.Kind, e.Error, e.CreatedAt.UnixNano(), e.UtteranceID)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Utterance returns the recorded utterance with id.
func (s *Store) Utterance(ctx context.Context, id string) (Utterance, error) {
	if s.db == nil {
		return Utterance{}, sql.ErrNoRows
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT utterance_id, text, voice, provider, outcome, error, created_at, ended_at
		 FROM utterances WHERE utterance_id = ?`, id)
	return scanUtterance(row)
}

// Recent returns up to limit utterances, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Utterance, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT utterance_id, text, voice, provider, outcome, error, created_at, ended_at
		 FROM utterances ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		u, err := scanUtterance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Entries returns the signals recorded for an utterance in arrival order.
func (s *Store) Entries(ctx context.Context, utteranceID string) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, utterance_id, kind, range_start, range_end, mark, error, created_at
		 FROM entries WHERE utterance_id = ? ORDER BY id ASC`, utteranceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.UtteranceID, &e.Kind, &e.Start, &e.End, &e.Mark, &e.Error, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxUtterances > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE utterance_id IN (
			SELECT utterance_id FROM utterances ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxUtterances)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUtterance(row scanner) (Utterance, error) {
	var (
		u                             Utterance
		voice, prov, outcome, errText sql.NullString
		created                       int64
		ended                         sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.Text, &voice, &prov, &outcome, &errText, &created, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Utterance{}, err
		}
		return Utterance{}, fmt.Errorf("scan utterance: %w", err)
	}
	u.Voice, u.Provider, u.Outcome, u.Error = voice.String, prov.String, outcome.String, errText.String
	u.CreatedAt = time.Unix(0, created)
	if ended.Valid {
		u.EndedAt = time.Unix(0, ended.Int64)
	}
	return u, nil
}
