// Package sqlite implements store.Store on an embedded SQLite database
// (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/civicpoll/backend/internal/models"
	"github.com/civicpoll/backend/internal/store"
)

//go:embed schema.sql
var schema string

// Store persists polls in a single SQLite file.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (or creates) a SQLite poll store at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer connection: transactions below run serially.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) CreatePoll(ctx context.Context, p *models.Poll) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `INSERT INTO polls (id, title, description, category, creator_id, is_active, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Description, p.Category, p.CreatorID, p.Active,
		nullMillis(p.ExpiresAt), toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert poll: %w", err)
	}
	if err := insertOptions(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const pollColumns = `p.id, p.title, p.description, p.category, p.creator_id, p.is_active,
	p.expires_at, p.created_at, p.updated_at,
	(SELECT COUNT(*) FROM votes v WHERE v.poll_id = p.id)`

func (s *Store) GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	p, err := scanPoll(s.sqlDB.QueryRowContext(ctx, `SELECT `+pollColumns+` FROM polls p WHERE p.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get poll: %w", err)
	}
	opts, err := s.options(ctx, `WHERE o.poll_id = ?`, id)
	if err != nil {
		return nil, err
	}
	p.Options = opts[p.ID]
	return p, nil
}

func (s *Store) ListPolls(ctx context.Context, f store.ListFilter) ([]*models.Poll, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+pollColumns+` FROM polls p
		WHERE (? = '' OR p.creator_id = ?)
		ORDER BY p.created_at DESC, p.id`, f.CreatorID, f.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("list polls: %w", err)
	}
	var list []*models.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan poll: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list polls: %w", err)
	}
	rows.Close()

	opts, err := s.options(ctx, `JOIN polls p ON p.id = o.poll_id WHERE (? = '' OR p.creator_id = ?)`, f.CreatorID, f.CreatorID)
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		p.Options = opts[p.ID]
	}
	return list, nil
}

func (s *Store) UpdatePoll(ctx context.Context, p *models.Poll, replaceOptions bool) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE polls SET title = ?, description = ?, category = ?,
		expires_at = ?, updated_at = ? WHERE id = ?`,
		p.Title, p.Description, p.Category, nullMillis(p.ExpiresAt), toMillis(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update poll: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	if replaceOptions {
		var votes int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE poll_id = ?`, p.ID).Scan(&votes); err != nil {
			return fmt.Errorf("count votes: %w", err)
		}
		if votes > 0 {
			return store.ErrHasVotes
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM poll_options WHERE poll_id = ?`, p.ID); err != nil {
			return fmt.Errorf("delete options: %w", err)
		}
		if err := insertOptions(ctx, tx, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) SetActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE polls SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeletePoll(ctx context.Context, id uuid.UUID) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM polls WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete poll: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InsertVote appends a vote. UNIQUE (poll_id, voter_id) rejects duplicates;
// the composite foreign key rejects an option of another poll.
func (s *Store) InsertVote(ctx context.Context, v *models.Vote) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// SQLite does not say which foreign key failed, so resolve the two cases first.
	var pollExists, optionMatches bool
	err = tx.QueryRowContext(ctx, `SELECT
		EXISTS (SELECT 1 FROM polls WHERE id = ?),
		EXISTS (SELECT 1 FROM poll_options WHERE poll_id = ? AND id = ?)`,
		v.PollID, v.PollID, v.OptionID).Scan(&pollExists, &optionMatches)
	if err != nil {
		return fmt.Errorf("check vote target: %w", err)
	}
	if !pollExists {
		return store.ErrNotFound
	}
	if !optionMatches {
		return store.ErrOptionMismatch
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO votes (id, poll_id, option_id, voter_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.PollID, v.OptionID, v.VoterID, toMillis(v.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateVote
		}
		if isForeignKeyViolation(err) {
			return store.ErrOptionMismatch
		}
		return fmt.Errorf("insert vote: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) VoteCounts(ctx context.Context, pollID uuid.UUID) (map[uuid.UUID]int, error) {
	var exists bool
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM polls WHERE id = ?)`, pollID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check poll: %w", err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT option_id, COUNT(*) FROM votes WHERE poll_id = ? GROUP BY option_id`, pollID)
	if err != nil {
		return nil, fmt.Errorf("count votes: %w", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (s *Store) FindVote(ctx context.Context, pollID uuid.UUID, voterID string) (*models.Vote, error) {
	var v models.Vote
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT id, poll_id, option_id, voter_id, created_at FROM votes WHERE poll_id = ? AND voter_id = ?`,
		pollID, voterID).Scan(&v.ID, &v.PollID, &v.OptionID, &v.VoterID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find vote: %w", err)
	}
	v.CreatedAt = fromMillis(createdAt)
	return &v, nil
}

// options loads options keyed by poll id for the polls selected by where.
func (s *Store) options(ctx context.Context, where string, args ...any) (map[uuid.UUID][]models.Option, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT o.id, o.poll_id, o.text, o.position FROM poll_options o `+where+
		` ORDER BY o.poll_id, o.position`, args...)
	if err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]models.Option)
	for rows.Next() {
		var o models.Option
		if err := rows.Scan(&o.ID, &o.PollID, &o.Text, &o.Position); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		out[o.PollID] = append(out[o.PollID], o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	return out, nil
}

func insertOptions(ctx context.Context, tx *sql.Tx, p *models.Poll) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO poll_options (id, poll_id, text, position) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare options: %w", err)
	}
	defer stmt.Close()
	for _, o := range p.Options {
		if _, err := stmt.ExecContext(ctx, o.ID, p.ID, o.Text, o.Position); err != nil {
			return fmt.Errorf("insert option: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoll(row rowScanner) (*models.Poll, error) {
	var (
		p                    models.Poll
		expiresAt            sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Category, &p.CreatorID, &p.Active,
		&expiresAt, &createdAt, &updatedAt, &p.TotalVotes)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		p.ExpiresAt = &t
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return false
}

var _ store.Store = (*Store)(nil)
