// Package postgres implements store.Store on PostgreSQL with pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civicpoll/backend/internal/models"
	"github.com/civicpoll/backend/internal/store"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"

	constraintVoterUnique = "votes_poll_id_voter_id_key"
	constraintVoteOption  = "votes_option_fkey"
)

// Store persists polls in PostgreSQL. The schema lives in pkg/database/migrations.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed store over an open pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const pollColumns = `p.id, p.title, p.description, p.category, p.creator_id, p.is_active,
	p.expires_at, p.created_at, p.updated_at,
	(SELECT COUNT(*) FROM votes v WHERE v.poll_id = p.id)`

// CreatePoll inserts the poll and its options in one transaction.
func (s *Store) CreatePoll(ctx context.Context, p *models.Poll) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const query = `INSERT INTO polls (id, title, description, category, creator_id, is_active, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.Exec(ctx, query, p.ID, p.Title, p.Description, p.Category, p.CreatorID,
		p.Active, p.ExpiresAt, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("insert poll: %w", err)
	}
	if err := insertOptions(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetPoll returns a poll with options and its vote total.
func (s *Store) GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM polls p WHERE p.id = $1`
	p, err := scanPoll(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get poll: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT id, poll_id, text, position FROM poll_options WHERE poll_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o models.Option
		if err := rows.Scan(&o.ID, &o.PollID, &o.Text, &o.Position); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		p.Options = append(p.Options, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	return p, nil
}

// ListPolls returns polls newest first, optionally only those of one creator.
func (s *Store) ListPolls(ctx context.Context, f store.ListFilter) ([]*models.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM polls p
		WHERE ($1 = '' OR p.creator_id = $1)
		ORDER BY p.created_at DESC, p.id`
	rows, err := s.pool.Query(ctx, query, f.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("list polls: %w", err)
	}
	defer rows.Close()
	var list []*models.Poll
	byID := make(map[uuid.UUID]*models.Poll)
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, fmt.Errorf("scan poll: %w", err)
		}
		list = append(list, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list polls: %w", err)
	}
	rows.Close()

	optRows, err := s.pool.Query(ctx, `SELECT o.id, o.poll_id, o.text, o.position
		FROM poll_options o JOIN polls p ON p.id = o.poll_id
		WHERE ($1 = '' OR p.creator_id = $1)
		ORDER BY o.poll_id, o.position`, f.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	defer optRows.Close()
	for optRows.Next() {
		var o models.Option
		if err := optRows.Scan(&o.ID, &o.PollID, &o.Text, &o.Position); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		// polls created between the two queries are skipped
		if p, ok := byID[o.PollID]; ok {
			p.Options = append(p.Options, o)
		}
	}
	if err := optRows.Err(); err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	return list, nil
}

// UpdatePoll rewrites the poll fields, replacing options when asked. The poll
// row is locked first so a concurrent vote cannot slip in between the
// has-votes check and the option swap.
func (s *Store) UpdatePoll(ctx context.Context, p *models.Poll, replaceOptions bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var locked uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM polls WHERE id = $1 FOR UPDATE`, p.ID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("lock poll: %w", err)
	}

	if replaceOptions {
		var hasVotes bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM votes WHERE poll_id = $1)`, p.ID).Scan(&hasVotes); err != nil {
			return fmt.Errorf("count votes: %w", err)
		}
		if hasVotes {
			return store.ErrHasVotes
		}
		if _, err := tx.Exec(ctx, `DELETE FROM poll_options WHERE poll_id = $1`, p.ID); err != nil {
			return fmt.Errorf("delete options: %w", err)
		}
		if err := insertOptions(ctx, tx, p); err != nil {
			return err
		}
	}

	const query = `UPDATE polls SET title = $2, description = $3, category = $4,
		expires_at = $5, updated_at = $6 WHERE id = $1`
	if _, err := tx.Exec(ctx, query, p.ID, p.Title, p.Description, p.Category, p.ExpiresAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("update poll: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetActive flips is_active without touching the other columns.
func (s *Store) SetActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE polls SET is_active = $2, updated_at = $3 WHERE id = $1`, id, active, at)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeletePoll removes a poll; options and votes go with it via ON DELETE CASCADE.
func (s *Store) DeletePoll(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM polls WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete poll: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InsertVote appends a vote. The votes_poll_id_voter_id_key constraint makes
// concurrent duplicates fail with ErrDuplicateVote.
func (s *Store) InsertVote(ctx context.Context, v *models.Vote) error {
	const query = `INSERT INTO votes (id, poll_id, option_id, voter_id, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, query, v.ID, v.PollID, v.OptionID, v.VoterID, v.CreatedAt)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == constraintVoterUnique:
			return store.ErrDuplicateVote
		case pgErr.Code == codeForeignKeyViolation && pgErr.ConstraintName == constraintVoteOption:
			return store.ErrOptionMismatch
		case pgErr.Code == codeForeignKeyViolation:
			return store.ErrNotFound
		}
	}
	return fmt.Errorf("insert vote: %w", err)
}

// VoteCounts counts votes per option of a poll.
func (s *Store) VoteCounts(ctx context.Context, pollID uuid.UUID) (map[uuid.UUID]int, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM polls WHERE id = $1)`, pollID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check poll: %w", err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	rows, err := s.pool.Query(ctx, `SELECT option_id, COUNT(*) FROM votes WHERE poll_id = $1 GROUP BY option_id`, pollID)
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

// FindVote returns the vote of voterID on pollID.
func (s *Store) FindVote(ctx context.Context, pollID uuid.UUID, voterID string) (*models.Vote, error) {
	const query = `SELECT id, poll_id, option_id, voter_id, created_at FROM votes WHERE poll_id = $1 AND voter_id = $2`
	var v models.Vote
	err := s.pool.QueryRow(ctx, query, pollID, voterID).Scan(&v.ID, &v.PollID, &v.OptionID, &v.VoterID, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find vote: %w", err)
	}
	return &v, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func insertOptions(ctx context.Context, tx pgx.Tx, p *models.Poll) error {
	batch := &pgx.Batch{}
	for _, o := range p.Options {
		batch.Queue(`INSERT INTO poll_options (id, poll_id, text, position) VALUES ($1, $2, $3, $4)`,
			o.ID, p.ID, o.Text, o.Position)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert options: %w", err)
	}
	return nil
}

func scanPoll(row pgx.Row) (*models.Poll, error) {
	var p models.Poll
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Category, &p.CreatorID, &p.Active,
		&p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt, &p.TotalVotes)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if p.ExpiresAt != nil {
		t := p.ExpiresAt.UTC()
		p.ExpiresAt = &t
	}
	return &p, nil
}

var _ store.Store = (*Store)(nil)
