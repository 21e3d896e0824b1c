package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/xenohash/internal/energy"
	"github.com/bardlex/xenohash/internal/round"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// BlockRepository handles finalized blocks
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// AppendBlock stores b. Writing the same round twice is a no-op, and the
// winner's block count only moves on the first write.
func (r *BlockRepository) AppendBlock(ctx context.Context, b *round.Block) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (round_number, hash, previous_hash, digest, nonce, winner_id, winner_name,
		                    reward, difficulty, next_difficulty, duration_ms, miners_online, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (round_number) DO NOTHING`,
		b.RoundNumber, b.Hash, b.PreviousHash, b.Digest, b.Nonce, b.WinnerID, b.WinnerName,
		b.Reward, b.Difficulty, b.NextDifficulty, b.Duration.Milliseconds(), b.MinersOnline, b.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 1 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, username, blocks_created) VALUES ($1, $2, 1)
			ON CONFLICT (id) DO UPDATE SET blocks_created = users.blocks_created + 1`,
			b.WinnerID, b.WinnerName,
		); err != nil {
			return fmt.Errorf("failed to count block for winner: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit block: %w", err)
	}
	return nil
}

// LoadLastRound returns the newest block summary, or nil on an empty ledger.
func (r *BlockRepository) LoadLastRound(ctx context.Context) (*round.LastRound, error) {
	last := &round.LastRound{}
	err := r.db.QueryRowContext(ctx, `
		SELECT round_number, next_difficulty, hash
		FROM blocks ORDER BY round_number DESC LIMIT 1`,
	).Scan(&last.RoundNumber, &last.NextDifficulty, &last.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last round: %w", err)
	}
	return last, nil
}

const blockColumns = `round_number, hash, previous_hash, digest, nonce, winner_id, winner_name,
	reward, difficulty, next_difficulty, duration_ms, miners_online, created_at`

func scanBlock(row interface{ Scan(...any) error }) (*round.Block, error) {
	b := &round.Block{}
	var durationMs int64
	if err := row.Scan(
		&b.RoundNumber, &b.Hash, &b.PreviousHash, &b.Digest, &b.Nonce, &b.WinnerID, &b.WinnerName,
		&b.Reward, &b.Difficulty, &b.NextDifficulty, &durationMs, &b.MinersOnline, &b.Timestamp,
	); err != nil {
		return nil, err
	}
	b.Duration = time.Duration(durationMs) * time.Millisecond
	return b, nil
}

// GetBlock returns one block by round number
func (r *BlockRepository) GetBlock(ctx context.Context, roundNumber int64) (*round.Block, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE round_number = $1`, roundNumber)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	return b, nil
}

// ListBlocks returns blocks newest first together with the total count
func (r *BlockRepository) ListBlocks(ctx context.Context, limit, offset int) ([]*round.Block, int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+blockColumns+`
		FROM blocks ORDER BY round_number DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*round.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate blocks: %w", err)
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM blocks`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count blocks: %w", err)
	}
	return blocks, total, nil
}

// Stats aggregates blocks and users
func (r *BlockRepository) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	var first sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*), COALESCE(sum(reward), 0), min(created_at),
		       (SELECT count(*) FROM users)
		FROM blocks`,
	).Scan(&s.TotalBlocks, &s.TotalTokens, &first, &s.TotalUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	if first.Valid {
		s.FirstBlockAt = &first.Time
	}
	return s, nil
}

// UserRepository handles users and balances
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// UpsertUser records a login
func (r *UserRepository) UpsertUser(ctx context.Context, id, username string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, last_seen_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, last_seen_at = now()`,
		id, username)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// CreditBalance adds amount to the balance of the winner of roundNumber.
// The block's credited flag flips in the same transaction, so calling it
// again for a round is a no-op.
func (r *UserRepository) CreditBalance(ctx context.Context, roundNumber int64, id string, amount decimal.Decimal) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE blocks SET credited = true
		WHERE round_number = $1 AND NOT credited`, roundNumber)
	if err != nil {
		return fmt.Errorf("failed to mark block credited: %w", err)
	}
	marked, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if marked == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM blocks WHERE round_number = $1)`, roundNumber,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up block: %w", err)
		}
		if !exists {
			return fmt.Errorf("no block for round %d: %w", roundNumber, ErrNotFound)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, balance) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET balance = users.balance + EXCLUDED.balance`,
		id, amount,
	); err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credit: %w", err)
	}
	return nil
}

// GetUser retrieves one user
func (r *UserRepository) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, balance, blocks_created, created_at, last_seen_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.Balance, &u.BlocksCreated, &u.CreatedAt, &u.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// Leaderboard returns the users with the highest balances
func (r *UserRepository) Leaderboard(ctx context.Context, limit int) ([]*User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, username, balance, blocks_created, created_at, last_seen_at
		FROM users ORDER BY balance DESC, blocks_created DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.Balance, &u.BlocksCreated, &u.CreatedAt, &u.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// EnergyRepository persists energy accounts
type EnergyRepository struct {
	db *sql.DB
}

// NewEnergyRepository creates a new energy repository
func NewEnergyRepository(db *sql.DB) *EnergyRepository {
	return &EnergyRepository{db: db}
}

// LoadAccount implements energy.Store
func (r *EnergyRepository) LoadAccount(ctx context.Context, id string) (energy.Account, error) {
	var a energy.Account
	err := r.db.QueryRowContext(ctx, `
		SELECT current, max, bonus_max, last_recharged
		FROM energy_accounts WHERE user_id = $1`, id,
	).Scan(&a.Current, &a.Max, &a.BonusMax, &a.LastRecharged)
	if errors.Is(err, sql.ErrNoRows) {
		return energy.Account{}, energy.ErrAccountNotFound
	}
	if err != nil {
		return energy.Account{}, fmt.Errorf("failed to load energy account: %w", err)
	}
	return a, nil
}

// SaveAccount implements energy.Store
func (r *EnergyRepository) SaveAccount(ctx context.Context, id string, a energy.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO energy_accounts (user_id, current, max, bonus_max, last_recharged)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			current = EXCLUDED.current,
			max = EXCLUDED.max,
			bonus_max = EXCLUDED.bonus_max,
			last_recharged = EXCLUDED.last_recharged`,
		id, a.Current, a.Max, a.BonusMax, a.LastRecharged)
	if err != nil {
		return fmt.Errorf("failed to save energy account: %w", err)
	}
	return nil
}
