package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/leasehold/internal/metrics"
	"github.com/eldtechnologies/leasehold/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ DataStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func observe(start time.Time) {
	metrics.PostgresLatency.Observe(time.Since(start).Seconds())
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// InsertOwnership records that a user owns a session.
func (s *PostgresStore) InsertOwnership(ctx context.Context, rec models.OwnershipRecord) error {
	defer observe(time.Now())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_owners (session_id, user_id, created_at)
		VALUES ($1, $2, $3)
	`, rec.SessionID, rec.UserID, rec.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// DeleteOwnership removes the record if present.
func (s *PostgresStore) DeleteOwnership(ctx context.Context, userID, sessionID string) error {
	defer observe(time.Now())
	_, err := s.pool.Exec(ctx, `
		DELETE FROM session_owners WHERE user_id = $1 AND session_id = $2
	`, userID, sessionID)
	return err
}

// OwnershipExists reports whether userID owns sessionID.
func (s *PostgresStore) OwnershipExists(ctx context.Context, userID, sessionID string) (bool, error) {
	defer observe(time.Now())
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM session_owners WHERE user_id = $1 AND session_id = $2)
	`, userID, sessionID).Scan(&exists)
	return exists, err
}

// ListOwnership returns the user's sessions, newest first.
func (s *PostgresStore) ListOwnership(ctx context.Context, userID string) ([]models.OwnershipRecord, error) {
	defer observe(time.Now())
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, session_id, created_at
		FROM session_owners
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.OwnershipRecord
	for rows.Next() {
		var rec models.OwnershipRecord
		if err := rows.Scan(&rec.UserID, &rec.SessionID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountOwnership returns how many sessions the user owns.
func (s *PostgresStore) CountOwnership(ctx context.Context, userID string) (int, error) {
	defer observe(time.Now())
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM session_owners WHERE user_id = $1
	`, userID).Scan(&count)
	return count, err
}

// GetBalance retrieves the user's balance row.
func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*models.Balance, error) {
	defer observe(time.Now())
	balance := &models.Balance{}
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, balance_credits, updated_at
		FROM balances WHERE user_id = $1
	`, userID).Scan(
		&balance.UserID,
		&balance.BalanceCredits,
		&balance.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return balance, nil
}

// ApplyTransaction writes the transaction row and merges its amount into the
// balance. Both statements commit together or not at all.
func (s *PostgresStore) ApplyTransaction(ctx context.Context, txn *models.Transaction, eventID string) error {
	defer observe(time.Now())

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx)

	if eventID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO processed_events (event_id, transaction_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING
		`, eventID, txn.ID, txn.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateEvent
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, amount_credits, type, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, txn.ID, txn.UserID, txn.AmountCredits, string(txn.Type), txn.Description, txn.Metadata, txn.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO balances (user_id, balance_credits, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance_credits = balances.balance_credits + EXCLUDED.balance_credits,
		    updated_at = EXCLUDED.updated_at
	`, txn.UserID, txn.AmountCredits, txn.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListTransactions returns the user's most recent transactions.
func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	defer observe(time.Now())
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, amount_credits, type, description, metadata, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var txn models.Transaction
		var txnType string
		if err := rows.Scan(
			&txn.ID,
			&txn.UserID,
			&txn.AmountCredits,
			&txnType,
			&txn.Description,
			&txn.Metadata,
			&txn.CreatedAt,
		); err != nil {
			return nil, err
		}
		txn.Type = models.TransactionType(txnType)
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// SumTransactions returns the sum of every transaction amount for the user.
func (s *PostgresStore) SumTransactions(ctx context.Context, userID string) (int64, error) {
	defer observe(time.Now())
	var sum int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_credits), 0)::BIGINT FROM transactions WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

// CreatePlatformKey stores a new key record.
func (s *PostgresStore) CreatePlatformKey(ctx context.Context, key *models.PlatformKey) error {
	defer observe(time.Now())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO platform_keys (id, user_id, name, key_hash, hint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.UserID, key.Name, key.KeyHash, key.Hint, key.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const platformKeyColumns = `id, user_id, name, key_hash, hint, created_at, last_used_at, revoked_at`

func scanPlatformKey(row pgx.Row) (*models.PlatformKey, error) {
	key := &models.PlatformKey{}
	err := row.Scan(
		&key.ID,
		&key.UserID,
		&key.Name,
		&key.KeyHash,
		&key.Hint,
		&key.CreatedAt,
		&key.LastUsedAt,
		&key.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetPlatformKeyByHash retrieves a key record by its hash.
func (s *PostgresStore) GetPlatformKeyByHash(ctx context.Context, keyHash string) (*models.PlatformKey, error) {
	defer observe(time.Now())
	key, err := scanPlatformKey(s.pool.QueryRow(ctx, `
		SELECT `+platformKeyColumns+` FROM platform_keys WHERE key_hash = $1
	`, keyHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

// ListPlatformKeys lists a user's keys, newest first.
func (s *PostgresStore) ListPlatformKeys(ctx context.Context, userID string) ([]models.PlatformKey, error) {
	defer observe(time.Now())
	rows, err := s.pool.Query(ctx, `
		SELECT `+platformKeyColumns+` FROM platform_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.PlatformKey
	for rows.Next() {
		key, err := scanPlatformKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// DeletePlatformKey deletes a key owned by userID.
func (s *PostgresStore) DeletePlatformKey(ctx context.Context, userID, id string) (bool, error) {
	defer observe(time.Now())
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM platform_keys WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RevokePlatformKey marks a key revoked without deleting it.
func (s *PostgresStore) RevokePlatformKey(ctx context.Context, id string, at time.Time) (bool, error) {
	defer observe(time.Now())
	tag, err := s.pool.Exec(ctx, `
		UPDATE platform_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL
	`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// TouchPlatformKey updates last_used_at.
func (s *PostgresStore) TouchPlatformKey(ctx context.Context, id string, at time.Time) error {
	defer observe(time.Now())
	_, err := s.pool.Exec(ctx, `
		UPDATE platform_keys SET last_used_at = $2 WHERE id = $1
	`, id, at)
	return err
}
