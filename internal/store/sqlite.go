package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/leasehold/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

var _ DataStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/leasehold.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/leasehold.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// A single writer serializes transactions the way SQLite expects.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_owners (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		balance_credits INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount_credits INTEGER NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('top-up', 'usage', 'refund')),
		description TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS platform_keys (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		key_hash TEXT UNIQUE NOT NULL,
		hint TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		last_used_at DATETIME,
		revoked_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_session_owners_user ON session_owners(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_platform_keys_user ON platform_keys(user_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// InsertOwnership records that a user owns a session.
func (s *SQLiteStore) InsertOwnership(ctx context.Context, rec models.OwnershipRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_owners (session_id, user_id, created_at) VALUES (?, ?, ?)
	`, rec.SessionID, rec.UserID, rec.CreatedAt.UTC())
	if isSQLiteConstraint(err) {
		return ErrDuplicate
	}
	return err
}

// DeleteOwnership removes the record if present.
func (s *SQLiteStore) DeleteOwnership(ctx context.Context, userID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_owners WHERE user_id = ? AND session_id = ?
	`, userID, sessionID)
	return err
}

// OwnershipExists reports whether userID owns sessionID.
func (s *SQLiteStore) OwnershipExists(ctx context.Context, userID, sessionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM session_owners WHERE user_id = ? AND session_id = ?)
	`, userID, sessionID).Scan(&exists)
	return exists, err
}

// ListOwnership returns the user's sessions, newest first.
func (s *SQLiteStore) ListOwnership(ctx context.Context, userID string) ([]models.OwnershipRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, session_id, created_at
		FROM session_owners
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
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
func (s *SQLiteStore) CountOwnership(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_owners WHERE user_id = ?
	`, userID).Scan(&count)
	return count, err
}

// GetBalance retrieves the user's balance row.
func (s *SQLiteStore) GetBalance(ctx context.Context, userID string) (*models.Balance, error) {
	balance := &models.Balance{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance_credits, updated_at FROM balances WHERE user_id = ?
	`, userID).Scan(&balance.UserID, &balance.BalanceCredits, &balance.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return balance, nil
}

// ApplyTransaction writes the transaction row and merges its amount into the
// balance. Both statements commit together or not at all.
func (s *SQLiteStore) ApplyTransaction(ctx context.Context, txn *models.Transaction, eventID string) error {
	var metadata []byte
	if txn.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(txn.Metadata); err != nil {
			return err
		}
	}
	createdAt := txn.CreatedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if eventID != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO processed_events (event_id, transaction_id, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (event_id) DO NOTHING
		`, eventID, txn.ID, createdAt)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrDuplicateEvent
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, amount_credits, type, description, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, txn.ID, txn.UserID, txn.AmountCredits, string(txn.Type), txn.Description, nullableText(metadata), createdAt)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance_credits, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE
		SET balance_credits = balances.balance_credits + excluded.balance_credits,
		    updated_at = excluded.updated_at
	`, txn.UserID, txn.AmountCredits, createdAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// ListTransactions returns the user's most recent transactions.
func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount_credits, type, description, metadata, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var txn models.Transaction
		var txnType string
		var description, metadata sql.NullString
		if err := rows.Scan(
			&txn.ID,
			&txn.UserID,
			&txn.AmountCredits,
			&txnType,
			&description,
			&metadata,
			&txn.CreatedAt,
		); err != nil {
			return nil, err
		}
		txn.Type = models.TransactionType(txnType)
		if description.Valid {
			txn.Description = &description.String
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &txn.Metadata); err != nil {
				return nil, err
			}
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// SumTransactions returns the sum of every transaction amount for the user.
func (s *SQLiteStore) SumTransactions(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_credits), 0) FROM transactions WHERE user_id = ?
	`, userID).Scan(&sum)
	return sum, err
}

// CreatePlatformKey stores a new key record.
func (s *SQLiteStore) CreatePlatformKey(ctx context.Context, key *models.PlatformKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_keys (id, user_id, name, key_hash, hint, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, key.ID, key.UserID, key.Name, key.KeyHash, key.Hint, key.CreatedAt.UTC())
	if isSQLiteConstraint(err) {
		return ErrDuplicate
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePlatformKey(row rowScanner) (*models.PlatformKey, error) {
	key := &models.PlatformKey{}
	var lastUsed, revoked sql.NullTime
	if err := row.Scan(
		&key.ID,
		&key.UserID,
		&key.Name,
		&key.KeyHash,
		&key.Hint,
		&key.CreatedAt,
		&lastUsed,
		&revoked,
	); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.Time
	}
	if revoked.Valid {
		key.RevokedAt = &revoked.Time
	}
	return key, nil
}

// GetPlatformKeyByHash retrieves a key record by its hash.
func (s *SQLiteStore) GetPlatformKeyByHash(ctx context.Context, keyHash string) (*models.PlatformKey, error) {
	key, err := scanSQLitePlatformKey(s.db.QueryRowContext(ctx, `
		SELECT `+platformKeyColumns+` FROM platform_keys WHERE key_hash = ?
	`, keyHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

// ListPlatformKeys lists a user's keys, newest first.
func (s *SQLiteStore) ListPlatformKeys(ctx context.Context, userID string) ([]models.PlatformKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+platformKeyColumns+` FROM platform_keys
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.PlatformKey
	for rows.Next() {
		key, err := scanSQLitePlatformKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// DeletePlatformKey deletes a key owned by userID.
func (s *SQLiteStore) DeletePlatformKey(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM platform_keys WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RevokePlatformKey marks a key revoked without deleting it.
func (s *SQLiteStore) RevokePlatformKey(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE platform_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`, at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchPlatformKey updates last_used_at.
func (s *SQLiteStore) TouchPlatformKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE platform_keys SET last_used_at = ? WHERE id = ?
	`, at.UTC(), id)
	return err
}

// Exec runs a raw statement. Tests use it to install failure triggers.
func (s *SQLiteStore) Exec(ctx context.Context, query string) error {
	_, err := s.db.ExecContext(ctx, query)
	return err
}
