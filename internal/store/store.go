package store

import (
	"context"
	"errors"
	"time"

	"github.com/eldtechnologies/leasehold/internal/models"
)

var (
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("duplicate record")
	// ErrDuplicateEvent is returned by ApplyTransaction when the
	// idempotency key was already consumed. Nothing is written.
	ErrDuplicateEvent = errors.New("event already processed")
)

// OwnershipStore persists the user to session mapping.
type OwnershipStore interface {
	InsertOwnership(ctx context.Context, rec models.OwnershipRecord) error
	DeleteOwnership(ctx context.Context, userID, sessionID string) error
	OwnershipExists(ctx context.Context, userID, sessionID string) (bool, error)
	ListOwnership(ctx context.Context, userID string) ([]models.OwnershipRecord, error)
	CountOwnership(ctx context.Context, userID string) (int, error)
}

// LedgerStore persists transactions and the derived balances.
type LedgerStore interface {
	// GetBalance returns nil when the user has never transacted.
	GetBalance(ctx context.Context, userID string) (*models.Balance, error)
	// ApplyTransaction inserts txn and adds its amount to the user's
	// balance in one database transaction. A non-empty eventID is
	// recorded in the same transaction for exactly-once processing.
	ApplyTransaction(ctx context.Context, txn *models.Transaction, eventID string) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
	SumTransactions(ctx context.Context, userID string) (int64, error)
}

// KeyStore persists platform key records.
type KeyStore interface {
	CreatePlatformKey(ctx context.Context, key *models.PlatformKey) error
	// GetPlatformKeyByHash returns nil when no key has the hash.
	GetPlatformKeyByHash(ctx context.Context, keyHash string) (*models.PlatformKey, error)
	ListPlatformKeys(ctx context.Context, userID string) ([]models.PlatformKey, error)
	DeletePlatformKey(ctx context.Context, userID, id string) (bool, error)
	RevokePlatformKey(ctx context.Context, id string, at time.Time) (bool, error)
	TouchPlatformKey(ctx context.Context, id string, at time.Time) error
}

// DataStore defines the interface for durable storage.
// Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	OwnershipStore
	LedgerStore
	KeyStore
}
