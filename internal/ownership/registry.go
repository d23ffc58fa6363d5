// Package ownership maps users to the sandbox sessions they own. A session
// has at most one owner; the mapping is the only authority on who may act on
// a session.
package ownership

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/models"
	"github.com/eldtechnologies/leasehold/internal/store"
)

// ErrAlreadyRegistered is returned when a session already has an owner.
var ErrAlreadyRegistered = errors.New("session already registered")

// Registry records and answers session ownership.
type Registry struct {
	store   store.OwnershipStore
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRegistry creates a registry. Every store call is bounded by timeout.
func NewRegistry(s store.OwnershipStore, timeout time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		store:   s,
		timeout: timeout,
		logger:  logger.With().Str("component", "ownership").Logger(),
		now:     time.Now,
	}
}

func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Register records userID as the owner of sessionID.
func (r *Registry) Register(ctx context.Context, userID, sessionID string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	err := r.store.InsertOwnership(ctx, models.OwnershipRecord{
		UserID:    userID,
		SessionID: sessionID,
		CreatedAt: r.now().UTC(),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return ErrAlreadyRegistered
	}
	if err != nil {
		return apierr.Storage("register ownership", err)
	}

	r.logger.Debug().Str("user_id", userID).Str("session_id", sessionID).Msg("session registered")
	return nil
}

// Unregister removes the record if userID owns sessionID. Removing a record
// that does not exist is not an error.
func (r *Registry) Unregister(ctx context.Context, userID, sessionID string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.store.DeleteOwnership(ctx, userID, sessionID); err != nil {
		return apierr.Storage("unregister ownership", err)
	}
	return nil
}

// CheckOwnership reports whether userID owns sessionID.
func (r *Registry) CheckOwnership(ctx context.Context, userID, sessionID string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ok, err := r.store.OwnershipExists(ctx, userID, sessionID)
	if err != nil {
		return false, apierr.Storage("check ownership", err)
	}
	return ok, nil
}

// ListOwned returns the session IDs owned by userID, newest first.
func (r *Registry) ListOwned(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	records, err := r.store.ListOwnership(ctx, userID)
	if err != nil {
		return nil, apierr.Storage("list owned sessions", err)
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.SessionID)
	}
	return ids, nil
}

// CountOwned returns how many sessions userID owns.
func (r *Registry) CountOwned(ctx context.Context, userID string) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.store.CountOwnership(ctx, userID)
	if err != nil {
		return 0, apierr.Storage("count owned sessions", err)
	}
	return n, nil
}
