// Package quota gates sandbox creation and start on the caller's session
// count and credit balance.
//
// The checks read current state and reserve nothing, so two concurrent
// creations by one user can both pass.
package quota

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/metrics"
	"github.com/eldtechnologies/leasehold/internal/models"
)

// DefaultSandboxQuota is the per-user session limit when none is configured.
const DefaultSandboxQuota = 3

// SessionCounter counts the sessions a user owns.
type SessionCounter interface {
	CountOwned(ctx context.Context, userID string) (int, error)
}

// BalanceReader reads a user's balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (*models.Balance, error)
}

// Guard enforces the quota and balance preconditions.
type Guard struct {
	sessions SessionCounter
	balances BalanceReader
	limit    int
	logger   zerolog.Logger
}

// NewGuard creates a guard. A non-positive limit uses DefaultSandboxQuota.
func NewGuard(sessions SessionCounter, balances BalanceReader, limit int, logger zerolog.Logger) *Guard {
	if limit <= 0 {
		limit = DefaultSandboxQuota
	}
	return &Guard{
		sessions: sessions,
		balances: balances,
		limit:    limit,
		logger:   logger.With().Str("component", "quota").Logger(),
	}
}

// CheckSandboxQuota fails with ErrQuotaExceeded when the user already owns
// the maximum number of sessions.
func (g *Guard) CheckSandboxQuota(ctx context.Context, userID string) error {
	n, err := g.sessions.CountOwned(ctx, userID)
	if err != nil {
		return err
	}
	if n >= g.limit {
		metrics.QuotaRejections.WithLabelValues("quota").Inc()
		g.logger.Info().Str("user_id", userID).Int("owned", n).Int("limit", g.limit).Msg("sandbox quota exceeded")
		return apierr.ErrQuotaExceeded
	}
	return nil
}

// CheckBalance fails with ErrInsufficientBalance unless the balance is
// strictly positive.
func (g *Guard) CheckBalance(ctx context.Context, userID string) error {
	bal, err := g.balances.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	if bal == nil || bal.BalanceCredits <= 0 {
		metrics.QuotaRejections.WithLabelValues("balance").Inc()
		g.logger.Info().Str("user_id", userID).Msg("insufficient balance")
		return apierr.ErrInsufficientBalance
	}
	return nil
}

// CheckCreate runs the quota check, then the balance check.
func (g *Guard) CheckCreate(ctx context.Context, userID string) error {
	if err := g.CheckSandboxQuota(ctx, userID); err != nil {
		return err
	}
	return g.CheckBalance(ctx, userID)
}
