// Package ledger records credit movements. Every transaction and its balance
// delta are written in one storage transaction, so a user's balance always
// equals the sum of their transactions.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/crypto"
	"github.com/eldtechnologies/leasehold/internal/metrics"
	"github.com/eldtechnologies/leasehold/internal/models"
	"github.com/eldtechnologies/leasehold/internal/store"
)

// ErrDuplicateEvent is returned by TopUpOnce when the event was already applied.
var ErrDuplicateEvent = store.ErrDuplicateEvent

const (
	msPerMinute = 60_000

	// MaxListLimit caps ListTransactions.
	MaxListLimit = 100
)

// Config holds the pricing inputs.
type Config struct {
	CreditsPerMinute int64
	TokenRates       RateTable
	Timeout          time.Duration
}

// Service is the ledger.
type Service struct {
	store            store.LedgerStore
	creditsPerMinute int64
	rates            RateTable
	timeout          time.Duration
	logger           zerolog.Logger
	now              func() time.Time
}

// NewService creates a ledger service.
func NewService(s store.LedgerStore, cfg Config, logger zerolog.Logger) *Service {
	rates := cfg.TokenRates
	if rates == nil {
		rates = DefaultRates()
	}
	return &Service{
		store:            s,
		creditsPerMinute: cfg.CreditsPerMinute,
		rates:            rates,
		timeout:          cfg.Timeout,
		logger:           logger.With().Str("component", "ledger").Logger(),
		now:              time.Now,
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// GetBalance returns the user's balance. A user who never transacted has a
// zero balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (*models.Balance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, apierr.Storage("get balance", err)
	}
	if bal == nil {
		return &models.Balance{UserID: userID, UpdatedAt: s.now().UTC()}, nil
	}
	return bal, nil
}

// AddTransaction records a signed credit movement and applies it to the
// balance atomically. The sign of amount is the caller's decision.
func (s *Service) AddTransaction(ctx context.Context, userID string, amount int64, typ models.TransactionType, description string, metadata map[string]any) (*models.Transaction, error) {
	return s.apply(ctx, "", userID, amount, typ, description, metadata)
}

func (s *Service) apply(ctx context.Context, eventID, userID string, amount int64, typ models.TransactionType, description string, metadata map[string]any) (*models.Transaction, error) {
	if userID == "" {
		return nil, apierr.InvalidInput("userId", "required")
	}
	if amount == 0 {
		return nil, apierr.InvalidInput("amountCredits", "must be non-zero")
	}
	if !typ.Valid() {
		return nil, apierr.InvalidInput("type", "unknown transaction type")
	}

	txn := &models.Transaction{
		ID:            crypto.NewUUIDv7().String(),
		UserID:        userID,
		AmountCredits: amount,
		Type:          typ,
		Metadata:      metadata,
		CreatedAt:     s.now().UTC(),
	}
	if description != "" {
		txn.Description = &description
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.store.ApplyTransaction(ctx, txn, eventID); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			return nil, ErrDuplicateEvent
		}
		return nil, apierr.Storage("apply transaction", err)
	}

	metrics.LedgerTransactions.WithLabelValues(string(typ)).Inc()
	if amount < 0 {
		metrics.CreditsCharged.Add(float64(-amount))
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("transaction_id", txn.ID).
		Str("type", string(typ)).
		Int64("amount_credits", amount).
		Msg("transaction applied")

	return txn, nil
}

// UsageCharge returns the credits owed for durationMs of sandbox time,
// rounded up to a whole credit.
func UsageCharge(durationMs, creditsPerMinute int64) int64 {
	if durationMs <= 0 || creditsPerMinute <= 0 {
		return 0
	}
	return ceilDiv(durationMs*creditsPerMinute, msPerMinute)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// ReportUsage debits the user for elapsed sandbox time. A zero charge writes
// nothing and returns a nil transaction.
func (s *Service) ReportUsage(ctx context.Context, userID, sessionID string, durationMs int64) (*models.Transaction, error) {
	if durationMs < 0 {
		return nil, apierr.InvalidInput("durationMs", "must not be negative")
	}
	charge := UsageCharge(durationMs, s.creditsPerMinute)
	if charge <= 0 {
		return nil, nil
	}
	return s.apply(ctx, "", userID, -charge, models.TransactionUsage, "Sandbox usage", map[string]any{
		"sessionId":  sessionID,
		"durationMs": durationMs,
	})
}

// ReportTokenUsage debits the user for model tokens consumed on behalf of a
// session. A zero charge writes nothing and returns a nil transaction.
func (s *Service) ReportTokenUsage(ctx context.Context, userID, sessionID, service string, inputTokens, outputTokens int64, model string) (*models.Transaction, error) {
	if inputTokens < 0 {
		return nil, apierr.InvalidInput("inputTokens", "must not be negative")
	}
	if outputTokens < 0 {
		return nil, apierr.InvalidInput("outputTokens", "must not be negative")
	}
	charge := s.rates.Charge(model, inputTokens, outputTokens)
	if charge <= 0 {
		return nil, nil
	}
	return s.apply(ctx, "", userID, -charge, models.TransactionUsage, "Token usage", map[string]any{
		"sessionId":    sessionID,
		"service":      service,
		"model":        model,
		"inputTokens":  inputTokens,
		"outputTokens": outputTokens,
	})
}

// TopUp credits the user.
func (s *Service) TopUp(ctx context.Context, userID string, amount int64, description string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apierr.InvalidInput("amountCredits", "must be positive")
	}
	return s.apply(ctx, "", userID, amount, models.TransactionTopUp, description, nil)
}

// TopUpOnce credits the user at most once per eventID. A repeated eventID
// returns ErrDuplicateEvent and changes nothing.
func (s *Service) TopUpOnce(ctx context.Context, eventID, userID string, amount int64, description string) (*models.Transaction, error) {
	if eventID == "" {
		return nil, apierr.InvalidInput("id", "required")
	}
	if amount <= 0 {
		return nil, apierr.InvalidInput("amountCredits", "must be positive")
	}
	return s.apply(ctx, eventID, userID, amount, models.TransactionTopUp, description, map[string]any{
		"eventId": eventID,
	})
}

// ListTransactions returns up to limit of the user's newest transactions.
func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	txns, err := s.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, apierr.Storage("list transactions", err)
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	return txns, nil
}

// Reconciliation compares the stored balance with the transaction log.
type Reconciliation struct {
	UserID         string `json:"user_id"`
	BalanceCredits int64  `json:"balance_credits"`
	LedgerCredits  int64  `json:"ledger_credits"`
	Consistent     bool   `json:"consistent"`
}

// Reconcile reads the balance and the transaction sum for userID.
func (s *Service) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	bal, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sum, err := s.store.SumTransactions(ctx, userID)
	if err != nil {
		return nil, apierr.Storage("sum transactions", err)
	}

	rec := &Reconciliation{
		UserID:         userID,
		BalanceCredits: bal.BalanceCredits,
		LedgerCredits:  sum,
		Consistent:     bal.BalanceCredits == sum,
	}
	if !rec.Consistent {
		s.logger.Error().
			Str("user_id", userID).
			Int64("balance_credits", bal.BalanceCredits).
			Int64("ledger_credits", sum).
			Msg("balance does not match transaction log")
	}
	return rec, nil
}
