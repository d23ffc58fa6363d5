package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/models"
	"github.com/eldtechnologies/leasehold/internal/store"
)

func newTestLedger(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	svc := NewService(s, Config{CreditsPerMinute: 1}, zerolog.Nop())
	return svc, s
}

func assertConserved(t *testing.T, svc *Service, userID string) *Reconciliation {
	t.Helper()
	rec, err := svc.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Consistent {
		t.Fatalf("balance %d != ledger sum %d", rec.BalanceCredits, rec.LedgerCredits)
	}
	return rec
}

func TestUsageCharge(t *testing.T) {
	tests := []struct {
		name       string
		durationMs int64
		perMinute  int64
		want       int64
	}{
		{"zero duration", 0, 1, 0},
		{"negative duration", -5, 1, 0},
		{"one ms rounds up", 1, 1, 1},
		{"exact minute", 60000, 1, 1},
		{"just over a minute", 61000, 1, 2},
		{"higher rate", 90000, 4, 6},
		{"zero rate", 60000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UsageCharge(tt.durationMs, tt.perMinute); got != tt.want {
				t.Errorf("UsageCharge(%d, %d) = %d, want %d", tt.durationMs, tt.perMinute, got, tt.want)
			}
		})
	}
}

func TestReportUsageDebitsCeil(t *testing.T) {
	// Requirement: 61000ms at 1 credit per minute debits exactly 2 credits.
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := svc.TopUp(ctx, "u1", 1000, "seed"); err != nil {
		t.Fatal(err)
	}
	txn, err := svc.ReportUsage(ctx, "u1", "s1", 61000)
	if err != nil {
		t.Fatal(err)
	}
	if txn == nil || txn.AmountCredits != -2 || txn.Type != models.TransactionUsage {
		t.Fatalf("usage txn = %+v", txn)
	}
	if txn.Metadata["sessionId"] != "s1" {
		t.Errorf("metadata = %v", txn.Metadata)
	}

	bal, _ := svc.GetBalance(ctx, "u1")
	if bal.BalanceCredits != 998 {
		t.Fatalf("balance = %d, want 998", bal.BalanceCredits)
	}
	assertConserved(t, svc, "u1")
}

func TestReportUsageZeroIsNoop(t *testing.T) {
	// Requirement: a zero charge never writes a zero-amount transaction.
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	txn, err := svc.ReportUsage(ctx, "u1", "s1", 0)
	if err != nil || txn != nil {
		t.Fatalf("ReportUsage(0) = %+v, %v", txn, err)
	}
	txn, err = svc.ReportTokenUsage(ctx, "u1", "s1", "chat", 0, 0, "default")
	if err != nil || txn != nil {
		t.Fatalf("ReportTokenUsage(0,0) = %+v, %v", txn, err)
	}

	txns, _ := svc.ListTransactions(ctx, "u1", 10)
	if len(txns) != 0 {
		t.Fatalf("got %d transactions, want none", len(txns))
	}
	if _, err := svc.ReportUsage(ctx, "u1", "s1", -1); !errors.Is(err, apierr.ErrInvalidInput) {
		t.Fatalf("negative duration err = %v", err)
	}
}

func TestReportTokenUsage(t *testing.T) {
	svc, _ := newTestLedger(t)
	svc.rates = RateTable{
		DefaultModel: {InputPer1K: 1, OutputPer1K: 3},
		"large":      {InputPer1K: 10, OutputPer1K: 30},
	}
	ctx := context.Background()

	// 1500*10 + 200*30 = 21000 -> 21 credits
	txn, err := svc.ReportTokenUsage(ctx, "u1", "s1", "chat", 1500, 200, "large")
	if err != nil {
		t.Fatal(err)
	}
	if txn.AmountCredits != -21 {
		t.Errorf("large charge = %d, want -21", txn.AmountCredits)
	}

	// Unknown model uses the default row: 10*1 + 10*3 = 40 -> 1 credit
	txn, err = svc.ReportTokenUsage(ctx, "u1", "s1", "chat", 10, 10, "mystery")
	if err != nil {
		t.Fatal(err)
	}
	if txn.AmountCredits != -1 {
		t.Errorf("default charge = %d, want -1", txn.AmountCredits)
	}
	if txn.Metadata["model"] != "mystery" || txn.Metadata["service"] != "chat" {
		t.Errorf("metadata = %v", txn.Metadata)
	}
	assertConserved(t, svc, "u1")
}

func TestTopUpValidation(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	for _, amount := range []int64{0, -5} {
		_, err := svc.TopUp(ctx, "u1", amount, "")
		var inputErr *apierr.InputError
		if !errors.As(err, &inputErr) || inputErr.Field != "amountCredits" {
			t.Errorf("TopUp(%d) err = %v", amount, err)
		}
	}
	if _, err := svc.AddTransaction(ctx, "u1", 0, models.TransactionRefund, "", nil); !errors.Is(err, apierr.ErrInvalidInput) {
		t.Errorf("zero AddTransaction err = %v", err)
	}
	if _, err := svc.AddTransaction(ctx, "u1", 5, "gift", "", nil); !errors.Is(err, apierr.ErrInvalidInput) {
		t.Errorf("unknown type err = %v", err)
	}
}

func TestTopUpOnce(t *testing.T) {
	// Requirement: a webhook top-up of 5000 on a balance of 1000 yields 6000
	// and exactly one new top-up transaction, however often it is delivered.
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := svc.AddTransaction(ctx, "u1", 1000, models.TransactionRefund, "opening", nil); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.TopUpOnce(ctx, "evt_123", "u1", 5000, "Payment"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.TopUpOnce(ctx, "evt_123", "u1", 5000, "Payment"); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("redelivery err = %v, want ErrDuplicateEvent", err)
	}

	bal, _ := svc.GetBalance(ctx, "u1")
	if bal.BalanceCredits != 6000 {
		t.Fatalf("balance = %d, want 6000", bal.BalanceCredits)
	}

	txns, err := svc.ListTransactions(ctx, "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	topUps := 0
	for _, txn := range txns {
		if txn.Type == models.TransactionTopUp {
			topUps++
		}
	}
	if topUps != 1 {
		t.Fatalf("got %d top-up transactions, want 1", topUps)
	}
	assertConserved(t, svc, "u1")
}

func TestLedgerConservationConcurrent(t *testing.T) {
	// Requirement: balance equals the transaction sum under concurrent writers.
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			if _, err := svc.TopUp(ctx, "u1", 50, ""); err != nil {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := svc.ReportUsage(ctx, "u1", "s1", 61000); err != nil {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := svc.AddTransaction(ctx, "u1", -3, models.TransactionUsage, "", nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	rec := assertConserved(t, svc, "u1")
	// 20 * (50 - 2 - 3)
	if rec.BalanceCredits != 900 {
		t.Fatalf("balance = %d, want 900", rec.BalanceCredits)
	}
}

func TestLedgerAtomicityOnFailure(t *testing.T) {
	// Requirement: a failed write leaves neither the transaction nor the
	// balance delta behind.
	svc, s := newTestLedger(t)
	ctx := context.Background()

	if _, err := svc.TopUp(ctx, "u1", 100, ""); err != nil {
		t.Fatal(err)
	}

	if err := s.Exec(ctx, `
		CREATE TRIGGER fail_balance_update BEFORE UPDATE ON balances
		BEGIN SELECT RAISE(ABORT, 'injected failure'); END;
	`); err != nil {
		t.Fatal(err)
	}

	_, err := svc.AddTransaction(ctx, "u1", -40, models.TransactionUsage, "", nil)
	if !errors.Is(err, apierr.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}

	if err := s.Exec(ctx, `DROP TRIGGER fail_balance_update`); err != nil {
		t.Fatal(err)
	}

	bal, _ := svc.GetBalance(ctx, "u1")
	if bal.BalanceCredits != 100 {
		t.Fatalf("balance = %d, want 100", bal.BalanceCredits)
	}
	txns, _ := svc.ListTransactions(ctx, "u1", 10)
	if len(txns) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txns))
	}
	assertConserved(t, svc, "u1")
}

func TestGetBalanceDefaultsToZero(t *testing.T) {
	svc, _ := newTestLedger(t)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	bal, err := svc.GetBalance(context.Background(), "new-user")
	if err != nil {
		t.Fatal(err)
	}
	if bal.UserID != "new-user" || bal.BalanceCredits != 0 {
		t.Fatalf("balance = %+v", bal)
	}
	if !bal.UpdatedAt.Equal(fixed) {
		t.Errorf("updated_at = %v, want %v", bal.UpdatedAt, fixed)
	}
}

func TestParseRates(t *testing.T) {
	table, err := ParseRates("large=10:30, small = 1:1")
	if err != nil {
		t.Fatal(err)
	}
	if table.Rate("large").OutputPer1K != 30 {
		t.Errorf("large = %+v", table.Rate("large"))
	}
	if table.Rate("small").InputPer1K != 1 {
		t.Errorf("small = %+v", table.Rate("small"))
	}
	if _, ok := table[DefaultModel]; !ok {
		t.Error("default row missing")
	}

	for _, bad := range []string{"nope", "m=1", "m=x:1", "m=1:-2"} {
		if _, err := ParseRates(bad); err == nil {
			t.Errorf("ParseRates(%q) should fail", bad)
		}
	}
}
