package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
)

type fakeStore struct {
	wallet    storage.Wallet
	walletErr error
	result    *storage.LedgerResult
	applyErr  error
	lastOp    *storage.LedgerOp
	txs       []storage.LedgerTransaction
	lastLimit int
}

func (f *fakeStore) GetWallet(ctx context.Context, userID uuid.UUID, currency string) (storage.Wallet, error) {
	return f.wallet, f.walletErr
}

func (f *fakeStore) Apply(ctx context.Context, op storage.LedgerOp) (*storage.LedgerResult, error) {
	f.lastOp = &op
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &storage.LedgerResult{Key: op.Key, Kind: op.Kind, Amount: op.Amount}, nil
}

func (f *fakeStore) ListTransactions(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]storage.LedgerTransaction, error) {
	f.lastLimit = limit
	return f.txs, nil
}

func newTestService(store *fakeStore) *Service {
	return New(store, slog.Default(), nil)
}

func TestApplyValidatesInput(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store)
	ctx := context.Background()
	amount := decimal.NewFromInt(10)

	if _, err := svc.Credit(ctx, uuid.Nil, "USDT", amount, "op-1", ""); err == nil {
		t.Fatal("expected error for nil user")
	}
	if _, err := svc.Credit(ctx, uuid.New(), "  ", amount, "op-1", ""); err == nil {
		t.Fatal("expected error for blank currency")
	}
	if _, err := svc.Credit(ctx, uuid.New(), "USDT", amount, "", ""); err == nil {
		t.Fatal("expected error for blank operation key")
	}
	if _, err := svc.Credit(ctx, uuid.New(), "USDT", decimal.Zero, "op-1", ""); !errors.Is(err, storage.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if store.lastOp != nil {
		t.Fatal("invalid input must not reach the store")
	}
}

func TestEachMethodMapsToItsKind(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store)
	ctx := context.Background()
	userID := uuid.New()
	amount := decimal.NewFromInt(5)

	calls := []struct {
		run  func() (*storage.LedgerResult, error)
		kind storage.OperationKind
	}{
		{func() (*storage.LedgerResult, error) { return svc.Credit(ctx, userID, "USDT", amount, "k1", "") }, storage.OpCredit},
		{func() (*storage.LedgerResult, error) { return svc.Debit(ctx, userID, "USDT", amount, "k2", "") }, storage.OpDebit},
		{func() (*storage.LedgerResult, error) { return svc.Hold(ctx, userID, "USDT", amount, "k3", "") }, storage.OpHold},
		{func() (*storage.LedgerResult, error) { return svc.ReleaseHold(ctx, userID, "USDT", amount, "k4", "") }, storage.OpReleaseHold},
		{func() (*storage.LedgerResult, error) { return svc.ConvertHoldToDebit(ctx, userID, "USDT", amount, "k5", "") }, storage.OpConvertHold},
		{func() (*storage.LedgerResult, error) { return svc.CreditTradingCredit(ctx, userID, "USDT", amount, "k6", "") }, storage.OpTradingCredit},
	}

	for _, call := range calls {
		if _, err := call.run(); err != nil {
			t.Fatalf("%s: %v", call.kind, err)
		}
		if store.lastOp.Kind != call.kind {
			t.Fatalf("expected kind %s, got %s", call.kind, store.lastOp.Kind)
		}
	}
}

func TestApplyPassesThroughReplay(t *testing.T) {
	store := &fakeStore{result: &storage.LedgerResult{
		Key:      "op-replay",
		Kind:     storage.OpCredit,
		Amount:   decimal.NewFromInt(10),
		Replayed: true,
	}}
	svc := newTestService(store)

	res, err := svc.Credit(context.Background(), uuid.New(), "USDT", decimal.NewFromInt(10), "op-replay", "")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !res.Replayed {
		t.Fatal("expected replayed result")
	}
}

func TestApplyPropagatesStoreErrors(t *testing.T) {
	store := &fakeStore{applyErr: storage.ErrInsufficientFunds}
	svc := newTestService(store)

	_, err := svc.Debit(context.Background(), uuid.New(), "USDT", decimal.NewFromInt(10), "op-debit", "")
	if !errors.Is(err, storage.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestBalanceViews(t *testing.T) {
	store := &fakeStore{wallet: storage.Wallet{
		UserID:           uuid.New(),
		Currency:         "USDT",
		AvailableBalance: decimal.RequireFromString("100"),
		HeldBalance:      decimal.RequireFromString("40"),
		TradingCredit:    decimal.RequireFromString("15"),
	}}
	svc := newTestService(store)
	ctx := context.Background()
	userID := store.wallet.UserID

	withdrawable, err := svc.WithdrawableBalance(ctx, userID, "USDT")
	if err != nil {
		t.Fatalf("withdrawable: %v", err)
	}
	if !withdrawable.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("withdrawable = %s", withdrawable)
	}

	spendable, err := svc.SpendableForEscrow(ctx, userID, "USDT")
	if err != nil {
		t.Fatalf("spendable: %v", err)
	}
	if !spendable.Equal(decimal.RequireFromString("115")) {
		t.Fatalf("spendable = %s", spendable)
	}

	wallet, err := svc.Balance(ctx, userID, "USDT")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !wallet.HeldBalance.Equal(decimal.RequireFromString("40")) {
		t.Fatalf("held = %s", wallet.HeldBalance)
	}
}

func TestHistoryPassesLimit(t *testing.T) {
	store := &fakeStore{txs: []storage.LedgerTransaction{{OperationKey: "op-1"}}}
	svc := newTestService(store)

	txs, err := svc.History(context.Background(), uuid.New(), "USDT", 25)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(txs) != 1 || txs[0].OperationKey != "op-1" {
		t.Fatalf("txs = %+v", txs)
	}
	if store.lastLimit != 25 {
		t.Fatalf("limit = %d", store.lastLimit)
	}
}
