package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestWalletBalanceViews(t *testing.T) {
	w := Wallet{
		AvailableBalance: decimal.RequireFromString("100.50"),
		HeldBalance:      decimal.RequireFromString("25"),
		TradingCredit:    decimal.RequireFromString("10"),
	}
	if got := w.WithdrawableBalance(); !got.Equal(decimal.RequireFromString("100.50")) {
		t.Errorf("WithdrawableBalance = %s, want 100.50", got)
	}
	if got := w.SpendableForEscrow(); !got.Equal(decimal.RequireFromString("110.50")) {
		t.Errorf("SpendableForEscrow = %s, want 110.50", got)
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[OrderStatus]bool{
		StatusAwaitingDeposit: false,
		StatusPaymentReceived: false,
		StatusProcessing:      false,
		StatusCompleted:       true,
		StatusFailed:          false,
		StatusRefunded:        true,
		StatusAdminPending:    false,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestValidateOp(t *testing.T) {
	valid := LedgerOp{
		Key:      "DEPOSIT:abc",
		UserID:   uuid.New(),
		Currency: "USD",
		Kind:     OpCredit,
		Amount:   decimal.NewFromInt(1),
	}
	if err := validateOp(valid); err != nil {
		t.Fatalf("valid op rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*LedgerOp)
	}{
		{"missing key", func(op *LedgerOp) { op.Key = "" }},
		{"missing user", func(op *LedgerOp) { op.UserID = uuid.Nil }},
		{"blank currency", func(op *LedgerOp) { op.Currency = "   " }},
		{"zero amount", func(op *LedgerOp) { op.Amount = decimal.Zero }},
		{"negative amount", func(op *LedgerOp) { op.Amount = decimal.NewFromInt(-5) }},
		{"unknown kind", func(op *LedgerOp) { op.Kind = OperationKind("transmute") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := valid
			tc.mutate(&op)
			if err := validateOp(op); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2026, 5, 1, 12, 30, 45, 123456789, time.UTC)

	gotTS, gotID, err := decodeCursor(encodeCursor(ts, id))
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}
	if !gotTS.Equal(ts) {
		t.Errorf("timestamp = %s, want %s", gotTS, ts)
	}
	if gotID != id {
		t.Errorf("id = %s, want %s", gotID, id)
	}
}

func TestDecodeCursorMalformed(t *testing.T) {
	bad := []string{
		"",
		"not base64 ***",
		"bm9wZQ",                          // no separator
		"eHh8eXk",                         // xx|yy: bad timestamp
		"MjAyNi0wMS0wMVQwMDowMDowMFp8eno", // valid timestamp, bad uuid
	}
	for _, cursor := range bad {
		if _, _, err := decodeCursor(cursor); err == nil {
			t.Errorf("decodeCursor(%q) accepted malformed input", cursor)
		}
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 50},
		{-3, 50},
		{1, 1},
		{200, 200},
		{500, 200},
	}
	for _, tc := range cases {
		if got := clampLimit(tc.in); got != tc.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestHoldKeyPerKind(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	if got := holdKeyFor(KindCashout, id); got != "CASHOUT_HOLD:"+id.String() {
		t.Errorf("cashout hold key = %q", got)
	}
	if got := holdKeyFor(KindEscrow, id); got != "ESCROW_HOLD:"+id.String() {
		t.Errorf("escrow hold key = %q", got)
	}
	if got := holdKeyFor(KindExchange, id); got != "EXCHANGE_HOLD:"+id.String() {
		t.Errorf("exchange hold key = %q", got)
	}
}
