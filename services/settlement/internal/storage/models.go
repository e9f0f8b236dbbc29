package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is the per-(user, currency) balance row. Balances are mutated only
// through the ledger operation paths in this package; all three stay >= 0.
type Wallet struct {
	UserID           uuid.UUID
	Currency         string
	AvailableBalance decimal.Decimal
	HeldBalance      decimal.Decimal
	TradingCredit    decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WithdrawableBalance excludes held funds and trading credit.
func (w Wallet) WithdrawableBalance() decimal.Decimal {
	return w.AvailableBalance
}

// SpendableForEscrow is what escrow funding checks look at.
func (w Wallet) SpendableForEscrow() decimal.Decimal {
	return w.AvailableBalance.Add(w.TradingCredit)
}

type OperationKind string

const (
	OpCredit        OperationKind = "credit"
	OpDebit         OperationKind = "debit"
	OpHold          OperationKind = "hold"
	OpReleaseHold   OperationKind = "release_hold"
	OpConvertHold   OperationKind = "convert_hold"
	OpTradingCredit OperationKind = "trading_credit"
)

// LedgerOp describes one requested balance mutation. ReferenceID ties the
// audit row to the order that caused it, when there is one.
type LedgerOp struct {
	Key         string
	UserID      uuid.UUID
	Currency    string
	Kind        OperationKind
	Amount      decimal.Decimal
	Description string
	ReferenceID uuid.UUID
}

// LedgerResult is what an applied (or replayed) operation returns. Replayed
// results carry the balances recorded when the key first applied.
type LedgerResult struct {
	Key           string
	Kind          OperationKind
	Amount        decimal.Decimal
	Available     decimal.Decimal
	Held          decimal.Decimal
	TradingCredit decimal.Decimal
	Replayed      bool
	AppliedAt     time.Time
}

// LedgerTransaction is one append-only audit row per applied mutation.
type LedgerTransaction struct {
	ID             int64
	OperationKey   string
	UserID         uuid.UUID
	Currency       string
	Kind           OperationKind
	Amount         decimal.Decimal
	AvailableDelta decimal.Decimal
	HeldDelta      decimal.Decimal
	CreditDelta    decimal.Decimal
	Description    string
	ReferenceID    uuid.UUID
	CreatedAt      time.Time
}

type OrderStatus string

const (
	StatusAwaitingDeposit OrderStatus = "awaiting_deposit"
	StatusPaymentReceived OrderStatus = "payment_received"
	StatusProcessing      OrderStatus = "processing"
	StatusCompleted       OrderStatus = "completed"
	StatusFailed          OrderStatus = "failed"
	StatusRefunded        OrderStatus = "refunded"
	StatusAdminPending    OrderStatus = "admin_pending"
)

// Terminal reports whether no automatic transition may leave the status.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

type OrderKind string

const (
	KindExchange OrderKind = "exchange"
	KindEscrow   OrderKind = "escrow"
	KindCashout  OrderKind = "cashout"
)

// Order is the unit of settlement for escrow, exchange and cashout flows.
type Order struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Kind              OrderKind
	Status            OrderStatus
	Amount            decimal.Decimal
	SourceCurrency    string
	TargetCurrency    string
	PayoutAddress     string
	PayoutNetwork     string
	ProviderReference string
	ProviderPayoutID  string
	HoldReference     string
	FailureReason     string
	RetryCount        int
	NextRetryAt       *time.Time
	AdminNote         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PendingCashoutToken is the persisted half of a confirmation token. The
// signature is always derived from these stored values, never from caller
// input, so issue and validate can't disagree on formatting.
type PendingCashoutToken struct {
	Token             string
	Signature         string
	UserID            uuid.UUID
	Amount            decimal.Decimal
	Currency          string
	WithdrawalAddress string
	Network           string
	ExpiresAt         time.Time
	CreatedAt         time.Time
}
