package withdrawkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/logging"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/provider"
)

// ErrInconsistency is returned when the provider rejects a withdrawal for a
// key the same provider just resolved as verified. The order must go to an
// operator; retrying cannot fix a provider that disagrees with itself.
var ErrInconsistency = errors.New("withdrawal key inconsistency")

type WithdrawalCreator interface {
	CreateWithdrawal(ctx context.Context, req provider.WithdrawalRequest) (*provider.PayoutReceipt, error)
}

type Metrics interface {
	IncKeyInconsistency()
}

// Executor resolves the withdrawal key for a payout and sends it.
type Executor struct {
	resolver  *Resolver
	custodial WithdrawalCreator
	logger    *slog.Logger
	metrics   Metrics
}

func NewExecutor(resolver *Resolver, custodial WithdrawalCreator, logger *slog.Logger, metrics Metrics) *Executor {
	return &Executor{
		resolver:  resolver,
		custodial: custodial,
		logger:    logger,
		metrics:   metrics,
	}
}

// Payout describes one crypto withdrawal to execute.
type Payout struct {
	Reference string
	Currency  string
	Network   string
	Address   string
	Amount    decimal.Decimal
}

// Execute verifies the destination and creates the withdrawal. Resolve
// failures surface as-is so the order can fail with a remediation reason;
// an unknown-key rejection after a successful resolve is escalated as
// ErrInconsistency.
func (e *Executor) Execute(ctx context.Context, p Payout) (*provider.PayoutReceipt, error) {
	key, err := e.resolver.Resolve(ctx, p.Currency, p.Network, p.Address)
	if err != nil {
		return nil, err
	}

	receipt, err := e.custodial.CreateWithdrawal(ctx, provider.WithdrawalRequest{
		Reference: p.Reference,
		KeyID:     key.ID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Network:   p.Network,
	})
	if err != nil {
		if provider.IsUnknownWithdrawKey(err) {
			e.resolver.Invalidate(p.Currency, p.Network)
			if e.metrics != nil {
				e.metrics.IncKeyInconsistency()
			}
			logging.Critical(ctx, e.logger, "provider rejected a verified withdrawal key",
				"reference", p.Reference,
				"key_id", key.ID,
				"currency", p.Currency,
				"network", p.Network,
			)
			return nil, fmt.Errorf("%w: key %s rejected by provider: %w", ErrInconsistency, key.ID, err)
		}
		return nil, err
	}
	return receipt, nil
}
