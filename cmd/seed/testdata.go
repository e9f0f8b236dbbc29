package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var staleOrderID = uuid.MustParse("00000000-0000-0000-0000-000000000405")

// seedTestData adds the awkward cases integration suites poke at: a cashout
// token that has already expired and a payout stuck in processing long
// enough for the reconciler to pick it up.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now().UTC()

	// One pending token per user, so clear whatever demo has first.
	if _, err := pool.Exec(ctx, `DELETE FROM cashout_tokens WHERE user_id = $1`, demoUserID); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO cashout_tokens (token, signature, user_id, amount, currency, withdrawal_address, network, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, "ct_seed_expired01", "seed", demoUserID, "20", "USDT",
		"TQmGcJ5mTcVcMT8jWjC1M5DH4BaLXsFQ6d", "tron", now.Add(-1*time.Hour))
	if err != nil {
		return err
	}

	hold := journalEntry{
		key:         "CASHOUT_HOLD:" + staleOrderID.String(),
		userID:      traderUserID,
		currency:    "USDT",
		kind:        "hold",
		amount:      "75",
		availDelta:  "-75",
		heldDelta:   "75",
		availAfter:  "24925",
		heldAfter:   "75",
		description: fmt.Sprintf("cashout order %s hold", staleOrderID),
		referenceID: staleOrderID,
	}
	if err := insertJournal(ctx, pool, hold); err != nil {
		return fmt.Errorf("journal %s: %w", hold.key, err)
	}
	if err := syncWallet(ctx, pool, traderUserID, "USDT"); err != nil {
		return fmt.Errorf("wallet %s/USDT: %w", traderUserID, err)
	}

	staleSince := now.Add(-10 * time.Minute)
	_, err = pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, kind, status, amount, source_currency, target_currency,
			payout_address, payout_network, provider_payout_id, hold_reference,
			failure_reason, retry_count, admin_note, created_at, updated_at)
		VALUES ($1, $2, 'cashout', 'processing', $3, 'USDT', '', $4, 'tron', '', $5, '', 0, '', $6, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
	`, staleOrderID, traderUserID, "75",
		"TQmGcJ5mTcVcMT8jWjC1M5DH4BaLXsFQ6d", "CASHOUT_HOLD:"+staleOrderID.String(), staleSince)
	if err != nil {
		return fmt.Errorf("stale order: %w", err)
	}
	return nil
}
