package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/auth"
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	opsUserID    = uuid.MustParse("00000000-0000-0000-0000-000000000009")

	exchangeOrderID  = uuid.MustParse("00000000-0000-0000-0000-000000000401")
	escrowOrderID    = uuid.MustParse("00000000-0000-0000-0000-000000000402")
	failedOrderID    = uuid.MustParse("00000000-0000-0000-0000-000000000403")
	completedOrderID = uuid.MustParse("00000000-0000-0000-0000-000000000404")
)

func main() {
	env := getEnv("LOCKBAY_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: LOCKBAY_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "lockbay_core")
	user := getEnv("POSTGRES_USER", "lockbay")
	password := getEnv("POSTGRES_PASSWORD", "lockbay")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedLedger(ctx, pool); err != nil {
		log.Fatalf("seed ledger: %v", err)
	}
	fmt.Println("✓ Wallets and ledger seeded")

	if err := seedOrders(ctx, pool); err != nil {
		log.Fatalf("seed orders: %v", err)
	}
	fmt.Println("✓ Demo orders seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo users:")
	fmt.Printf("  demo:   %s\n", demoUserID)
	fmt.Printf("  trader: %s\n", traderUserID)
	fmt.Printf("  ops:    %s (role: %s)\n", opsUserID, auth.RoleOps)

	if env == "dev" {
		if secret := os.Getenv("LOCKBAY_JWT_SECRET"); secret != "" {
			fmt.Println("\nBearer tokens (DEV ONLY, valid 24h):")
			printToken("demo", demoUserID, nil, secret)
			printToken("trader", traderUserID, nil, secret)
			printToken("ops", opsUserID, []string{auth.RoleOps}, secret)
		} else {
			fmt.Println("\nSet LOCKBAY_JWT_SECRET to also print dev bearer tokens.")
		}
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func printToken(name string, userID uuid.UUID, roles []string, secret string) {
	now := time.Now()
	claims := auth.Claims{
		Roles:  roles,
		Scopes: []string{"read"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "lockbay-auth",
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		log.Fatalf("sign %s token: %v", name, err)
	}
	fmt.Printf("  %s: %s\n", name, signed)
}

// journalEntry mirrors one row of the ledger journal plus its audit
// transaction. Keys are fixed so reruns replay instead of double-booking,
// the same guarantee the settlement service relies on.
type journalEntry struct {
	key         string
	userID      uuid.UUID
	currency    string
	kind        string
	amount      string
	availDelta  string
	heldDelta   string
	availAfter  string
	heldAfter   string
	description string
	referenceID uuid.UUID
}

func seedLedger(ctx context.Context, pool *pgxpool.Pool) error {
	entries := []journalEntry{
		{key: "SEED:DEMO:USD", userID: demoUserID, currency: "USD", kind: "credit", amount: "100000",
			availDelta: "100000", heldDelta: "0", availAfter: "100000", heldAfter: "0", description: "seed opening balance"},
		{key: "SEED:DEMO:USDT", userID: demoUserID, currency: "USDT", kind: "credit", amount: "50000",
			availDelta: "50000", heldDelta: "0", availAfter: "50000", heldAfter: "0", description: "seed opening balance"},
		{key: "SEED:DEMO:BTC", userID: demoUserID, currency: "BTC", kind: "credit", amount: "10",
			availDelta: "10", heldDelta: "0", availAfter: "10", heldAfter: "0", description: "seed opening balance"},
		{key: "ESCROW_HOLD:" + escrowOrderID.String(), userID: demoUserID, currency: "USD", kind: "hold", amount: "500",
			availDelta: "-500", heldDelta: "500", availAfter: "99500", heldAfter: "500",
			description: fmt.Sprintf("escrow order %s hold", escrowOrderID), referenceID: escrowOrderID},

		{key: "SEED:TRADER:USD", userID: traderUserID, currency: "USD", kind: "credit", amount: "50000",
			availDelta: "50000", heldDelta: "0", availAfter: "50000", heldAfter: "0", description: "seed opening balance"},
		{key: "SEED:TRADER:USDT", userID: traderUserID, currency: "USDT", kind: "credit", amount: "25000",
			availDelta: "25000", heldDelta: "0", availAfter: "25000", heldAfter: "0", description: "seed opening balance"},
		{key: "SEED:TRADER:BTC", userID: traderUserID, currency: "BTC", kind: "credit", amount: "5",
			availDelta: "5", heldDelta: "0", availAfter: "5", heldAfter: "0", description: "seed opening balance"},
		{key: "CASHOUT_HOLD:" + failedOrderID.String(), userID: traderUserID, currency: "USDT", kind: "hold", amount: "150",
			availDelta: "-150", heldDelta: "150", availAfter: "24850", heldAfter: "150",
			description: fmt.Sprintf("cashout order %s hold", failedOrderID), referenceID: failedOrderID},
		{key: "RELEASE:" + failedOrderID.String() + ":0", userID: traderUserID, currency: "USDT", kind: "release_hold", amount: "150",
			availDelta: "150", heldDelta: "-150", availAfter: "25000", heldAfter: "0",
			description: "release hold on failed payout", referenceID: failedOrderID},
		{key: "SETTLE_CREDIT:" + completedOrderID.String(), userID: traderUserID, currency: "BTC", kind: "credit", amount: "0.05",
			availDelta: "0.05", heldDelta: "0", availAfter: "5.05", heldAfter: "0",
			description: fmt.Sprintf("exchange order %s proceeds", completedOrderID), referenceID: completedOrderID},
	}

	for _, e := range entries {
		if err := insertJournal(ctx, pool, e); err != nil {
			return fmt.Errorf("journal %s: %w", e.key, err)
		}
	}

	wallets := []struct {
		userID   uuid.UUID
		currency string
	}{
		{demoUserID, "USD"}, {demoUserID, "USDT"}, {demoUserID, "BTC"},
		{traderUserID, "USD"}, {traderUserID, "USDT"}, {traderUserID, "BTC"},
	}
	for _, w := range wallets {
		if err := syncWallet(ctx, pool, w.userID, w.currency); err != nil {
			return fmt.Errorf("wallet %s/%s: %w", w.userID, w.currency, err)
		}
	}
	return nil
}

// insertJournal writes the journal row and, only when the key is new, the
// matching audit transaction. Rerunning the seed leaves both untouched.
func insertJournal(ctx context.Context, pool *pgxpool.Pool, e journalEntry) error {
	tag, err := pool.Exec(ctx, `
		INSERT INTO ledger_operations (operation_key, user_id, currency, kind, amount, balance_after, held_after, credit_after, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		ON CONFLICT (operation_key) DO NOTHING
	`, e.key, e.userID, e.currency, e.kind, e.amount, e.availAfter, e.heldAfter, e.description)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	var ref any
	if e.referenceID != uuid.Nil {
		ref = e.referenceID
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO ledger_transactions (operation_key, user_id, currency, kind, amount, available_delta, held_delta, credit_delta, description, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
	`, e.key, e.userID, e.currency, e.kind, e.amount, e.availDelta, e.heldDelta, e.description, ref)
	return err
}

// syncWallet recomputes a wallet row from its audit trail so the seeded
// balances always agree with the journal, however often the seed reruns.
func syncWallet(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, currency string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, available_balance, held_balance, trading_credit, created_at, updated_at)
		SELECT $1, $2,
			COALESCE(SUM(available_delta), 0),
			COALESCE(SUM(held_delta), 0),
			COALESCE(SUM(credit_delta), 0),
			now(), now()
		FROM ledger_transactions WHERE user_id = $1 AND currency = $2
		ON CONFLICT (user_id, currency) DO UPDATE
		SET available_balance = EXCLUDED.available_balance,
		    held_balance = EXCLUDED.held_balance,
		    trading_credit = EXCLUDED.trading_credit,
		    updated_at = EXCLUDED.updated_at
	`, userID, currency)
	return err
}

func seedOrders(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now().UTC()
	retryAt := now.Add(2 * time.Minute)

	orders := []struct {
		id            uuid.UUID
		userID        uuid.UUID
		kind          string
		status        string
		amount        string
		sourceCcy     string
		targetCcy     string
		payoutAddr    string
		payoutNetwork string
		providerRef   any
		payoutID      string
		holdRef       any
		failureReason string
		retryCount    int
		nextRetryAt   any
		adminNote     string
	}{
		{
			id: exchangeOrderID, userID: demoUserID, kind: "exchange", status: "awaiting_deposit",
			amount: "2500", sourceCcy: "USD", targetCcy: "BTC",
		},
		{
			id: escrowOrderID, userID: demoUserID, kind: "escrow", status: "admin_pending",
			amount: "500", sourceCcy: "USD",
			holdRef:   "ESCROW_HOLD:" + escrowOrderID.String(),
			adminNote: "seller unresponsive, awaiting review",
		},
		{
			id: failedOrderID, userID: traderUserID, kind: "cashout", status: "failed",
			amount: "150", sourceCcy: "USDT",
			payoutAddr: "TQmGcJ5mTcVcMT8jWjC1M5DH4BaLXsFQ6d", payoutNetwork: "tron",
			holdRef:       "CASHOUT_HOLD:" + failedOrderID.String(),
			failureReason: "provider timeout", retryCount: 1, nextRetryAt: retryAt,
		},
		{
			id: completedOrderID, userID: traderUserID, kind: "exchange", status: "completed",
			amount: "2500", sourceCcy: "USD", targetCcy: "BTC",
			providerRef: "seed-deposit-0001",
		},
	}

	for _, o := range orders {
		_, err := pool.Exec(ctx, `
			INSERT INTO orders (id, user_id, kind, status, amount, source_currency, target_currency,
				payout_address, payout_network, provider_reference, provider_payout_id, hold_reference,
				failure_reason, retry_count, next_retry_at, admin_note, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
			ON CONFLICT (id) DO UPDATE
			SET status = EXCLUDED.status,
			    provider_reference = EXCLUDED.provider_reference,
			    hold_reference = EXCLUDED.hold_reference,
			    failure_reason = EXCLUDED.failure_reason,
			    retry_count = EXCLUDED.retry_count,
			    next_retry_at = EXCLUDED.next_retry_at,
			    admin_note = EXCLUDED.admin_note,
			    updated_at = EXCLUDED.updated_at
		`, o.id, o.userID, o.kind, o.status, o.amount, o.sourceCcy, o.targetCcy,
			o.payoutAddr, o.payoutNetwork, o.providerRef, o.payoutID, o.holdRef,
			o.failureReason, o.retryCount, o.nextRetryAt, o.adminNote, now)
		if err != nil {
			return fmt.Errorf("order %s: %w", o.id, err)
		}
	}
	return nil
}
