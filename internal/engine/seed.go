package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	rootcfg "github.com/sfc-gh-agavic/lifecycle-policy/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
)

var (
	seedTypes      = []string{domain.TypePurchase, domain.TypeRefund, domain.TypeFee, domain.TypeTransfer, domain.TypePayment}
	seedCurrencies = []string{"USD", "EUR", "GBP"}
	seedPhrases    = []string{
		"card purchase",
		"subscription renewal",
		"wire transfer",
		"refund issued",
		"monthly service fee",
		"invoice payment",
	}
)

// Seed generates synthetic transactions spread evenly over the given
// number of trailing quarters, ending in the current one, and ingests
// them into the table. rowsPerQuarter and quarters fall back to the
// configured defaults when zero. It returns the number of rows written.
//
// Older quarters age out on the next evaluation once a policy is
// bound, which makes seeded tables a quick way to watch the tiering
// pipeline end to end.
func (e *Engine) Seed(ctx context.Context, table string, rowsPerQuarter, quarters int) (int, error) {
	if err := e.requireRunning(); err != nil {
		return 0, err
	}
	if _, err := e.cat.GetTable(table); err != nil {
		return 0, err
	}
	if rowsPerQuarter <= 0 {
		rowsPerQuarter = rootcfg.DefaultSeedRows
	}
	if quarters <= 0 {
		quarters = rootcfg.DefaultSeedQuarters
	}

	now := time.Now().UTC()
	q := domain.QuarterOf(now)
	for i := 1; i < quarters; i++ {
		q = q.Previous()
	}

	total := 0
	for i := 0; i < quarters; i++ {
		rows := make([]domain.Transaction, 0, rowsPerQuarter)
		for j := 0; j < rowsPerQuarter; j++ {
			rows = append(rows, randomTransaction(q, now))
		}
		if err := e.hot.Append(ctx, table, rows); err != nil {
			return total, err
		}
		total += len(rows)
		q = q.Next()
	}

	e.log.Info("seed complete",
		"table", table,
		"rows", total,
		"quarters", quarters)
	return total, nil
}

// randomTransaction fabricates one row inside the quarter. Dates in
// the current quarter never land in the future.
func randomTransaction(q domain.Quarter, now time.Time) domain.Transaction {
	start := q.Start()
	span := int64(q.End().Sub(start) / (24 * time.Hour))
	if end := now.Add(24 * time.Hour); q.End().After(end) {
		span = int64(end.Sub(start) / (24 * time.Hour))
	}
	if span < 1 {
		span = 1
	}
	date := start.AddDate(0, 0, int(rand.Int63n(span)))

	cents := rand.Int63n(500_000) - 100_000
	if cents == 0 {
		cents = 199
	}

	t := domain.Transaction{
		TransactionID:   uuid.New().String(),
		CustomerID:      uuid.New().String(),
		AccountID:       uuid.New().String(),
		TransactionDate: date,
		Amount:          decimal.New(cents, -2),
		Type:            seedTypes[rand.Intn(len(seedTypes))],
		Currency:        seedCurrencies[rand.Intn(len(seedCurrencies))],
	}
	if rand.Intn(3) == 0 {
		t.Description = seedPhrases[rand.Intn(len(seedPhrases))]
	}
	t.Normalize()
	return t
}
