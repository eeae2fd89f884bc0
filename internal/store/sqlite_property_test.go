package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"angel-fanout/internal/dispatch"
	"angel-fanout/internal/models"
)

// Property: saving an instrument snapshot and loading it back yields the
// same rows in the same order.
func TestProperty_SnapshotRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "snapshot_property.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	names := []string{"NIFTY", "BANKNIFTY", "RELIANCE", "TCS", "INFY", "SBIN"}

	properties.Property("Snapshot round-trip preserves rows and order", prop.ForAll(
		func(count int, strikeBase int, days int) bool {
			ctx := context.Background()
			rows := generateRows(names, count, strikeBase, days)
			fetchedAt := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC).Add(time.Duration(days) * time.Hour)

			if err := store.SaveSnapshot(ctx, rows, fetchedAt); err != nil {
				t.Logf("SaveSnapshot failed: %v", err)
				return false
			}
			got, at, err := store.LoadSnapshot(ctx)
			if err != nil {
				t.Logf("LoadSnapshot failed: %v", err)
				return false
			}
			if !at.Equal(fetchedAt) || len(got) != len(rows) {
				t.Logf("Mismatch: %d rows at %v, want %d at %v", len(got), at, len(rows), fetchedAt)
				return false
			}
			for i := range rows {
				if !rowsEqual(got[i], rows[i]) {
					t.Logf("Row mismatch at index %d: original=%+v, retrieved=%+v", i, rows[i], got[i])
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 40),
		gen.IntRange(100, 50000),
		gen.IntRange(0, 365),
	))

	properties.Property("Journaled outcomes keep pool order", prop.ForAll(
		func(n int, seed int) bool {
			ctx := context.Background()
			r := &dispatch.Report{
				ID:         fmt.Sprintf("prop-%d-%d-%d", n, seed, time.Now().UnixNano()),
				Request:    models.OrderRequest{Symbol: "SBIN-EQ", ExchangeToken: "3045", Exchange: models.NSE, Side: models.OrderSideBuy, Kind: models.OrderKindMarket, Quantity: 1},
				StartedAt:  time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC),
				FinishedAt: time.Date(2024, 1, 1, 9, 15, 1, 0, time.UTC),
			}
			for i := 0; i < n; i++ {
				r.Outcomes = append(r.Outcomes, models.OrderOutcome{
					AccountID: fmt.Sprintf("ACC%03d", (i*seed+7)%1000),
					Status:    models.OutcomeSuccess,
					Attempts:  1 + i%3,
				})
			}
			if err := store.SaveReport(ctx, r); err != nil {
				t.Logf("SaveReport failed: %v", err)
				return false
			}
			got, err := store.GetReport(ctx, r.ID)
			if err != nil || len(got.Outcomes) != n {
				return false
			}
			for i := range r.Outcomes {
				if got.Outcomes[i] != r.Outcomes[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 25),
		gen.IntRange(1, 997),
	))

	properties.TestingRun(t)
}

// generateRows builds a mixed cash, futures and options master.
func generateRows(names []string, count, strikeBase, days int) []models.InstrumentRow {
	expiry := time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	rows := make([]models.InstrumentRow, count)
	for i := 0; i < count; i++ {
		name := names[i%len(names)]
		row := models.InstrumentRow{
			Name:     name,
			Token:    fmt.Sprintf("%d", 1000+i),
			LotSize:  1 + i%75,
			TickSize: 5,
		}
		switch i % 3 {
		case 0:
			row.TradingSymbol = name + "-EQ"
			row.Exchange = models.NSE
			row.Strike = -1
		case 1:
			row.TradingSymbol = fmt.Sprintf("%s%sFUT", name, expiry.Format("02Jan06"))
			row.Exchange = models.NFO
			row.InstrumentType = "FUTSTK"
			row.Expiry = expiry
			row.Strike = -1
		default:
			strike := float64((strikeBase + i*50) * int(models.StrikeMultiplier))
			row.TradingSymbol = fmt.Sprintf("%s%s%dCE", name, expiry.Format("02Jan06"), strikeBase+i*50)
			row.Exchange = models.NFO
			row.InstrumentType = "OPTSTK"
			row.Expiry = expiry
			row.Strike = strike
		}
		rows[i] = row
	}
	return rows
}
