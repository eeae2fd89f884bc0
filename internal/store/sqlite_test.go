package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"angel-fanout/internal/dispatch"
	"angel-fanout/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fanout.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(id string, started time.Time, symbol string) *dispatch.Report {
	return &dispatch.Report{
		ID: id,
		Request: models.OrderRequest{
			Symbol:        symbol,
			ExchangeToken: "2885",
			Exchange:      models.NSE,
			Side:          models.OrderSideBuy,
			Kind:          models.OrderKindMarket,
			Quantity:      10,
			Variety:       models.VarietyNormal,
			Product:       models.ProductCarryForward,
			Duration:      models.DurationDay,
		},
		Outcomes: []models.OrderOutcome{
			{AccountID: "C1", Status: models.OutcomeSuccess, BrokerOrderID: "OID1", Attempts: 1, Duration: 120 * time.Millisecond},
			{AccountID: "B2", Status: models.OutcomeFailed, Error: "rejected", Attempts: 3, Duration: 2 * time.Second},
			{AccountID: "A3", Status: models.OutcomeSkipped, Reason: dispatch.ReasonSessionUnavailable},
		},
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
	}
}

func TestSaveAndGetReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 9, 20, 0, 0, time.UTC)

	want := sampleReport("d-1", started, "SBIN-EQ")
	want.TimedOut = true
	if err := s.SaveReport(ctx, want); err != nil {
		t.Fatalf("SaveReport() error = %v", err)
	}

	got, err := s.GetReport(ctx, "d-1")
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}
	if got.Request != want.Request {
		t.Errorf("Request = %+v, want %+v", got.Request, want.Request)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("times = %v..%v, want %v..%v", got.StartedAt, got.FinishedAt, want.StartedAt, want.FinishedAt)
	}
	if !got.TimedOut {
		t.Error("TimedOut not persisted")
	}
	if len(got.Outcomes) != len(want.Outcomes) {
		t.Fatalf("got %d outcomes, want %d", len(got.Outcomes), len(want.Outcomes))
	}
	for i := range want.Outcomes {
		if got.Outcomes[i] != want.Outcomes[i] {
			t.Errorf("outcome[%d] = %+v, want %+v", i, got.Outcomes[i], want.Outcomes[i])
		}
	}
}

func TestGetReportNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetReport(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReport() error = %v, want ErrNotFound", err)
	}
}

func TestListReportsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)

	r1 := sampleReport("d-1", base, "SBIN-EQ")
	r2 := sampleReport("d-2", base.Add(time.Hour), "TCS-EQ")
	r2.Request.Side = models.OrderSideSell
	r3 := sampleReport("d-3", base.Add(2*time.Hour), "SBIN-EQ")
	r3.Outcomes = r3.Outcomes[:1]
	for _, r := range []*dispatch.Report{r1, r2, r3} {
		if err := s.SaveReport(ctx, r); err != nil {
			t.Fatalf("SaveReport(%s) error = %v", r.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter ReportFilter
		want   []string
	}{
		{"all newest first", ReportFilter{}, []string{"d-3", "d-2", "d-1"}},
		{"symbol", ReportFilter{Symbol: "SBIN-EQ"}, []string{"d-3", "d-1"}},
		{"side", ReportFilter{Side: "SELL"}, []string{"d-2"}},
		{"account", ReportFilter{AccountID: "A3"}, []string{"d-2", "d-1"}},
		{"limit", ReportFilter{Limit: 1}, []string{"d-3"}},
		{"date range", ReportFilter{StartDate: base.Add(30 * time.Minute), EndDate: base.Add(90 * time.Minute)}, []string{"d-2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListReports(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListReports() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d reports, want %v", len(got), tt.want)
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("report[%d] = %s, want %s", i, got[i].ID, id)
				}
				if len(got[i].Outcomes) == 0 {
					t.Errorf("report %s has no outcomes", got[i].ID)
				}
			}
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.LoadSnapshot(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadSnapshot() on empty store error = %v, want ErrNotFound", err)
	}

	fetchedAt := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	rows := []models.InstrumentRow{
		{Name: "SBIN", TradingSymbol: "SBIN-EQ", Exchange: models.NSE, Token: "3045", LotSize: 1, TickSize: 5},
		{Name: "NIFTY", TradingSymbol: "NIFTY28MAR24FUT", Exchange: models.NFO, InstrumentType: "FUTIDX",
			Expiry: time.Date(2024, 3, 28, 0, 0, 0, 0, time.UTC), Token: "35001", LotSize: 50, TickSize: 5, Strike: -1},
		{Name: "NIFTY", TradingSymbol: "NIFTY28MAR2422000CE", Exchange: models.NFO, InstrumentType: "OPTIDX",
			Expiry: time.Date(2024, 3, 28, 0, 0, 0, 0, time.UTC), Strike: 2200000, Token: "43210", LotSize: 50, TickSize: 5},
	}
	if err := s.SaveSnapshot(ctx, rows, fetchedAt); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	got, at, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if !at.Equal(fetchedAt) {
		t.Errorf("fetchedAt = %v, want %v", at, fetchedAt)
	}
	if len(got) != len(rows) {
		t.Fatalf("got %d rows, want %d", len(got), len(rows))
	}
	for i := range rows {
		if !rowsEqual(got[i], rows[i]) {
			t.Errorf("row[%d] = %+v, want %+v", i, got[i], rows[i])
		}
	}

	// A second save replaces the first.
	if err := s.SaveSnapshot(ctx, rows[:1], fetchedAt.Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	got, at, err = s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(got) != 1 || !at.Equal(fetchedAt.Add(24*time.Hour)) {
		t.Errorf("after replace got %d rows at %v", len(got), at)
	}
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fanout.db")
	ctx := context.Background()
	fetchedAt := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	rows := []models.InstrumentRow{{Name: "TCS", TradingSymbol: "TCS-EQ", Exchange: models.NSE, Token: "11536", LotSize: 1}}
	if err := s.SaveSnapshot(ctx, rows, fetchedAt); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s.Close()

	got, at, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(got) != 1 || got[0].Token != "11536" || !at.Equal(fetchedAt) {
		t.Errorf("LoadSnapshot() = %+v at %v", got, at)
	}
}

func TestLastSync(t *testing.T) {
	s := newTestStore(t)
	if got := s.GetLastSync("holdings"); !got.IsZero() {
		t.Errorf("GetLastSync() = %v, want zero", got)
	}
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := s.SetLastSync("holdings", now); err != nil {
		t.Fatalf("SetLastSync() error = %v", err)
	}
	if got := s.GetLastSync("holdings"); !got.Equal(now) {
		t.Errorf("GetLastSync() = %v, want %v", got, now)
	}
}

func rowsEqual(a, b models.InstrumentRow) bool {
	return a.Name == b.Name &&
		a.TradingSymbol == b.TradingSymbol &&
		a.Exchange == b.Exchange &&
		a.InstrumentType == b.InstrumentType &&
		a.Strike == b.Strike &&
		a.Expiry.Equal(b.Expiry) &&
		a.Token == b.Token &&
		a.LotSize == b.LotSize &&
		a.TickSize == b.TickSize
}
