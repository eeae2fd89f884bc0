package cli

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"angel-fanout/internal/broker"
	"angel-fanout/internal/config"
	"angel-fanout/internal/instruments"
	"angel-fanout/internal/metrics"
	"angel-fanout/internal/models"
	"angel-fanout/internal/store"
)

// slowStore holds SaveSnapshot until release is closed.
type slowStore struct {
	store.DataStore
	release chan struct{}
	saved   chan int
}

func (s *slowStore) SaveSnapshot(ctx context.Context, rows []models.InstrumentRow, fetchedAt time.Time) error {
	<-s.release
	s.saved <- len(rows)
	return nil
}

func (s *slowStore) LoadSnapshot(ctx context.Context) ([]models.InstrumentRow, time.Time, error) {
	return nil, time.Time{}, store.ErrNotFound
}

func (s *slowStore) Close() error { return nil }

func TestCatalogRefreshDoesNotWaitForPersistence(t *testing.T) {
	slow := &slowStore{release: make(chan struct{}), saved: make(chan int, 1)}
	app := &App{
		Config:  &config.Config{Catalog: config.CatalogConfig{Persist: true}},
		Logger:  zerolog.Nop(),
		Metrics: metrics.NewMetrics(),
		Health:  metrics.NewHealthStatus(),
		Store:   slow,
		Source:  broker.NewPaperBroker(broker.PaperBrokerConfig{Instruments: broker.SampleInstruments()}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	catalog, err := app.Catalog(ctx)
	if err != nil {
		t.Fatalf("Catalog() error = %v", err)
	}
	rows, err := catalog.Lookup(ctx, instruments.Query{Name: "TCS", Exchange: models.NSE})
	if err != nil {
		t.Fatalf("Lookup() error = %v, want result while the store is still writing", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Lookup() = %+v", rows)
	}

	select {
	case <-slow.saved:
		t.Fatal("snapshot saved before release")
	default:
	}

	close(slow.release)
	if err := app.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case n := <-slow.saved:
		if want := len(catalog.Current().Rows); n != want {
			t.Errorf("saved %d rows, want %d", n, want)
		}
	default:
		t.Error("Close() returned before the snapshot was saved")
	}
}
