// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"angel-fanout/internal/dispatch"
	"angel-fanout/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Dispatch journal
	SaveReport(ctx context.Context, report *dispatch.Report) error
	GetReport(ctx context.Context, id string) (*dispatch.Report, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]dispatch.Report, error)

	// Instrument snapshot cache
	SaveSnapshot(ctx context.Context, rows []models.InstrumentRow, fetchedAt time.Time) error
	LoadSnapshot(ctx context.Context) ([]models.InstrumentRow, time.Time, error)

	// Sync
	GetLastSync(dataType string) time.Time
	SetLastSync(dataType string, t time.Time) error

	// Lifecycle
	Close() error
}

// ReportFilter represents filters for querying dispatch reports.
type ReportFilter struct {
	Symbol    string
	AccountID string
	Side      string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// SyncInstruments is the sync_status key of the instrument snapshot.
const SyncInstruments = "instruments"

var _ dispatch.Journal = (DataStore)(nil)
