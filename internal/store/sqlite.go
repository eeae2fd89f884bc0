package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"angel-fanout/internal/dispatch"
	"angel-fanout/internal/models"
)

const dateLayout = "2006-01-02"

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	syncTimes map[string]time.Time
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:        db,
		syncTimes: make(map[string]time.Time),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per dispatched order request
	CREATE TABLE IF NOT EXISTS dispatches (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		exchange_token TEXT NOT NULL,
		exchange TEXT NOT NULL,
		segment TEXT,
		side TEXT NOT NULL,
		kind TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		trigger_price REAL NOT NULL,
		variety TEXT NOT NULL,
		product TEXT NOT NULL,
		duration TEXT NOT NULL,
		timed_out INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Per-account outcomes, in pool order
	CREATE TABLE IF NOT EXISTS dispatch_outcomes (
		dispatch_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		account_id TEXT NOT NULL,
		status TEXT NOT NULL,
		broker_order_id TEXT,
		error TEXT,
		reason TEXT,
		attempts INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		PRIMARY KEY (dispatch_id, position),
		FOREIGN KEY (dispatch_id) REFERENCES dispatches(id)
	);

	-- Last fetched instrument master
	CREATE TABLE IF NOT EXISTS instruments (
		seq INTEGER PRIMARY KEY,
		token TEXT NOT NULL,
		symbol TEXT NOT NULL,
		name TEXT NOT NULL,
		exchange TEXT NOT NULL,
		instrument_type TEXT,
		strike REAL,
		expiry TEXT,
		lot_size INTEGER,
		tick_size REAL
	);

	-- Sync status table
	CREATE TABLE IF NOT EXISTS sync_status (
		data_type TEXT PRIMARY KEY,
		last_sync DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_dispatches_started ON dispatches(started_at);
	CREATE INDEX IF NOT EXISTS idx_dispatches_symbol ON dispatches(symbol);
	CREATE INDEX IF NOT EXISTS idx_outcomes_account ON dispatch_outcomes(account_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Dispatch Journal Methods
// ============================================================================

// SaveReport journals a dispatch report and its outcomes.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *dispatch.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	req := report.Request
	timedOut := 0
	if report.TimedOut {
		timedOut = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dispatches (id, started_at, finished_at, symbol, exchange_token, exchange, segment, side, kind, quantity, price, trigger_price, variety, product, duration, timed_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, report.ID, report.StartedAt.UTC(), report.FinishedAt.UTC(), req.Symbol, req.ExchangeToken, req.Exchange, req.Segment, req.Side, req.Kind, req.Quantity, req.Price, req.TriggerPrice, req.Variety, req.Product, req.Duration, timedOut)
	if err != nil {
		return fmt.Errorf("failed to save dispatch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispatch_outcomes (dispatch_id, position, account_id, status, broker_order_id, error, reason, attempts, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, o := range report.Outcomes {
		_, err := stmt.ExecContext(ctx, report.ID, i, o.AccountID, o.Status, o.BrokerOrderID, o.Error, o.Reason, o.Attempts, o.Duration.Nanoseconds())
		if err != nil {
			return fmt.Errorf("failed to save outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const dispatchColumns = "id, started_at, finished_at, symbol, exchange_token, exchange, segment, side, kind, quantity, price, trigger_price, variety, product, duration, timed_out"

func scanDispatch(scan func(dest ...interface{}) error) (dispatch.Report, error) {
	var r dispatch.Report
	var segment sql.NullString
	var timedOut int
	req := &r.Request

	err := scan(&r.ID, &r.StartedAt, &r.FinishedAt, &req.Symbol, &req.ExchangeToken, &req.Exchange, &segment, &req.Side, &req.Kind, &req.Quantity, &req.Price, &req.TriggerPrice, &req.Variety, &req.Product, &req.Duration, &timedOut)
	if err != nil {
		return r, err
	}
	req.Segment = models.Segment(segment.String)
	r.TimedOut = timedOut == 1
	return r, nil
}

// GetReport retrieves one dispatch report by id.
func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*dispatch.Report, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+dispatchColumns+" FROM dispatches WHERE id = ?", id)
	r, err := scanDispatch(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispatch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch: %w", err)
	}

	if r.Outcomes, err = s.outcomes(ctx, r.ID); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReports retrieves dispatch reports, newest first.
func (s *SQLiteStore) ListReports(ctx context.Context, filter ReportFilter) ([]dispatch.Report, error) {
	query := "SELECT " + dispatchColumns + " FROM dispatches WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Side != "" {
		query += " AND side = ?"
		args = append(args, filter.Side)
	}
	if filter.AccountID != "" {
		query += " AND id IN (SELECT dispatch_id FROM dispatch_outcomes WHERE account_id = ?)"
		args = append(args, filter.AccountID)
	}
	if !filter.StartDate.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		query += " AND started_at <= ?"
		args = append(args, filter.EndDate.UTC())
	}

	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %w", err)
	}

	var reports []dispatch.Report
	for rows.Next() {
		r, err := scanDispatch(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating dispatches: %w", err)
	}
	rows.Close()

	for i := range reports {
		if reports[i].Outcomes, err = s.outcomes(ctx, reports[i].ID); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

func (s *SQLiteStore) outcomes(ctx context.Context, dispatchID string) ([]models.OrderOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, status, broker_order_id, error, reason, attempts, duration
		FROM dispatch_outcomes
		WHERE dispatch_id = ?
		ORDER BY position ASC
	`, dispatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.OrderOutcome
	for rows.Next() {
		var o models.OrderOutcome
		var orderID, errMsg, reason sql.NullString
		var durationNs int64
		if err := rows.Scan(&o.AccountID, &o.Status, &orderID, &errMsg, &reason, &o.Attempts, &durationNs); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.BrokerOrderID = orderID.String
		o.Error = errMsg.String
		o.Reason = reason.String
		o.Duration = time.Duration(durationNs)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ============================================================================
// Instrument Snapshot Methods
// ============================================================================

// SaveSnapshot replaces the cached instrument master with rows.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, rows []models.InstrumentRow, fetchedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM instruments"); err != nil {
		return fmt.Errorf("failed to clear instruments: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instruments (seq, token, symbol, name, exchange, instrument_type, strike, expiry, lot_size, tick_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		expiry := ""
		if !r.Expiry.IsZero() {
			expiry = r.Expiry.Format(dateLayout)
		}
		_, err := stmt.ExecContext(ctx, i, r.Token, r.TradingSymbol, r.Name, r.Exchange, r.InstrumentType, r.Strike, expiry, r.LotSize, r.TickSize)
		if err != nil {
			return fmt.Errorf("failed to insert instrument: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_status (data_type, last_sync, updated_at)
		VALUES (?, ?, ?)
	`, SyncInstruments, fetchedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set last sync: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.mu.Lock()
	s.syncTimes[SyncInstruments] = fetchedAt
	s.mu.Unlock()
	return nil
}

// LoadSnapshot returns the cached instrument master in its original order
// and the time it was fetched. ErrNotFound means nothing is cached.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) ([]models.InstrumentRow, time.Time, error) {
	fetchedAt := s.GetLastSync(SyncInstruments)
	if fetchedAt.IsZero() {
		return nil, time.Time{}, fmt.Errorf("instrument snapshot: %w", ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT token, symbol, name, exchange, instrument_type, strike, expiry, lot_size, tick_size
		FROM instruments
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	var out []models.InstrumentRow
	for rows.Next() {
		var r models.InstrumentRow
		var itype, expiry sql.NullString
		if err := rows.Scan(&r.Token, &r.TradingSymbol, &r.Name, &r.Exchange, &itype, &r.Strike, &expiry, &r.LotSize, &r.TickSize); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan instrument: %w", err)
		}
		r.InstrumentType = models.InstrumentType(itype.String)
		if expiry.String != "" {
			if r.Expiry, err = time.Parse(dateLayout, expiry.String); err != nil {
				return nil, time.Time{}, fmt.Errorf("invalid stored expiry %q: %w", expiry.String, err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("error iterating instruments: %w", err)
	}
	if len(out) == 0 {
		return nil, time.Time{}, fmt.Errorf("instrument snapshot: %w", ErrNotFound)
	}
	return out, fetchedAt, nil
}

// ============================================================================
// Sync Methods
// ============================================================================

// GetLastSync returns the last sync time for a data type.
func (s *SQLiteStore) GetLastSync(dataType string) time.Time {
	s.mu.RLock()
	if t, ok := s.syncTimes[dataType]; ok {
		s.mu.RUnlock()
		return t
	}
	s.mu.RUnlock()

	var lastSync time.Time
	err := s.db.QueryRow(`
		SELECT last_sync FROM sync_status WHERE data_type = ?
	`, dataType).Scan(&lastSync)
	if err != nil {
		return time.Time{}
	}

	s.mu.Lock()
	s.syncTimes[dataType] = lastSync
	s.mu.Unlock()

	return lastSync
}

// SetLastSync sets the last sync time for a data type.
func (s *SQLiteStore) SetLastSync(dataType string, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_status (data_type, last_sync, updated_at)
		VALUES (?, ?, ?)
	`, dataType, t, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set last sync: %w", err)
	}

	s.mu.Lock()
	s.syncTimes[dataType] = t
	s.mu.Unlock()

	return nil
}

var _ DataStore = (*SQLiteStore)(nil)
