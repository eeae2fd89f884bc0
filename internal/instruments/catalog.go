package instruments

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"angel-fanout/internal/broker"
	apperrors "angel-fanout/internal/errors"
	"angel-fanout/internal/metrics"
	"angel-fanout/internal/models"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultCacheSize = 100
)

// Snapshot is an immutable view of the instrument master. Rows keep the
// upstream order and must not be modified.
type Snapshot struct {
	Rows      []models.InstrumentRow
	FetchedAt time.Time
	Version   uint64
}

// Query selects instruments. Which fields matter depends on the shape:
//
//	cash:    Exchange NSE, Name
//	futures: Exchange NFO, InstrumentType FUTSTK|FUTIDX, Name
//	options: Exchange NFO, InstrumentType OPTSTK|OPTIDX, Name, Strike, OptionType
type Query struct {
	Name           string                `json:"name"`
	Exchange       models.Exchange       `json:"exchange"`
	InstrumentType models.InstrumentType `json:"instrument_type,omitempty"`
	Strike         float64               `json:"strike,omitempty"` // nominal
	OptionType     models.OptionType     `json:"option_type,omitempty"`
}

type queryShape int

const (
	shapeCash queryShape = iota
	shapeFutures
	shapeOptions
)

// normalize validates q and clears the fields its shape ignores.
func (q Query) normalize() (Query, queryShape, error) {
	q.Name = strings.TrimSpace(q.Name)
	if q.Name == "" {
		return q, 0, apperrors.NewValidationError(apperrors.ErrInvalidQuery, "name", q.Name, "name is required")
	}

	switch {
	case q.Exchange == models.NSE:
		return Query{Name: q.Name, Exchange: q.Exchange}, shapeCash, nil

	case q.Exchange == models.NFO && q.InstrumentType.IsFuture():
		return Query{Name: q.Name, Exchange: q.Exchange, InstrumentType: q.InstrumentType}, shapeFutures, nil

	case q.Exchange == models.NFO && q.InstrumentType.IsOption():
		if !q.OptionType.Valid() {
			return q, 0, apperrors.NewValidationError(apperrors.ErrInvalidQuery, "option_type", q.OptionType, "must be CE or PE")
		}
		if q.Strike < 0 || math.IsNaN(q.Strike) || math.IsInf(q.Strike, 0) {
			return q, 0, apperrors.NewValidationError(apperrors.ErrInvalidQuery, "strike", q.Strike, "must be a finite non-negative number")
		}
		return q, shapeOptions, nil
	}

	return q, 0, apperrors.NewValidationError(apperrors.ErrInvalidQuery, "exchange/instrument_type",
		fmt.Sprintf("%s/%s", q.Exchange, q.InstrumentType), "unsupported combination")
}

func (q Query) key(version uint64) string {
	return fmt.Sprintf("%d|%s|%s|%s|%g|%s", version, q.Exchange, q.InstrumentType, q.Name, q.Strike, q.OptionType)
}

// Options configures a Catalog.
type Options struct {
	TTL       time.Duration
	CacheSize int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	// OnRefresh is called with every snapshot fetched from the source. It runs
	// inside the refresh, so every waiting lookup blocks until it returns.
	OnRefresh func(*Snapshot)
	Now       func() time.Time
}

// Catalog caches the instrument master and answers lookups against it.
// The snapshot is refreshed lazily on read once it is older than the TTL.
// It is safe for concurrent use.
type Catalog struct {
	source    broker.InstrumentSource
	snap      atomic.Pointer[Snapshot]
	version   atomic.Uint64
	group     singleflight.Group
	memo      *lru.Cache[string, []models.InstrumentRow]
	ttl       time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	onRefresh func(*Snapshot)
	now       func() time.Time
}

// NewCatalog creates a catalog over source. No fetch happens until the first read.
func NewCatalog(source broker.InstrumentSource, opts Options) (*Catalog, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	memo, err := lru.New[string, []models.InstrumentRow](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup cache: %w", err)
	}

	return &Catalog{
		source:    source,
		memo:      memo,
		ttl:       opts.TTL,
		logger:    opts.Logger.With().Str("component", "catalog").Logger(),
		metrics:   opts.Metrics,
		onRefresh: opts.OnRefresh,
		now:       opts.Now,
	}, nil
}

func (c *Catalog) stale(s *Snapshot) bool {
	return c.now().Sub(s.FetchedAt) > c.ttl
}

// Current returns the installed snapshot without refreshing, or nil.
func (c *Catalog) Current() *Snapshot {
	return c.snap.Load()
}

// GetSnapshot returns the current snapshot, refreshing it first when it is
// missing or older than the TTL. A failed refresh serves the previous
// snapshot; only a catalog that never held one returns ErrCatalogUnavailable.
func (c *Catalog) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	cur := c.snap.Load()
	if cur != nil && !c.stale(cur) {
		return cur, nil
	}

	snap, err := c.refreshShared(ctx)
	if err != nil {
		if cur != nil {
			c.logger.Warn().
				Err(err).
				Uint64("version", cur.Version).
				Time("fetched_at", cur.FetchedAt).
				Msg("Instrument refresh failed, serving stale snapshot")
			c.metrics.ObserveStaleServed()
			return cur, nil
		}
		return nil, &apperrors.CatalogError{Err: err}
	}
	return snap, nil
}

// Refresh fetches the instrument master now, regardless of age.
func (c *Catalog) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := c.refreshShared(ctx)
	if err != nil {
		return nil, &apperrors.CatalogError{Err: err}
	}
	return snap, nil
}

// refreshShared collapses concurrent refreshes into one fetch. The fetch
// outlives a cancelled caller so the other waiters still get its result.
func (c *Catalog) refreshShared(ctx context.Context) (*Snapshot, error) {
	ch := c.group.DoChan("refresh", func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, apperrors.Timeout(ctx.Err())
	}
}

func (c *Catalog) fetch(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	c.logger.Info().Msg("Fetching instrument master")

	records, err := c.source.FetchInstrumentMaster(ctx)
	if err != nil {
		c.metrics.ObserveCatalogRefresh(time.Since(start), 0, time.Time{}, err)
		return nil, err
	}

	rows, stats := ConvertRecords(records)
	if len(rows) == 0 {
		err := fmt.Errorf("instrument master is empty (%d records, %d rejected)", stats.Total, stats.Rejected)
		c.metrics.ObserveCatalogRefresh(time.Since(start), 0, time.Time{}, err)
		return nil, err
	}

	snap := &Snapshot{
		Rows:      rows,
		FetchedAt: c.now(),
		Version:   c.version.Add(1),
	}
	c.install(snap)

	c.metrics.ObserveCatalogRefresh(time.Since(start), len(rows), snap.FetchedAt, nil)
	c.logger.Info().
		Int("rows", len(rows)).
		Int("rejected", stats.Rejected).
		Uint64("version", snap.Version).
		Dur("duration", time.Since(start)).
		Msg("Instrument master updated")

	if c.onRefresh != nil {
		c.onRefresh(snap)
	}
	return snap, nil
}

// install swaps in snap and drops every memoized lookup.
func (c *Catalog) install(snap *Snapshot) {
	c.snap.Store(snap)
	c.memo.Purge()
}

// Seed installs a previously persisted snapshot. Its FetchedAt is kept, so a
// seed older than the TTL is refreshed on first read and still serves as the
// fallback if that refresh fails.
func (c *Catalog) Seed(rows []models.InstrumentRow, fetchedAt time.Time) *Snapshot {
	if len(rows) == 0 {
		return nil
	}
	snap := &Snapshot{
		Rows:      rows,
		FetchedAt: fetchedAt,
		Version:   c.version.Add(1),
	}
	c.install(snap)
	c.logger.Debug().Int("rows", len(rows)).Time("fetched_at", fetchedAt).Msg("Seeded instrument snapshot")
	return snap
}

// Lookup returns the instruments matching q. Futures and options are ordered
// by ascending expiry. An empty result is not an error.
func (c *Catalog) Lookup(ctx context.Context, q Query) ([]models.InstrumentRow, error) {
	nq, shape, err := q.normalize()
	if err != nil {
		c.metrics.ObserveLookup(false, err)
		return nil, err
	}

	snap, err := c.GetSnapshot(ctx)
	if err != nil {
		c.metrics.ObserveLookup(false, err)
		return nil, err
	}

	key := nq.key(snap.Version)
	if rows, ok := c.memo.Get(key); ok {
		c.metrics.ObserveLookup(true, nil)
		return cloneRows(rows), nil
	}

	rows := filter(snap.Rows, nq, shape)
	c.memo.Add(key, rows)
	c.metrics.ObserveLookup(false, nil)

	if len(rows) == 0 {
		c.logger.Debug().
			Str("name", nq.Name).
			Str("exchange", string(nq.Exchange)).
			Str("instrument_type", string(nq.InstrumentType)).
			Msg("No instruments matched")
	}
	return cloneRows(rows), nil
}

func filter(all []models.InstrumentRow, q Query, shape queryShape) []models.InstrumentRow {
	var out []models.InstrumentRow

	switch shape {
	case shapeCash:
		for _, r := range all {
			if r.Exchange == q.Exchange && r.Name == q.Name {
				out = append(out, r)
			}
		}
		return out

	case shapeFutures:
		for _, r := range all {
			if r.Exchange == q.Exchange && r.InstrumentType == q.InstrumentType && r.Name == q.Name {
				out = append(out, r)
			}
		}

	case shapeOptions:
		strike := q.Strike * models.StrikeMultiplier
		for _, r := range all {
			if r.Exchange == q.Exchange &&
				r.InstrumentType == q.InstrumentType &&
				r.Name == q.Name &&
				sameStrike(r.Strike, strike) &&
				strings.HasSuffix(r.TradingSymbol, string(q.OptionType)) {
				out = append(out, r)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Expiry.Before(out[j].Expiry)
	})
	return out
}

func sameStrike(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func cloneRows(rows []models.InstrumentRow) []models.InstrumentRow {
	if rows == nil {
		return []models.InstrumentRow{}
	}
	out := make([]models.InstrumentRow, len(rows))
	copy(out, rows)
	return out
}

// Names returns the sorted distinct instrument names of the snapshot.
func (c *Catalog) Names(ctx context.Context) ([]string, error) {
	snap, err := c.GetSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return distinct(snap.Rows, func(r models.InstrumentRow) string { return r.Name }), nil
}

// InstrumentTypes returns the sorted distinct non-empty instrument types.
func (c *Catalog) InstrumentTypes(ctx context.Context) ([]string, error) {
	snap, err := c.GetSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return distinct(snap.Rows, func(r models.InstrumentRow) string { return string(r.InstrumentType) }), nil
}

func distinct(rows []models.InstrumentRow, field func(models.InstrumentRow) string) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		if v := field(r); v != "" {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
