// Package dispatch fans one order request out to every ready account.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"angel-fanout/internal/account"
	apperrors "angel-fanout/internal/errors"
	"angel-fanout/internal/logging"
	"angel-fanout/internal/metrics"
	"angel-fanout/internal/models"
	"angel-fanout/internal/security"
	"angel-fanout/pkg/utils"
)

// SessionSource enumerates the sessions to dispatch to, in a stable order.
type SessionSource interface {
	Sessions() []*account.Session
}

// Journal persists finished reports.
type Journal interface {
	SaveReport(ctx context.Context, r *Report) error
}

// Config holds dispatch tuning.
type Config struct {
	Retry utils.RetryConfig
	// Timeout bounds a whole dispatch. Zero means unbounded.
	Timeout time.Duration
	// Concurrency bounds simultaneous accounts. Zero means one task per account.
	Concurrency int
}

// DefaultConfig returns three attempts, a one second pause and a 30s bound.
func DefaultConfig() Config {
	return Config{
		Retry:   utils.DefaultRetryConfig(),
		Timeout: 30 * time.Second,
	}
}

// Options configures a Dispatcher.
type Options struct {
	Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Audit   *security.AuditLogger
	Journal Journal
}

// Dispatcher places one request on every Ready account concurrently,
// retrying each account independently.
type Dispatcher struct {
	sessions SessionSource
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	audit    *security.AuditLogger
	journal  Journal
	now      func() time.Time
}

// New creates a dispatcher over sessions.
func New(sessions SessionSource, opts Options) *Dispatcher {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = utils.DefaultRetryConfig()
	}
	return &Dispatcher{
		sessions: sessions,
		cfg:      opts.Config,
		logger:   opts.Logger.With().Str("component", "dispatcher").Logger(),
		metrics:  opts.Metrics,
		audit:    opts.Audit,
		journal:  opts.Journal,
		now:      time.Now,
	}
}

// Normalize validates req and fills in defaults. MARKET orders have price
// and trigger price forced to zero; LIMIT orders need both to be positive.
func Normalize(req models.OrderRequest) (models.OrderRequest, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := security.ValidateSymbol(req.Symbol); err != nil {
		return req, err
	}
	req.ExchangeToken = strings.TrimSpace(req.ExchangeToken)
	if err := security.ValidateToken(req.ExchangeToken); err != nil {
		return req, err
	}

	req.Side = models.OrderSide(strings.ToUpper(string(req.Side)))
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return req, apperrors.NewValidationError(apperrors.ErrInvalidOrder, "side", req.Side, "must be BUY or SELL")
	}

	if req.Quantity <= 0 {
		return req, apperrors.NewValidationError(apperrors.ErrInvalidOrder, "quantity", req.Quantity, "must be greater than 0")
	}

	if req.Exchange == "" {
		switch req.Segment {
		case models.SegmentFuture, models.SegmentOption:
			req.Exchange = models.NFO
		default:
			req.Exchange = models.NSE
		}
	}
	switch req.Exchange {
	case models.NSE, models.BSE, models.NFO, models.MCX:
	default:
		return req, apperrors.NewValidationError(apperrors.ErrInvalidOrder, "exchange", req.Exchange, "unknown exchange")
	}

	req.Kind = models.OrderKind(strings.ToUpper(string(req.Kind)))
	switch req.Kind {
	case "", models.OrderKindMarket:
		req.Kind = models.OrderKindMarket
		req.Price = 0
		req.TriggerPrice = 0
	case models.OrderKindLimit:
		if !positive(req.Price) {
			return req, apperrors.NewValidationError(apperrors.ErrInvalidPrice, "price", req.Price, "LIMIT orders need a price greater than 0")
		}
		if !positive(req.TriggerPrice) {
			return req, apperrors.NewValidationError(apperrors.ErrInvalidPrice, "trigger_price", req.TriggerPrice, "LIMIT orders need a trigger price greater than 0")
		}
	default:
		return req, apperrors.NewValidationError(apperrors.ErrInvalidOrder, "kind", req.Kind, "must be MARKET or LIMIT")
	}

	if req.Variety == "" {
		req.Variety = models.VarietyNormal
	}
	if req.Product == "" {
		req.Product = models.ProductCarryForward
	}
	if req.Duration == "" {
		req.Duration = models.DurationDay
	}
	return req, nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// Dispatch sends req to every Ready session and returns one outcome per
// session in pool order. Sessions that are not Ready are reported as
// Skipped. Placement failures never surface as an error; the only error is
// an invalid request.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.OrderRequest) (*Report, error) {
	nreq, err := Normalize(req)
	if err != nil {
		var valErr *apperrors.ValidationError
		if errors.As(err, &valErr) {
			_ = d.audit.LogInputRejected(ctx, valErr.Field, toString(valErr.Value), valErr.Message)
		}
		d.logger.Warn().Err(err).Msg("Order request rejected")
		return nil, err
	}

	report := &Report{
		ID:        uuid.NewString(),
		Request:   nreq,
		StartedAt: d.now(),
	}
	logger := logging.WithDispatch(d.logger, report.ID)
	logger.Info().
		Str("symbol", nreq.Symbol).
		Str("side", string(nreq.Side)).
		Str("kind", string(nreq.Kind)).
		Int("quantity", nreq.Quantity).
		Msg("Dispatching order")

	dctx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	sessions := d.sessions.Sessions()
	outcomes := make([]models.OrderOutcome, len(sessions))

	var g errgroup.Group
	if d.cfg.Concurrency > 0 {
		g.SetLimit(d.cfg.Concurrency)
	}
	for i, s := range sessions {
		if s.Status() != account.StatusReady {
			outcomes[i] = models.OrderOutcome{
				AccountID: s.ID(),
				Status:    models.OutcomeSkipped,
				Reason:    ReasonSessionUnavailable,
			}
			continue
		}

		i, s := i, s
		g.Go(func() error {
			outcomes[i] = d.place(dctx, logger, s, nreq)
			return nil
		})
	}
	_ = g.Wait()

	report.Outcomes = outcomes
	report.FinishedAt = d.now()
	report.TimedOut = errors.Is(dctx.Err(), context.DeadlineExceeded)

	for _, o := range outcomes {
		d.metrics.ObserveOutcome(string(o.Status))
		logging.LogOrder(logger, o.AccountID, o.BrokerOrderID, nreq.Symbol, string(nreq.Side), string(o.Status), o.Attempts)
		_ = d.audit.LogOutcome(ctx, report.ID, nreq, o)
	}
	d.metrics.ObserveDispatch(report.Duration())

	summary := report.Summary()
	logger.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Dur("duration", report.Duration()).
		Msg("Dispatch completed")

	if d.journal != nil {
		if err := d.journal.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			logger.Error().Err(err).Msg("Failed to journal dispatch report")
		}
	}
	return report, nil
}

// place runs the bounded retry loop for one session.
func (d *Dispatcher) place(ctx context.Context, logger zerolog.Logger, s *account.Session, req models.OrderRequest) models.OrderOutcome {
	start := time.Now()
	logger = logging.WithAccount(logger, s.ID())

	// cutShort records that the latest attempt was ended by the dispatch
	// deadline rather than by its own result.
	cutShort := false
	res := utils.RetryWithResult(ctx, d.cfg.Retry, func(attempt int) (string, error) {
		orderID, err := s.PlaceOrder(ctx, req)
		if err != nil {
			cutShort = ctx.Err() != nil
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Order attempt failed")
		}
		return orderID, err
	})

	out := models.OrderOutcome{
		AccountID: s.ID(),
		Attempts:  res.Attempts,
		Duration:  time.Since(start),
	}

	switch {
	case res.Err == nil:
		out.Status = models.OutcomeSuccess
		out.BrokerOrderID = res.Value
	case ctx.Err() != nil && (res.Interrupted || cutShort):
		out.Status = models.OutcomeFailed
		out.Reason = ReasonTimeout
		if cutShort && out.Attempts > 0 {
			out.Attempts--
		}
		out.Error = security.MaskSensitive(apperrors.Timeout(res.Err).Error())
	default:
		out.Status = models.OutcomeFailed
		out.Error = security.MaskSensitive(res.Err.Error())
	}
	return out
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
