// Package account manages authenticated sessions for every configured
// trading account.
package account

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"angel-fanout/internal/broker"
	apperrors "angel-fanout/internal/errors"
	"angel-fanout/internal/logging"
	"angel-fanout/internal/metrics"
	"angel-fanout/internal/models"
	"angel-fanout/internal/security"
)

// DefaultCallTimeout bounds every remote call made by a session.
const DefaultCallTimeout = 10 * time.Second

// capitalFraction is the share of capital committed to one order.
const capitalFraction = 10

// Status is the lifecycle state of a session.
type Status int

const (
	StatusUninitialized Status = iota
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNINITIALIZED"
	}
}

// Options configures sessions.
type Options struct {
	CallTimeout time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Audit       *security.AuditLogger
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	return o
}

// Session is one authenticated account. Remote operations on a session are
// serialized; reads of its cached state are not blocked by them.
type Session struct {
	id         string
	secret     string
	totpSecret string
	capital    float64

	client      broker.Client
	callTimeout time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	audit       *security.AuditLogger

	opMu sync.Mutex

	mu              sync.RWMutex
	status          Status
	tokens          broker.SessionTokens
	holdings        []models.Holding
	positions       []models.Position
	lastErr         error
	authenticatedAt time.Time
}

// NewSession creates an uninitialized session for cfg.
func NewSession(client broker.Client, cfg models.AccountConfig, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		id:          cfg.ID,
		secret:      cfg.Secret,
		totpSecret:  cfg.TOTPSecret,
		capital:     cfg.Capital,
		client:      client,
		callTimeout: opts.CallTimeout,
		logger:      logging.WithAccount(opts.Logger, cfg.ID),
		metrics:     opts.Metrics,
		audit:       opts.Audit,
	}
}

// Authenticate logs the account in and loads its holdings and positions.
// Any failure leaves the session Failed and returns an AuthError.
func (s *Session) Authenticate(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	st, err := s.login(ctx)
	s.metrics.ObserveLogin(err)
	if err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.lastErr = err
		s.mu.Unlock()

		s.logger.Error().Err(err).Msg("Account authentication failed")
		_ = s.audit.LogLogin(ctx, s.id, false, err.Error())
		return err
	}

	s.apply(st)
	s.logger.Info().
		Int("holdings", len(st.holdings)).
		Int("positions", len(st.positions)).
		Msg("Account authenticated")
	_ = s.audit.LogLogin(ctx, s.id, true, "")
	return nil
}

// Refresh re-authenticates the account. On failure it returns false and
// the session keeps its previous state.
func (s *Session) Refresh(ctx context.Context) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	st, err := s.login(ctx)
	s.metrics.ObserveLogin(err)
	_ = s.audit.LogRefresh(ctx, s.id, err == nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Session refresh failed")
		return false
	}

	s.apply(st)
	s.logger.Info().Msg("Session refreshed")
	return true
}

type sessionState struct {
	tokens    broker.SessionTokens
	holdings  []models.Holding
	positions []models.Position
}

// login performs the remote login sequence without touching s's state.
func (s *Session) login(ctx context.Context) (sessionState, error) {
	var st sessionState

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	tokens, err := s.client.Login(callCtx, broker.Credentials{
		ClientCode: s.id,
		Password:   s.secret,
		TOTPSecret: s.totpSecret,
	})
	cancel()
	if err != nil {
		return st, apperrors.NewAuthError(s.id, "login", apperrors.Timeout(err))
	}
	if !tokens.Valid() {
		return st, apperrors.NewAuthError(s.id, "login", fmt.Errorf("no session token returned"))
	}
	st.tokens = tokens

	callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	st.holdings, err = s.client.FetchHoldings(callCtx, tokens)
	cancel()
	if err != nil {
		return st, apperrors.NewAuthError(s.id, "holdings", apperrors.Timeout(err))
	}

	callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	st.positions, err = s.client.FetchPositions(callCtx, tokens)
	cancel()
	if err != nil {
		return st, apperrors.NewAuthError(s.id, "positions", apperrors.Timeout(err))
	}

	return st, nil
}

func (s *Session) apply(st sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = st.tokens
	s.holdings = st.holdings
	s.positions = st.positions
	s.status = StatusReady
	s.lastErr = nil
	s.authenticatedAt = time.Now()
}

// ComputeQuantity returns floor(capital/10/price).
func (s *Session) ComputeQuantity(price float64) (int, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, apperrors.NewValidationError(apperrors.ErrInvalidPrice, "price", price, "price must be greater than 0")
	}
	q := math.Floor(s.capital / capitalFraction / price)
	if math.IsInf(q, 0) || q >= float64(math.MaxInt) {
		return 0, apperrors.NewValidationError(apperrors.ErrInvalidPrice, "price", price, "price too small")
	}
	return int(q), nil
}

// HoldingQuantity returns the held quantity of the exact trading symbol, or 0.
func (s *Session) HoldingQuantity(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.holdings {
		if h.TradingSymbol == symbol {
			return h.Quantity
		}
	}
	return 0
}

// PlaceOrder makes exactly one placement call, bounded by the call timeout.
func (s *Session) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	status, tokens := s.status, s.tokens
	s.mu.RUnlock()

	if status != StatusReady {
		return "", apperrors.NewOrderError(s.id, req.Symbol, string(req.Side), apperrors.ErrSessionUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	start := time.Now()
	orderID, err := s.client.PlaceOrder(callCtx, tokens, req)
	s.metrics.ObserveAttempt(time.Since(start), err)
	if err != nil {
		if callCtx.Err() != nil && !apperrors.IsTimeout(err) {
			err = fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
		}
		return "", apperrors.NewOrderError(s.id, req.Symbol, string(req.Side), apperrors.Timeout(err))
	}
	return orderID, nil
}

// ID returns the account id.
func (s *Session) ID() string { return s.id }

// Capital returns the configured capital.
func (s *Session) Capital() float64 { return s.capital }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the error that failed the session, if any.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// AuthenticatedAt returns the time of the last successful login.
func (s *Session) AuthenticatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticatedAt
}

// Holdings returns a copy of the cached holdings.
func (s *Session) Holdings() []models.Holding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Holding, len(s.holdings))
	copy(out, s.holdings)
	return out
}

// Positions returns a copy of the cached positions.
func (s *Session) Positions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Position, len(s.positions))
	copy(out, s.positions)
	return out
}

// String never includes the secret.
func (s *Session) String() string {
	return fmt.Sprintf("Session{id=%s, secret=****, capital=%.2f, status=%s}",
		s.id, s.capital, s.Status())
}
