package account

import (
	"context"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"angel-fanout/internal/broker"
	apperrors "angel-fanout/internal/errors"
	"angel-fanout/internal/models"
)

// DefaultLoginConcurrency bounds concurrent logins during initialization.
const DefaultLoginConcurrency = 8

// PoolOptions configures a Pool.
type PoolOptions struct {
	Options
	// Concurrency bounds simultaneous logins. Zero means DefaultLoginConcurrency.
	Concurrency int
}

// Pool holds one session per configured account, in configuration order.
// The set of sessions is fixed after Initialize.
type Pool struct {
	sessions []*Session
	byID     map[string]*Session
	opts     PoolOptions
}

// Initialize creates and authenticates a session for every config. Logins
// run concurrently. An account whose login fails is kept in the Failed
// state; only invalid configuration is returned as an error.
func Initialize(ctx context.Context, client broker.Client, configs []models.AccountConfig, opts PoolOptions) (*Pool, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultLoginConcurrency
	}

	p := &Pool{
		sessions: make([]*Session, 0, len(configs)),
		byID:     make(map[string]*Session, len(configs)),
		opts:     opts,
	}

	for i, cfg := range configs {
		cfg.ID = strings.TrimSpace(cfg.ID)
		if cfg.ID == "" {
			return nil, apperrors.NewValidationError(apperrors.ErrConfigInvalid, "accounts", i, "account id is empty")
		}
		if _, dup := p.byID[cfg.ID]; dup {
			return nil, apperrors.NewValidationError(apperrors.ErrConfigInvalid, "accounts", cfg.ID, "duplicate account id")
		}
		s := NewSession(client, cfg, opts.Options)
		p.sessions = append(p.sessions, s)
		p.byID[cfg.ID] = s
	}

	wp := pool.New().WithMaxGoroutines(opts.Concurrency)
	for _, s := range p.sessions {
		s := s
		wp.Go(func() {
			_ = s.Authenticate(ctx)
		})
	}
	wp.Wait()

	ready := len(p.Ready())
	opts.Metrics.SetSessions(ready, len(p.sessions)-ready)
	opts.Logger.Info().
		Int("accounts", len(p.sessions)).
		Int("ready", ready).
		Msg("Account pool initialized")

	return p, nil
}

// Sessions returns every session in configuration order.
func (p *Pool) Sessions() []*Session {
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Ready returns the Ready sessions in configuration order.
func (p *Pool) Ready() []*Session {
	var out []*Session
	for _, s := range p.sessions {
		if s.Status() == StatusReady {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the session for id.
func (p *Pool) Get(id string) (*Session, error) {
	s, ok := p.byID[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrAccountNotFound, "account %s", id)
	}
	return s, nil
}

// Len returns the number of configured accounts.
func (p *Pool) Len() int {
	return len(p.sessions)
}

// RefreshAll refreshes every session concurrently and reports the result
// per account id.
func (p *Pool) RefreshAll(ctx context.Context) map[string]bool {
	results := make([]bool, len(p.sessions))

	wp := pool.New().WithMaxGoroutines(p.opts.Concurrency)
	for i, s := range p.sessions {
		i, s := i, s
		wp.Go(func() {
			results[i] = s.Refresh(ctx)
		})
	}
	wp.Wait()

	out := make(map[string]bool, len(p.sessions))
	for i, s := range p.sessions {
		out[s.ID()] = results[i]
	}

	ready := len(p.Ready())
	p.opts.Metrics.SetSessions(ready, len(p.sessions)-ready)
	return out
}
