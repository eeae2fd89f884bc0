package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "angel-fanout/internal/errors"
	"angel-fanout/internal/models"
	"angel-fanout/pkg/utils"
)

// PaperBroker implements Client and InstrumentSource as an in-memory
// simulation. Every account logs in against the same PaperBroker and keeps
// its own book. Failures can be injected per account.
type PaperBroker struct {
	accounts map[string]*paperAccount
	sessions map[string]string // access token -> client code

	instruments    []RawInstrument
	instrumentsErr error

	loginFailures map[string]error
	orderFailures map[string]*injectedFailure

	orderCounter   int
	sessionCounter int
	latency        time.Duration
	now            func() time.Time

	mu sync.Mutex
}

type paperAccount struct {
	holdings  map[string]*models.Holding
	positions map[string]*models.Position
	orders    []PaperOrder
}

// PaperOrder is one order accepted by the simulation.
type PaperOrder struct {
	OrderID  string
	Request  models.OrderRequest
	PlacedAt time.Time
}

type injectedFailure struct {
	remaining int
	err       error
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	Instruments []RawInstrument
	// Latency is applied to every order placement.
	Latency time.Duration
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	return &PaperBroker{
		accounts:      make(map[string]*paperAccount),
		sessions:      make(map[string]string),
		instruments:   cfg.Instruments,
		loginFailures: make(map[string]error),
		orderFailures: make(map[string]*injectedFailure),
		latency:       cfg.Latency,
		now:           time.Now,
	}
}

func (p *PaperBroker) account(code string) *paperAccount {
	acc, ok := p.accounts[code]
	if !ok {
		acc = &paperAccount{
			holdings:  make(map[string]*models.Holding),
			positions: make(map[string]*models.Position),
		}
		p.accounts[code] = acc
	}
	return acc
}

// Login accepts any credentials unless a failure was injected for the account.
func (p *PaperBroker) Login(ctx context.Context, creds Credentials) (SessionTokens, error) {
	if err := ctx.Err(); err != nil {
		return SessionTokens{}, apperrors.Timeout(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.loginFailures[creds.ClientCode]; ok {
		return SessionTokens{}, err
	}

	p.sessionCounter++
	token := fmt.Sprintf("paper-%s-%d", creds.ClientCode, p.sessionCounter)
	p.sessions[token] = creds.ClientCode
	p.account(creds.ClientCode)

	return SessionTokens{
		AccessToken:  token,
		RefreshToken: token + "-refresh",
		FeedToken:    token + "-feed",
	}, nil
}

func (p *PaperBroker) resolve(session SessionTokens) (*paperAccount, string, error) {
	code, ok := p.sessions[session.AccessToken]
	if !ok {
		return nil, "", apperrors.NewRemoteError("paper", "AG8001", "Invalid Token", nil)
	}
	return p.account(code), code, nil
}

// FetchHoldings returns simulated holdings.
func (p *PaperBroker) FetchHoldings(ctx context.Context, session SessionTokens) ([]models.Holding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, _, err := p.resolve(session)
	if err != nil {
		return nil, err
	}

	holdings := make([]models.Holding, 0, len(acc.holdings))
	for _, h := range acc.holdings {
		holdings = append(holdings, *h)
	}
	sort.Slice(holdings, func(i, j int) bool {
		return holdings[i].TradingSymbol < holdings[j].TradingSymbol
	})
	return holdings, nil
}

// FetchPositions returns simulated positions.
func (p *PaperBroker) FetchPositions(ctx context.Context, session SessionTokens) ([]models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, _, err := p.resolve(session)
	if err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(acc.positions))
	for _, pos := range acc.positions {
		positions = append(positions, *pos)
	}
	sort.Slice(positions, func(i, j int) bool {
		a, b := positions[i], positions[j]
		if a.TradingSymbol != b.TradingSymbol {
			return a.TradingSymbol < b.TradingSymbol
		}
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		return a.ProductType < b.ProductType
	})
	return positions, nil
}

// PlaceOrder simulates order placement. Orders fill immediately.
func (p *PaperBroker) PlaceOrder(ctx context.Context, session SessionTokens, req models.OrderRequest) (string, error) {
	p.mu.Lock()
	latency := p.latency
	p.mu.Unlock()

	if !utils.Sleep(ctx, latency) {
		return "", apperrors.Timeout(ctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acc, code, err := p.resolve(session)
	if err != nil {
		return "", err
	}

	if f, ok := p.orderFailures[code]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		return "", f.err
	}

	// Generate order ID
	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.orderCounter)

	acc.orders = append(acc.orders, PaperOrder{
		OrderID:  orderID,
		Request:  req,
		PlacedAt: p.now(),
	})
	p.updatePosition(acc, req)

	return orderID, nil
}

// FetchInstrumentMaster returns the configured instrument records.
func (p *PaperBroker) FetchInstrumentMaster(ctx context.Context) ([]RawInstrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Timeout(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.instrumentsErr != nil {
		return nil, p.instrumentsErr
	}
	out := make([]RawInstrument, len(p.instruments))
	copy(out, p.instruments)
	return out, nil
}

func (p *PaperBroker) updatePosition(acc *paperAccount, req models.OrderRequest) {
	key := fmt.Sprintf("%s:%s:%s", req.Exchange, req.Symbol, req.Product)

	pos, exists := acc.positions[key]
	if !exists {
		pos = &models.Position{
			TradingSymbol: req.Symbol,
			Exchange:      string(req.Exchange),
			ProductType:   string(req.Product),
		}
		acc.positions[key] = pos
	}

	if req.Side == models.OrderSideBuy {
		pos.NetQuantity += req.Quantity
	} else {
		pos.NetQuantity -= req.Quantity
	}

	// If position is closed, remove it
	if pos.NetQuantity == 0 {
		delete(acc.positions, key)
	}
}

// SetHolding seeds a holding for an account.
func (p *PaperBroker) SetHolding(clientCode string, h models.Holding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hc := h
	p.account(clientCode).holdings[h.TradingSymbol] = &hc
}

// FailLogin makes every login of clientCode fail with err. A nil err clears it.
func (p *PaperBroker) FailLogin(clientCode string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.loginFailures, clientCode)
		return
	}
	p.loginFailures[clientCode] = err
}

// FailOrders makes the next n placements of clientCode fail with err.
// A negative n fails every placement.
func (p *PaperBroker) FailOrders(clientCode string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orderFailures[clientCode] = &injectedFailure{remaining: n, err: err}
}

// FailInstruments makes FetchInstrumentMaster fail with err. A nil err clears it.
func (p *PaperBroker) FailInstruments(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instrumentsErr = err
}

// SetInstruments replaces the instrument records.
func (p *PaperBroker) SetInstruments(records []RawInstrument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instruments = records
}

// SetLatency changes the simulated placement latency.
func (p *PaperBroker) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// Orders returns the orders accepted for clientCode.
func (p *PaperBroker) Orders(clientCode string) []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[clientCode]
	if !ok {
		return nil
	}
	out := make([]PaperOrder, len(acc.orders))
	copy(out, acc.orders)
	return out
}

// Reset clears every account book and injected failure.
func (p *PaperBroker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = make(map[string]*paperAccount)
	p.sessions = make(map[string]string)
	p.loginFailures = make(map[string]error)
	p.orderFailures = make(map[string]*injectedFailure)
	p.instrumentsErr = nil
	p.orderCounter = 0
	p.sessionCounter = 0
}

// IsPaperTrading returns true for paper broker.
func (p *PaperBroker) IsPaperTrading() bool {
	return true
}

// SampleInstruments returns a small scrip master used in paper mode.
func SampleInstruments() []RawInstrument {
	return []RawInstrument{
		{Token: "2885", Symbol: "RELIANCE-EQ", Name: "RELIANCE", Expiry: "", Strike: "-1.000000", LotSize: "1", InstrumentType: "", ExchSeg: "NSE", TickSize: "5.000000"},
		{Token: "11536", Symbol: "TCS-EQ", Name: "TCS", Expiry: "", Strike: "-1.000000", LotSize: "1", InstrumentType: "", ExchSeg: "NSE", TickSize: "5.000000"},
		{Token: "1594", Symbol: "INFY-EQ", Name: "INFY", Expiry: "", Strike: "-1.000000", LotSize: "1", InstrumentType: "", ExchSeg: "NSE", TickSize: "5.000000"},
		{Token: "35001", Symbol: "NIFTY27FEB25FUT", Name: "NIFTY", Expiry: "27FEB2025", Strike: "-1.000000", LotSize: "75", InstrumentType: "FUTIDX", ExchSeg: "NFO", TickSize: "10.000000"},
		{Token: "35002", Symbol: "NIFTY30JAN25FUT", Name: "NIFTY", Expiry: "30JAN2025", Strike: "-1.000000", LotSize: "75", InstrumentType: "FUTIDX", ExchSeg: "NFO", TickSize: "10.000000"},
		{Token: "35003", Symbol: "RELIANCE30JAN25FUT", Name: "RELIANCE", Expiry: "30JAN2025", Strike: "-1.000000", LotSize: "500", InstrumentType: "FUTSTK", ExchSeg: "NFO", TickSize: "10.000000"},
		{Token: "43101", Symbol: "NIFTY30JAN2523500CE", Name: "NIFTY", Expiry: "30JAN2025", Strike: "2350000.000000", LotSize: "75", InstrumentType: "OPTIDX", ExchSeg: "NFO", TickSize: "5.000000"},
		{Token: "43102", Symbol: "NIFTY30JAN2523500PE", Name: "NIFTY", Expiry: "30JAN2025", Strike: "2350000.000000", LotSize: "75", InstrumentType: "OPTIDX", ExchSeg: "NFO", TickSize: "5.000000"},
		{Token: "43201", Symbol: "NIFTY27FEB2523500CE", Name: "NIFTY", Expiry: "27FEB2025", Strike: "2350000.000000", LotSize: "75", InstrumentType: "OPTIDX", ExchSeg: "NFO", TickSize: "5.000000"},
		{Token: "43103", Symbol: "NIFTY30JAN2523600CE", Name: "NIFTY", Expiry: "30JAN2025", Strike: "2360000.000000", LotSize: "75", InstrumentType: "OPTIDX", ExchSeg: "NFO", TickSize: "5.000000"},
	}
}

var _ Client = (*PaperBroker)(nil)
var _ InstrumentSource = (*PaperBroker)(nil)
