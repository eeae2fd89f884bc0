package account

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"angel-fanout/internal/broker"
	apperrors "angel-fanout/internal/errors"
	"angel-fanout/internal/models"
)

// fakeClient is a broker.Client whose behaviour is set per test.
type fakeClient struct {
	mu        sync.Mutex
	loginErr  map[string]error
	holdings  []models.Holding
	positions []models.Position
	placeFn   func(ctx context.Context, session broker.SessionTokens, req models.OrderRequest) (string, error)
	logins    atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{loginErr: make(map[string]error)}
}

func (f *fakeClient) failLogin(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.loginErr, id)
		return
	}
	f.loginErr[id] = err
}

func (f *fakeClient) Login(ctx context.Context, creds broker.Credentials) (broker.SessionTokens, error) {
	f.logins.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loginErr[creds.ClientCode]; err != nil {
		return broker.SessionTokens{}, err
	}
	return broker.SessionTokens{AccessToken: "jwt-" + creds.ClientCode}, nil
}

func (f *fakeClient) FetchHoldings(ctx context.Context, session broker.SessionTokens) ([]models.Holding, error) {
	return f.holdings, nil
}

func (f *fakeClient) FetchPositions(ctx context.Context, session broker.SessionTokens) ([]models.Position, error) {
	return f.positions, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, session broker.SessionTokens, req models.OrderRequest) (string, error) {
	if f.placeFn != nil {
		return f.placeFn(ctx, session, req)
	}
	return "ORD-" + session.AccessToken, nil
}

func testOptions() Options {
	return Options{CallTimeout: time.Second, Logger: zerolog.Nop()}
}

func TestComputeQuantity(t *testing.T) {
	s := NewSession(newFakeClient(), models.AccountConfig{ID: "A", Capital: 100000}, testOptions())

	tests := []struct {
		price float64
		want  int
	}{
		{100, 100},
		{50, 200},
		{3000, 3},
		{20000, 0},
		{33.33, 300},
	}
	for _, tt := range tests {
		got, err := s.ComputeQuantity(tt.price)
		if err != nil {
			t.Errorf("ComputeQuantity(%v) error = %v", tt.price, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ComputeQuantity(%v) = %d, want %d", tt.price, got, tt.want)
		}
	}
}

func TestComputeQuantityInvalidPrice(t *testing.T) {
	s := NewSession(newFakeClient(), models.AccountConfig{ID: "A", Capital: 100000}, testOptions())

	for _, price := range []float64{0, -1, -100.5} {
		_, err := s.ComputeQuantity(price)
		if !errors.Is(err, apperrors.ErrInvalidPrice) {
			t.Errorf("ComputeQuantity(%v) error = %v, want ErrInvalidPrice", price, err)
		}
	}
}

func TestComputeQuantityPriceTooSmall(t *testing.T) {
	s := NewSession(newFakeClient(), models.AccountConfig{ID: "A", Capital: 1e6}, testOptions())

	for _, price := range []float64{1e-300, math.SmallestNonzeroFloat64} {
		got, err := s.ComputeQuantity(price)
		if !errors.Is(err, apperrors.ErrInvalidPrice) {
			t.Errorf("ComputeQuantity(%g) = %d, %v, want ErrInvalidPrice", price, got, err)
		}
		if got != 0 {
			t.Errorf("ComputeQuantity(%g) = %d, want 0", price, got)
		}
	}
}

func TestAuthenticateAndHoldingQuantity(t *testing.T) {
	client := newFakeClient()
	client.holdings = []models.Holding{
		{TradingSymbol: "SBIN-EQ", Quantity: 10},
		{TradingSymbol: "TCS-EQ", Quantity: 3},
	}
	client.positions = []models.Position{{TradingSymbol: "NIFTY30JAN25FUT", NetQuantity: 75, PnL: 120}}

	s := NewSession(client, models.AccountConfig{ID: "A", Secret: "pw", Capital: 50000}, testOptions())
	if s.Status() != StatusUninitialized {
		t.Errorf("initial status = %s", s.Status())
	}
	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if s.Status() != StatusReady {
		t.Errorf("status = %s, want READY", s.Status())
	}

	if got := s.HoldingQuantity("SBIN-EQ"); got != 10 {
		t.Errorf("HoldingQuantity(SBIN-EQ) = %d, want 10", got)
	}
	if got := s.HoldingQuantity("SBIN"); got != 0 {
		t.Errorf("HoldingQuantity(SBIN) = %d, want 0", got)
	}
	if got := s.HoldingQuantity("INFY-EQ"); got != 0 {
		t.Errorf("HoldingQuantity(INFY-EQ) = %d, want 0", got)
	}
	if got := len(s.Positions()); got != 1 {
		t.Errorf("positions = %d, want 1", got)
	}
}

func TestHoldingQuantityBeforeAuthenticate(t *testing.T) {
	s := NewSession(newFakeClient(), models.AccountConfig{ID: "A"}, testOptions())
	if got := s.HoldingQuantity("SBIN-EQ"); got != 0 {
		t.Errorf("HoldingQuantity = %d, want 0", got)
	}
}

func TestAuthenticateFailure(t *testing.T) {
	client := newFakeClient()
	client.failLogin("A", errors.New("invalid totp"))

	s := NewSession(client, models.AccountConfig{ID: "A"}, testOptions())
	err := s.Authenticate(context.Background())

	var authErr *apperrors.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want AuthError", err)
	}
	if authErr.AccountID != "A" || authErr.Stage != "login" {
		t.Errorf("AuthError = %+v", authErr)
	}
	if s.Status() != StatusFailed {
		t.Errorf("status = %s, want FAILED", s.Status())
	}
	if s.LastError() == nil {
		t.Error("LastError() = nil")
	}
}

func TestRefresh(t *testing.T) {
	client := newFakeClient()
	s := NewSession(client, models.AccountConfig{ID: "A"}, testOptions())
	ctx := context.Background()

	if err := s.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.Refresh(ctx) {
		t.Error("Refresh() = false, want true")
	}

	client.failLogin("A", errors.New("exchange down"))
	if s.Refresh(ctx) {
		t.Error("Refresh() = true, want false")
	}
	if s.Status() != StatusReady {
		t.Errorf("failed refresh changed status to %s", s.Status())
	}
}

func TestRefreshRecoversFailedSession(t *testing.T) {
	client := newFakeClient()
	client.failLogin("A", errors.New("bad"))
	s := NewSession(client, models.AccountConfig{ID: "A"}, testOptions())
	ctx := context.Background()

	_ = s.Authenticate(ctx)
	if s.Refresh(ctx) || s.Status() != StatusFailed {
		t.Fatalf("failed refresh should keep FAILED, got %s", s.Status())
	}

	client.failLogin("A", nil)
	if !s.Refresh(ctx) {
		t.Fatal("Refresh() = false")
	}
	if s.Status() != StatusReady {
		t.Errorf("status = %s, want READY", s.Status())
	}
}

func TestPlaceOrder(t *testing.T) {
	client := newFakeClient()
	s := NewSession(client, models.AccountConfig{ID: "A"}, testOptions())
	ctx := context.Background()
	req := models.OrderRequest{Symbol: "SBIN-EQ", Side: models.OrderSideBuy, Quantity: 1}

	_, err := s.PlaceOrder(ctx, req)
	if !errors.Is(err, apperrors.ErrSessionUnavailable) {
		t.Errorf("PlaceOrder before login error = %v, want ErrSessionUnavailable", err)
	}

	_ = s.Authenticate(ctx)
	id, err := s.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if id != "ORD-jwt-A" {
		t.Errorf("order id = %q", id)
	}

	client.placeFn = func(ctx context.Context, _ broker.SessionTokens, _ models.OrderRequest) (string, error) {
		return "", errors.New("RMS rejected")
	}
	_, err = s.PlaceOrder(ctx, req)
	var orderErr *apperrors.OrderError
	if !errors.As(err, &orderErr) || orderErr.AccountID != "A" {
		t.Errorf("error = %v, want OrderError for A", err)
	}
	if apperrors.Classify(err) != apperrors.KindOrder {
		t.Errorf("Classify() = %s, want ORDER", apperrors.Classify(err))
	}
}

func TestPlaceOrderTimeout(t *testing.T) {
	client := newFakeClient()
	client.placeFn = func(ctx context.Context, _ broker.SessionTokens, _ models.OrderRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	opts := testOptions()
	opts.CallTimeout = 20 * time.Millisecond
	s := NewSession(client, models.AccountConfig{ID: "A"}, opts)
	_ = s.Authenticate(context.Background())

	start := time.Now()
	_, err := s.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "X"})
	if time.Since(start) > time.Second {
		t.Error("PlaceOrder did not honour the call timeout")
	}

	var orderErr *apperrors.OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("error = %v, want OrderError", err)
	}
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestStringMasksSecret(t *testing.T) {
	s := NewSession(newFakeClient(), models.AccountConfig{ID: "A", Secret: "supersecret123"}, testOptions())
	if strings.Contains(s.String(), "supersecret123") {
		t.Errorf("String() leaks secret: %s", s.String())
	}
}

func TestInitializePool(t *testing.T) {
	client := newFakeClient()
	client.failLogin("B", errors.New("wrong pin"))

	configs := []models.AccountConfig{
		{ID: "A", Capital: 100000},
		{ID: "B", Capital: 200000},
		{ID: "C", Capital: 300000},
	}
	p, err := Initialize(context.Background(), client, configs, PoolOptions{Options: testOptions()})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if p.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", p.Len())
	}
	ids := []string{}
	for _, s := range p.Sessions() {
		ids = append(ids, s.ID())
	}
	if strings.Join(ids, ",") != "A,B,C" {
		t.Errorf("order = %v, want A,B,C", ids)
	}

	b, err := p.Get("B")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status() != StatusFailed {
		t.Errorf("B status = %s, want FAILED", b.Status())
	}
	if got := len(p.Ready()); got != 2 {
		t.Errorf("Ready() = %d, want 2", got)
	}

	if _, err := p.Get("Z"); !errors.Is(err, apperrors.ErrAccountNotFound) {
		t.Errorf("Get(Z) error = %v, want ErrAccountNotFound", err)
	}
}

func TestInitializeRejectsDuplicates(t *testing.T) {
	client := newFakeClient()
	configs := []models.AccountConfig{{ID: "A"}, {ID: "A"}}

	_, err := Initialize(context.Background(), client, configs, PoolOptions{Options: testOptions()})
	var valErr *apperrors.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if client.logins.Load() != 0 {
		t.Errorf("logins = %d, want none before validation passes", client.logins.Load())
	}
}

func TestRefreshAll(t *testing.T) {
	client := newFakeClient()
	configs := []models.AccountConfig{{ID: "A"}, {ID: "B"}}
	p, err := Initialize(context.Background(), client, configs, PoolOptions{Options: testOptions(), Concurrency: 1})
	if err != nil {
		t.Fatal(err)
	}

	client.failLogin("B", errors.New("locked"))
	got := p.RefreshAll(context.Background())
	if !got["A"] || got["B"] {
		t.Errorf("RefreshAll() = %v, want A:true B:false", got)
	}
}

func TestInitializeWithPaperBroker(t *testing.T) {
	pb := broker.NewPaperBroker(broker.PaperBrokerConfig{})
	pb.SetHolding("A", models.Holding{TradingSymbol: "INFY-EQ", Quantity: 7})

	p, err := Initialize(context.Background(), pb, []models.AccountConfig{{ID: "A", Capital: 10000}}, PoolOptions{Options: testOptions()})
	if err != nil {
		t.Fatal(err)
	}
	s, _ := p.Get("A")
	if got := s.HoldingQuantity("INFY-EQ"); got != 7 {
		t.Errorf("HoldingQuantity = %d, want 7", got)
	}
}
