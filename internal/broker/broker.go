// Package broker provides the brokerage capability interface and its
// SmartAPI and paper implementations.
package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"angel-fanout/internal/models"
)

// Client is the remote capability one account session depends on.
// Implementations must be safe for concurrent use by different accounts.
type Client interface {
	Login(ctx context.Context, creds Credentials) (SessionTokens, error)
	FetchHoldings(ctx context.Context, session SessionTokens) ([]models.Holding, error)
	FetchPositions(ctx context.Context, session SessionTokens) ([]models.Position, error)
	PlaceOrder(ctx context.Context, session SessionTokens, req models.OrderRequest) (string, error)
}

// InstrumentSource supplies the raw instrument master.
type InstrumentSource interface {
	FetchInstrumentMaster(ctx context.Context) ([]RawInstrument, error)
}

// Credentials identify one trading account at login.
type Credentials struct {
	ClientCode string
	Password   string
	TOTPSecret string
}

// SessionTokens is the state returned by a successful login.
type SessionTokens struct {
	AccessToken  string
	RefreshToken string
	FeedToken    string
}

// Valid reports whether the session carries an access token.
func (s SessionTokens) Valid() bool {
	return s.AccessToken != ""
}

// RawInstrument is one record of the scrip master as published upstream.
// Numeric columns arrive as strings.
type RawInstrument struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	LotSize        string `json:"lotsize"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
	TickSize       string `json:"tick_size"`
}

// OrderPayload builds the placeOrder body for req.
func OrderPayload(req models.OrderRequest) map[string]any {
	return map[string]any{
		"variety":         string(req.Variety),
		"tradingsymbol":   req.Symbol,
		"symboltoken":     req.ExchangeToken,
		"transactiontype": string(req.Side),
		"exchange":        string(req.Exchange),
		"ordertype":       string(req.Kind),
		"producttype":     string(req.Product),
		"duration":        req.Duration,
		"price":           strconv.FormatFloat(req.Price, 'f', -1, 64),
		"triggerprice":    strconv.FormatFloat(req.TriggerPrice, 'f', -1, 64),
		"quantity":        strconv.Itoa(req.Quantity),
	}
}

// flexFloat decodes a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

var _ json.Unmarshaler = (*flexFloat)(nil)
