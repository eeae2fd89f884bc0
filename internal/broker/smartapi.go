package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	apperrors "angel-fanout/internal/errors"
	"angel-fanout/internal/logging"
	"angel-fanout/internal/models"
	"angel-fanout/internal/security"
)

const (
	DefaultRootURL        = "https://apiconnect.angelone.in"
	DefaultScripMasterURL = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"
)

var routes = map[string]string{
	"api.login":       "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":      "/rest/secure/angelbroking/user/v1/logout",
	"api.order.place": "/rest/secure/angelbroking/order/v1/placeOrder",
	"api.holding":     "/rest/secure/angelbroking/portfolio/v1/getHolding",
	"api.position":    "/rest/secure/angelbroking/order/v1/getPosition",
}

// SmartAPIConfig holds configuration for the SmartAPI client.
type SmartAPIConfig struct {
	APIKey         string
	RootURL        string
	ScripMasterURL string
	Timeout        time.Duration
	ClientLocalIP  string
	ClientPublicIP string
	ClientMAC      string
	Logger         zerolog.Logger
}

// SmartAPIClient implements Client and InstrumentSource over the Angel One
// SmartAPI REST endpoints. Session tokens are passed per call, so one client
// serves every account.
type SmartAPIClient struct {
	apiKey         string
	rootURL        string
	scripMasterURL string
	httpClient     *http.Client
	localIP        string
	publicIP       string
	mac            string
	logger         zerolog.Logger
	now            func() time.Time
}

// NewSmartAPIClient creates a new SmartAPI client.
func NewSmartAPIClient(cfg SmartAPIConfig) *SmartAPIClient {
	if cfg.RootURL == "" {
		cfg.RootURL = DefaultRootURL
	}
	if cfg.ScripMasterURL == "" {
		cfg.ScripMasterURL = DefaultScripMasterURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = localIP()
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = cfg.ClientLocalIP
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macAddress()
	}

	return &SmartAPIClient{
		apiKey:         cfg.APIKey,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		scripMasterURL: cfg.ScripMasterURL,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		localIP:        cfg.ClientLocalIP,
		publicIP:       cfg.ClientPublicIP,
		mac:            cfg.ClientMAC,
		logger:         cfg.Logger,
		now:            time.Now,
	}
}

// envelope is the common SmartAPI response shape.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// Login authenticates one account with client code, password/PIN and an
// optional TOTP secret.
func (c *SmartAPIClient) Login(ctx context.Context, creds Credentials) (SessionTokens, error) {
	params := map[string]any{
		"clientcode": creds.ClientCode,
		"password":   creds.Password,
	}
	if creds.TOTPSecret != "" {
		code, err := totp.GenerateCode(creds.TOTPSecret, c.now())
		if err != nil {
			return SessionTokens{}, apperrors.NewRemoteError("login", "TOTP", "generating TOTP code", err)
		}
		params["totp"] = code
	}

	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := c.call(ctx, http.MethodPost, "api.login", SessionTokens{}, params, &data); err != nil {
		return SessionTokens{}, err
	}
	if data.JWTToken == "" {
		return SessionTokens{}, apperrors.NewRemoteError("login", "", "login response carried no token", nil)
	}

	return SessionTokens{
		AccessToken:  data.JWTToken,
		RefreshToken: data.RefreshToken,
		FeedToken:    data.FeedToken,
	}, nil
}

// Logout terminates the session for clientCode.
func (c *SmartAPIClient) Logout(ctx context.Context, session SessionTokens, clientCode string) error {
	return c.call(ctx, http.MethodPost, "api.logout", session, map[string]any{"clientcode": clientCode}, nil)
}

type holdingWire struct {
	TradingSymbol string    `json:"tradingsymbol"`
	Exchange      string    `json:"exchange"`
	Quantity      flexFloat `json:"quantity"`
	AveragePrice  flexFloat `json:"averageprice"`
	LTP           flexFloat `json:"ltp"`
	PnL           flexFloat `json:"profitandloss"`
}

// FetchHoldings returns the delivery holdings of the session's account.
func (c *SmartAPIClient) FetchHoldings(ctx context.Context, session SessionTokens) ([]models.Holding, error) {
	var wire []holdingWire
	if err := c.call(ctx, http.MethodGet, "api.holding", session, nil, &wire); err != nil {
		return nil, err
	}

	holdings := make([]models.Holding, 0, len(wire))
	for _, h := range wire {
		holdings = append(holdings, models.Holding{
			TradingSymbol: h.TradingSymbol,
			Exchange:      h.Exchange,
			Quantity:      int(h.Quantity),
			AveragePrice:  float64(h.AveragePrice),
			LTP:           float64(h.LTP),
			PnL:           float64(h.PnL),
		})
	}
	return holdings, nil
}

type positionWire struct {
	TradingSymbol string    `json:"tradingsymbol"`
	Exchange      string    `json:"exchange"`
	ProductType   string    `json:"producttype"`
	NetQty        flexFloat `json:"netqty"`
	PnL           flexFloat `json:"pnl"`
}

// FetchPositions returns the open positions of the session's account.
func (c *SmartAPIClient) FetchPositions(ctx context.Context, session SessionTokens) ([]models.Position, error) {
	var wire []positionWire
	if err := c.call(ctx, http.MethodGet, "api.position", session, nil, &wire); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(wire))
	for _, p := range wire {
		positions = append(positions, models.Position{
			TradingSymbol: p.TradingSymbol,
			Exchange:      p.Exchange,
			ProductType:   p.ProductType,
			NetQuantity:   int(p.NetQty),
			PnL:           float64(p.PnL),
		})
	}
	return positions, nil
}

// PlaceOrder submits one order and returns the broker order id.
func (c *SmartAPIClient) PlaceOrder(ctx context.Context, session SessionTokens, req models.OrderRequest) (string, error) {
	var data struct {
		OrderID string `json:"orderid"`
	}
	if err := c.call(ctx, http.MethodPost, "api.order.place", session, OrderPayload(req), &data); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", apperrors.NewRemoteError("placeOrder", "", "response carried no order id", nil)
	}
	return data.OrderID, nil
}

// FetchInstrumentMaster downloads the full scrip master.
func (c *SmartAPIClient) FetchInstrumentMaster(ctx context.Context) ([]RawInstrument, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.scripMasterURL, nil)
	if err != nil {
		return nil, apperrors.NewRemoteError("scripMaster", "", "building request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.LogAPICall(c.logger, http.MethodGet, "scripMaster", time.Since(start), err)
		return nil, apperrors.NewRemoteError("scripMaster", "", "request failed", apperrors.Timeout(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := apperrors.NewRemoteError("scripMaster", resp.Status, "unexpected status", nil)
		logging.LogAPICall(c.logger, http.MethodGet, "scripMaster", time.Since(start), err)
		return nil, err
	}

	var records []RawInstrument
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, apperrors.NewRemoteError("scripMaster", "", "decoding instrument master", apperrors.Timeout(err))
	}
	logging.LogAPICall(c.logger, http.MethodGet, "scripMaster", time.Since(start), nil)
	return records, nil
}

func (c *SmartAPIClient) requestHeaders(session SessionTokens) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", c.localIP)
	h.Set("X-ClientPublicIP", c.publicIP)
	h.Set("X-MACAddress", c.mac)
	h.Set("X-PrivateKey", c.apiKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	if session.AccessToken != "" {
		h.Set("Authorization", "Bearer "+session.AccessToken)
	}
	return h
}

// call performs one request and decodes the envelope's data into out.
func (c *SmartAPIClient) call(ctx context.Context, method, route string, session SessionTokens, params map[string]any, out any) error {
	uri, ok := routes[route]
	if !ok {
		return fmt.Errorf("unknown route: %s", route)
	}

	var body io.Reader
	if method != http.MethodGet && params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return apperrors.NewRemoteError(route, "", "encoding request", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.rootURL+uri, body)
	if err != nil {
		return apperrors.NewRemoteError(route, "", "building request", err)
	}
	req.Header = c.requestHeaders(session)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.LogAPICall(c.logger, method, route, time.Since(start), err)
		return apperrors.NewRemoteError(route, "", "request failed", apperrors.Timeout(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewRemoteError(route, resp.Status, "reading response", apperrors.Timeout(err))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		err = apperrors.NewRemoteError(route, resp.Status,
			security.MaskSensitive(truncate(string(raw), 200)), fmt.Errorf("couldn't parse JSON response: %w", err))
		logging.LogAPICall(c.logger, method, route, time.Since(start), err)
		return err
	}
	if !env.Status {
		err := apperrors.NewRemoteError(route, env.ErrorCode, security.MaskSensitive(env.Message), nil)
		logging.LogAPICall(c.logger, method, route, time.Since(start), err)
		return err
	}
	logging.LogAPICall(c.logger, method, route, time.Since(start), nil)

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.NewRemoteError(route, "", "decoding response data", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// localIP finds the first non-loopback IPv4 address.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

func macAddress() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

var _ Client = (*SmartAPIClient)(nil)
var _ InstrumentSource = (*SmartAPIClient)(nil)

