package models

import "time"

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderKind represents the price type of an order.
type OrderKind string

const (
	OrderKindMarket OrderKind = "MARKET"
	OrderKindLimit  OrderKind = "LIMIT"
)

// Variety represents the SmartAPI order variety.
type Variety string

const (
	VarietyNormal   Variety = "NORMAL"
	VarietyStopLoss Variety = "STOPLOSS"
	VarietyAMO      Variety = "AMO"
)

// ProductType represents the SmartAPI product type of an order.
type ProductType string

const (
	ProductCarryForward ProductType = "CARRYFORWARD"
	ProductIntraday     ProductType = "INTRADAY"
	ProductDelivery     ProductType = "DELIVERY"
)

// DurationDay is the only order validity used by the fan-out.
const DurationDay = "DAY"

// OrderRequest is one trading instruction dispatched to every account.
type OrderRequest struct {
	Symbol        string      `json:"symbol"`
	ExchangeToken string      `json:"exchange_token"`
	Exchange      Exchange    `json:"exchange"`
	Segment       Segment     `json:"segment"`
	Side          OrderSide   `json:"side"`
	Kind          OrderKind   `json:"kind"`
	Quantity      int         `json:"quantity"`
	Price         float64     `json:"price"`
	TriggerPrice  float64     `json:"trigger_price"`
	Variety       Variety     `json:"variety"`
	Product       ProductType `json:"product"`
	Duration      string      `json:"duration"`
}

// OutcomeStatus is the final state of one account's placement.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	OutcomeFailed  OutcomeStatus = "FAILED"
	OutcomeSkipped OutcomeStatus = "SKIPPED"
)

// OrderOutcome is the result of dispatching one OrderRequest to one account.
type OrderOutcome struct {
	AccountID     string        `json:"account_id"`
	Status        OutcomeStatus `json:"status"`
	BrokerOrderID string        `json:"broker_order_id,omitempty"`
	Error         string        `json:"error,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Attempts      int           `json:"attempts"`
	Duration      time.Duration `json:"duration"`
}
