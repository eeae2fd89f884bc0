// Package models provides domain models for the multi-account trading application.
package models

import (
	"strings"
	"time"
)

// Exchange represents an exchange segment as named by the scrip master.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	MCX Exchange = "MCX" // Commodity
)

// Segment represents the market category of an instrument.
type Segment string

const (
	SegmentEquity Segment = "EQUITY"
	SegmentFuture Segment = "FUTURE"
	SegmentOption Segment = "OPTION"
)

// ParseSegment parses a segment name, case-insensitively.
func ParseSegment(s string) (Segment, bool) {
	switch Segment(strings.ToUpper(strings.TrimSpace(s))) {
	case SegmentEquity, "CASH", "EQ":
		return SegmentEquity, true
	case SegmentFuture, "FUT":
		return SegmentFuture, true
	case SegmentOption, "OPT":
		return SegmentOption, true
	}
	return "", false
}

// InstrumentType is the scrip master instrument type column.
type InstrumentType string

const (
	InstrumentEquity InstrumentType = "EQ"
	InstrumentFutIdx InstrumentType = "FUTIDX"
	InstrumentFutStk InstrumentType = "FUTSTK"
	InstrumentOptIdx InstrumentType = "OPTIDX"
	InstrumentOptStk InstrumentType = "OPTSTK"
)

// IsFuture reports whether t is an index or stock future.
func (t InstrumentType) IsFuture() bool {
	return t == InstrumentFutIdx || t == InstrumentFutStk
}

// IsOption reports whether t is an index or stock option.
func (t InstrumentType) IsOption() bool {
	return t == InstrumentOptIdx || t == InstrumentOptStk
}

// OptionType is the CE/PE suffix of an option trading symbol.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Valid reports whether o is CE or PE.
func (o OptionType) Valid() bool {
	return o == OptionCall || o == OptionPut
}

// StrikeMultiplier is the factor between a nominal strike and the value
// stored in the scrip master's strike column.
const StrikeMultiplier = 100

// InstrumentRow is one record of the instrument master.
type InstrumentRow struct {
	Name           string         `json:"name"`
	TradingSymbol  string         `json:"symbol"`
	Exchange       Exchange       `json:"exch_seg"`
	InstrumentType InstrumentType `json:"instrumenttype"`
	Strike         float64        `json:"strike"` // StrikeMultiplier x nominal strike
	Expiry         time.Time      `json:"expiry"` // zero for cash instruments
	Token          string         `json:"token"`
	LotSize        int            `json:"lotsize"`
	TickSize       float64        `json:"tick_size"`
}

// NominalStrike returns the strike in index/price points.
func (r InstrumentRow) NominalStrike() float64 {
	return r.Strike / StrikeMultiplier
}

// OptionType returns the CE/PE suffix of an option symbol, or "" for
// other instruments.
func (r InstrumentRow) OptionType() OptionType {
	switch {
	case strings.HasSuffix(r.TradingSymbol, string(OptionCall)):
		return OptionCall
	case strings.HasSuffix(r.TradingSymbol, string(OptionPut)):
		return OptionPut
	}
	return ""
}

// Holding represents a delivery holding of one account.
type Holding struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange,omitempty"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"averageprice,omitempty"`
	LTP           float64 `json:"ltp,omitempty"`
	PnL           float64 `json:"profitandloss,omitempty"`
}

// Position represents an open position of one account.
type Position struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange,omitempty"`
	ProductType   string  `json:"producttype,omitempty"`
	NetQuantity   int     `json:"netqty"`
	PnL           float64 `json:"pnl"`
}

// AccountConfig is one row of the configured account list.
type AccountConfig struct {
	ID         string  `csv:"Code"`
	Secret     string  `csv:"Pass"`
	Capital    float64 `csv:"Capital"`
	TOTPSecret string  `csv:"TOTP"`
}
