package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MarketSession represents the NSE session a moment falls into.
type MarketSession string

const (
	SessionPreOpen MarketSession = "PRE_OPEN"
	SessionOpen    MarketSession = "OPEN"
	SessionClosed  MarketSession = "CLOSED"
)

// SessionAt returns the NSE session at t. Exchange holidays are not modelled.
func SessionAt(t time.Time) MarketSession {
	now := t.In(IndiaLocation)

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return SessionClosed
	}

	timeMinutes := now.Hour()*60 + now.Minute()

	// Pre-open: 9:00 - 9:15
	if timeMinutes >= 540 && timeMinutes < 555 {
		return SessionPreOpen
	}
	// Market open: 9:15 - 15:30
	if timeMinutes >= 555 && timeMinutes < 930 {
		return SessionOpen
	}
	return SessionClosed
}

// NextMarketOpen returns the first market opening strictly after t.
func NextMarketOpen(t time.Time) time.Time {
	now := t.In(IndiaLocation)
	next := time.Date(now.Year(), now.Month(), now.Day(), 9, 15, 0, 0, IndiaLocation)
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
