package utils

import (
	"testing"
	"time"
)

func TestFormatIndianCurrency(t *testing.T) {
	tests := []struct {
		amount float64
		want   string
	}{
		{0, "₹0.00"},
		{999.5, "₹999.50"},
		{100000, "₹1,00,000.00"},
		{12345678.9, "₹1,23,45,678.90"},
		{-2500, "-₹2,500.00"},
	}
	for _, tt := range tests {
		if got := FormatIndianCurrency(tt.amount); got != tt.want {
			t.Errorf("FormatIndianCurrency(%v) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestFormatPnL(t *testing.T) {
	if got := FormatPnL(1500); got != "+₹1,500.00" {
		t.Errorf("FormatPnL(1500) = %q", got)
	}
	if got := FormatPnL(-75); got != "-₹75.00" {
		t.Errorf("FormatPnL(-75) = %q", got)
	}
}

func TestFormatQuantity(t *testing.T) {
	if got := FormatQuantity(1500000); got != "15,00,000" {
		t.Errorf("FormatQuantity = %q", got)
	}
	if got := FormatQuantity(-1200); got != "-1,200" {
		t.Errorf("FormatQuantity = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{2500 * time.Millisecond, "2.5s"},
		{90 * time.Second, "1m 30s"},
		{125 * time.Minute, "2h 5m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatDateTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)
	if got := FormatDateTime(ts); got != "01-Mar-2024 09:30:00" {
		t.Errorf("FormatDateTime = %q", got)
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("session unavailable", 10); got != "session..." {
		t.Errorf("TruncateString = %q", got)
	}
	if got := TruncateString("ok", 10); got != "ok" {
		t.Errorf("TruncateString = %q", got)
	}
}

func TestSessionAt(t *testing.T) {
	// 2024-06-03 is a Monday
	at := func(h, m int) time.Time {
		return time.Date(2024, 6, 3, h, m, 0, 0, IndiaLocation)
	}
	tests := []struct {
		t    time.Time
		want MarketSession
	}{
		{at(8, 59), SessionClosed},
		{at(9, 5), SessionPreOpen},
		{at(9, 15), SessionOpen},
		{at(15, 29), SessionOpen},
		{at(15, 30), SessionClosed},
		{time.Date(2024, 6, 1, 11, 0, 0, 0, IndiaLocation), SessionClosed}, // Saturday
	}
	for _, tt := range tests {
		if got := SessionAt(tt.t); got != tt.want {
			t.Errorf("SessionAt(%v) = %s, want %s", tt.t, got, tt.want)
		}
	}
}

func TestNextMarketOpen(t *testing.T) {
	friday := time.Date(2024, 6, 7, 16, 0, 0, 0, IndiaLocation)
	next := NextMarketOpen(friday)
	want := time.Date(2024, 6, 10, 9, 15, 0, 0, IndiaLocation)
	if !next.Equal(want) {
		t.Errorf("NextMarketOpen = %v, want %v", next, want)
	}
}
