// Package instruments provides the cached instrument master and its lookup
// queries.
package instruments

import (
	"strconv"
	"strings"
	"time"

	"angel-fanout/internal/broker"
	"angel-fanout/internal/models"
)

// expiryLayout matches the scrip master's expiry column, e.g. 26DEC2024.
// Month names are matched case-insensitively by time.Parse.
const expiryLayout = "02Jan2006"

// ConvertStats reports how many raw records were rejected.
type ConvertStats struct {
	Total    int
	Rejected int
}

// ConvertRecords turns raw scrip master records into typed rows, keeping
// the upstream order. Records whose expiry or strike cannot be parsed are
// dropped.
func ConvertRecords(records []broker.RawInstrument) ([]models.InstrumentRow, ConvertStats) {
	stats := ConvertStats{Total: len(records)}
	rows := make([]models.InstrumentRow, 0, len(records))

	for _, rec := range records {
		row, ok := convertRecord(rec)
		if !ok {
			stats.Rejected++
			continue
		}
		rows = append(rows, row)
	}
	return rows, stats
}

func convertRecord(rec broker.RawInstrument) (models.InstrumentRow, bool) {
	row := models.InstrumentRow{
		Name:           strings.TrimSpace(rec.Name),
		TradingSymbol:  strings.TrimSpace(rec.Symbol),
		Exchange:       models.Exchange(strings.TrimSpace(rec.ExchSeg)),
		InstrumentType: models.InstrumentType(strings.TrimSpace(rec.InstrumentType)),
		Token:          strings.TrimSpace(rec.Token),
	}

	if s := strings.TrimSpace(rec.Strike); s != "" {
		strike, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return row, false
		}
		row.Strike = strike
	}

	if s := strings.TrimSpace(rec.Expiry); s != "" {
		expiry, err := time.Parse(expiryLayout, s)
		if err != nil {
			return row, false
		}
		row.Expiry = expiry
	}

	if s := strings.TrimSpace(rec.LotSize); s != "" {
		if lot, err := strconv.Atoi(s); err == nil {
			row.LotSize = lot
		} else if f, err := strconv.ParseFloat(s, 64); err == nil {
			row.LotSize = int(f)
		}
	}

	if s := strings.TrimSpace(rec.TickSize); s != "" {
		if tick, err := strconv.ParseFloat(s, 64); err == nil {
			row.TickSize = tick
		}
	}

	return row, true
}
