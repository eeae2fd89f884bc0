package dispatch

import (
	"time"

	"angel-fanout/internal/models"
)

// Outcome reasons.
const (
	ReasonTimeout            = "Timeout"
	ReasonSessionUnavailable = "session unavailable"
)

// Report is the aggregate result of one dispatch. Outcomes are in pool order.
type Report struct {
	ID         string                `json:"id"`
	Request    models.OrderRequest   `json:"request"`
	Outcomes   []models.OrderOutcome `json:"outcomes"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	TimedOut   bool                  `json:"timed_out"`
}

// Summary counts outcomes by status.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Summary returns outcome counts.
func (r *Report) Summary() Summary {
	s := Summary{Total: len(r.Outcomes)}
	for _, o := range r.Outcomes {
		switch o.Status {
		case models.OutcomeSuccess:
			s.Succeeded++
		case models.OutcomeFailed:
			s.Failed++
		case models.OutcomeSkipped:
			s.Skipped++
		}
	}
	return s
}

// Duration returns the wall time of the dispatch.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Outcome returns the outcome for accountID.
func (r *Report) Outcome(accountID string) (models.OrderOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.AccountID == accountID {
			return o, true
		}
	}
	return models.OrderOutcome{}, false
}

// AllSucceeded reports whether every dispatched account succeeded. Skipped
// accounts do not count against it.
func (r *Report) AllSucceeded() bool {
	s := r.Summary()
	return s.Failed == 0 && s.Succeeded > 0
}
