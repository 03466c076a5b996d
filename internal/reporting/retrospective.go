// Package reporting keeps a journal of payment attempts and summarizes it.
package reporting

import (
	"sync"
	"time"
)

// Outcome of one attempt as recorded in the journal.
type Outcome string

const (
	OutcomeSettled   Outcome = "SETTLED"
	OutcomeDeclined  Outcome = "DECLINED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeRetry     Outcome = "RETRY"
	OutcomeReconcile Outcome = "RECONCILE"
)

// AttemptEntry is one payment attempt.
type AttemptEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	AttemptID   string    `json:"attempt_id"`
	OrderRef    string    `json:"order_ref"`
	Attempt     int       `json:"attempt"`
	Provider    string    `json:"provider"`
	Outcome     Outcome   `json:"outcome"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Kind        string    `json:"error_kind,omitempty"`
	Code        string    `json:"error_code,omitempty"`
}

// RetrospectiveReport summarizes a set of attempts.
type RetrospectiveReport struct {
	TotalAttempts          int              `json:"total_attempts"`
	SettledPayments        int              `json:"settled_payments"`
	DeclinedAttempts       int              `json:"declined_attempts"`
	FailedAttempts         int              `json:"failed_attempts"`
	RetriedAttempts        int              `json:"retried_attempts"`
	ReconciliationRequired int              `json:"reconciliation_required"`
	AmountByCurrency       map[string]int64 `json:"amount_by_currency"` // settled, minor units
	ErrorBreakdown         map[string]int   `json:"error_breakdown"`
	ProviderUsage          map[string]int   `json:"provider_usage"`
	DateFrom               time.Time        `json:"date_from"`
	DateTo                 time.Time        `json:"date_to"`
	ProcessingDuration     time.Duration    `json:"processing_duration"`
}

// RetrospectiveReporter generates retrospective reports from attempt entries.
type RetrospectiveReporter struct{}

func NewRetrospectiveReporter() *RetrospectiveReporter {
	return &RetrospectiveReporter{}
}

// GenerateRetrospective analyzes entries and produces a report.
func (rr *RetrospectiveReporter) GenerateRetrospective(entries []AttemptEntry) (*RetrospectiveReport, error) {
	report := &RetrospectiveReport{
		AmountByCurrency: make(map[string]int64),
		ErrorBreakdown:   make(map[string]int),
		ProviderUsage:    make(map[string]int),
	}

	for i, e := range entries {
		report.TotalAttempts++

		if i == 0 || e.Timestamp.Before(report.DateFrom) {
			report.DateFrom = e.Timestamp
		}
		if i == 0 || e.Timestamp.After(report.DateTo) {
			report.DateTo = e.Timestamp
		}

		if e.Provider != "" {
			report.ProviderUsage[e.Provider]++
		}
		if e.Outcome != OutcomeSettled && e.Code != "" {
			report.ErrorBreakdown[e.Code]++
		}

		switch e.Outcome {
		case OutcomeSettled:
			report.SettledPayments++
			report.AmountByCurrency[e.Currency] += e.AmountMinor
		case OutcomeDeclined:
			report.DeclinedAttempts++
		case OutcomeFailed:
			report.FailedAttempts++
		case OutcomeRetry:
			report.RetriedAttempts++
		case OutcomeReconcile:
			report.ReconciliationRequired++
		}
	}

	report.ProcessingDuration = report.DateTo.Sub(report.DateFrom)
	return report, nil
}

const defaultJournalCapacity = 10000

// Journal is a bounded in-memory log of attempts. When full, the oldest
// entries are dropped.
type Journal struct {
	mu      sync.RWMutex
	entries []AttemptEntry
	next    int
	full    bool
}

// NewJournal creates a journal holding up to capacity entries.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = defaultJournalCapacity
	}
	return &Journal{entries: make([]AttemptEntry, capacity)}
}

func (j *Journal) Record(e AttemptEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries[j.next] = e
	j.next++
	if j.next == len(j.entries) {
		j.next = 0
		j.full = true
	}
}

// Entries returns the recorded attempts at or after since, oldest first. A
// zero since returns everything.
func (j *Journal) Entries(since time.Time) []AttemptEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var ordered []AttemptEntry
	if j.full {
		ordered = append(ordered, j.entries[j.next:]...)
	}
	ordered = append(ordered, j.entries[:j.next]...)

	out := make([]AttemptEntry, 0, len(ordered))
	for _, e := range ordered {
		if since.IsZero() || !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// ForOrder returns the attempts recorded for one order, oldest first.
func (j *Journal) ForOrder(orderRef string) []AttemptEntry {
	all := j.Entries(time.Time{})
	out := make([]AttemptEntry, 0)
	for _, e := range all {
		if e.OrderRef == orderRef {
			out = append(out, e)
		}
	}
	return out
}
