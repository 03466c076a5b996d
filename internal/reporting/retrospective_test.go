package reporting

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrospectiveReporter_GenerateRetrospective(t *testing.T) {
	reporter := NewRetrospectiveReporter()

	time1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	time2 := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)
	time3 := time.Date(2026, 1, 1, 10, 10, 0, 0, time.UTC)
	time4 := time.Date(2026, 1, 1, 9, 55, 0, 0, time.UTC)

	tests := []struct {
		name     string
		entries  []AttemptEntry
		expected *RetrospectiveReport
	}{
		{
			name:    "EmptyJournal",
			entries: []AttemptEntry{},
			expected: &RetrospectiveReport{
				AmountByCurrency: map[string]int64{},
				ErrorBreakdown:   map[string]int{},
				ProviderUsage:    map[string]int{},
			},
		},
		{
			name: "SingleSettlement",
			entries: []AttemptEntry{
				{Timestamp: time1, OrderRef: "o1", Attempt: 1, Provider: "card", Outcome: OutcomeSettled, AmountMinor: 5000, Currency: "JPY"},
			},
			expected: &RetrospectiveReport{
				TotalAttempts:    1,
				SettledPayments:  1,
				AmountByCurrency: map[string]int64{"JPY": 5000},
				ErrorBreakdown:   map[string]int{},
				ProviderUsage:    map[string]int{"card": 1},
				DateFrom:         time1,
				DateTo:           time1,
			},
		},
		{
			name: "MixedOutcomesOutOfOrder",
			entries: []AttemptEntry{
				{Timestamp: time2, OrderRef: "o1", Attempt: 1, Provider: "card", Outcome: OutcomeDeclined, AmountMinor: 5000, Currency: "JPY", Kind: "Decline", Code: "card_declined"},
				{Timestamp: time3, OrderRef: "o1", Attempt: 2, Provider: "card", Outcome: OutcomeSettled, AmountMinor: 5000, Currency: "JPY"},
				{Timestamp: time1, OrderRef: "o2", Attempt: 1, Provider: "wallet", Outcome: OutcomeRetry, AmountMinor: 1999, Currency: "USD", Kind: "TransientProviderError", Code: "rate_limit"},
				{Timestamp: time4, OrderRef: "o2", Attempt: 2, Provider: "wallet", Outcome: OutcomeReconcile, AmountMinor: 1999, Currency: "USD", Kind: "TransientProviderError", Code: "processing"},
				{Timestamp: time2, OrderRef: "o3", Attempt: 1, Provider: "generic", Outcome: OutcomeFailed, AmountMinor: 100, Currency: "EUR", Kind: "ConfigurationError"},
				{Timestamp: time3, OrderRef: "o4", Attempt: 1, Provider: "card", Outcome: OutcomeSettled, AmountMinor: 2500, Currency: "USD"},
			},
			expected: &RetrospectiveReport{
				TotalAttempts:          6,
				SettledPayments:        2,
				DeclinedAttempts:       1,
				FailedAttempts:         1,
				RetriedAttempts:        1,
				ReconciliationRequired: 1,
				AmountByCurrency:       map[string]int64{"JPY": 5000, "USD": 2500},
				ErrorBreakdown:         map[string]int{"card_declined": 1, "rate_limit": 1, "processing": 1},
				ProviderUsage:          map[string]int{"card": 3, "wallet": 2, "generic": 1},
				DateFrom:               time4,
				DateTo:                 time3,
				ProcessingDuration:     time3.Sub(time4),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := reporter.GenerateRetrospective(tt.entries)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, report)
		})
	}
}

func TestJournal_RecordAndEntries(t *testing.T) {
	j := NewJournal(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		j.Record(AttemptEntry{Timestamp: base.Add(time.Duration(i) * time.Minute), OrderRef: "o", Attempt: i + 1})
	}

	all := j.Entries(time.Time{})
	require.Len(t, all, 3, "oldest entries are dropped once full")
	assert.Equal(t, 3, all[0].Attempt)
	assert.Equal(t, 5, all[2].Attempt)

	recent := j.Entries(base.Add(4 * time.Minute))
	require.Len(t, recent, 1)
	assert.Equal(t, 5, recent[0].Attempt)
}

func TestJournal_ForOrderAndDefaults(t *testing.T) {
	j := NewJournal(0)
	assert.Len(t, j.entries, defaultJournalCapacity)

	j.Record(AttemptEntry{OrderRef: "a", Attempt: 1})
	j.Record(AttemptEntry{OrderRef: "b", Attempt: 1})
	j.Record(AttemptEntry{OrderRef: "a", Attempt: 2})

	got := j.ForOrder("a")
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, 2, got[1].Attempt)
	assert.False(t, got[0].Timestamp.IsZero(), "timestamp is filled in")
	assert.Empty(t, j.ForOrder("missing"))
}

func TestJournal_Concurrent(t *testing.T) {
	j := NewJournal(100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j.Record(AttemptEntry{OrderRef: "o", Attempt: i})
			_ = j.Entries(time.Time{})
		}(i)
	}
	wg.Wait()
	assert.Len(t, j.Entries(time.Time{}), 50)
}
