package orchestrator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/yourorg/checkout-payments/internal/payerr"
	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/store"
)

// Phase is the checkout state of one order.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitializing
	PhaseAwaitingClientInput
	PhaseProcessing
	PhaseSettled
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:                "Idle",
	PhaseInitializing:        "Initializing",
	PhaseAwaitingClientInput: "AwaitingClientInput",
	PhaseProcessing:          "Processing",
	PhaseSettled:             "Settled",
	PhaseFailed:              "Failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "Unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// Snapshot is a point-in-time view of an order.
type Snapshot struct {
	OrderRef   string               `json:"order_ref"`
	Phase      Phase                `json:"phase"`
	Provider   payment.ProviderType `json:"provider,omitempty"`
	Amount     *payment.Amount      `json:"amount,omitempty"`
	CustomerID string               `json:"customer_id,omitempty"`
	// Attempts counts processing attempts, automatic retries included.
	Attempts     int                    `json:"attempts"`
	LatestResult *payment.PaymentResult `json:"latest_result,omitempty"`
	LastError    *payerr.Error          `json:"-"`
	// ReconciliationRequired is set while the outcome of a charge is unknown.
	ReconciliationRequired bool `json:"reconciliation_required"`
	// Retryable reports whether SubmitPayment may be called again.
	Retryable bool `json:"retryable"`
	// SettlementRecorded is false when a settled order could not be
	// persisted.
	SettlementRecorded bool      `json:"settlement_recorded"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// order is the state of one order reference. Every field is guarded by mu.
type order struct {
	mu sync.Mutex

	ref      string
	phase    Phase
	provider payment.ProviderType
	amount   payment.Amount
	customer payment.Customer
	init     payment.InitPayload

	attempts  int
	latest    *payment.PaymentResult
	latestSeq int
	lastErr   *payerr.Error
	reconcile bool
	// rejected holds the fingerprints of payloads the provider declined or
	// found invalid.
	rejected map[string]*payerr.Error

	settlementRecorded bool
	updatedAt          time.Time
}

func newOrder(ref string) *order {
	return &order{ref: ref, phase: PhaseIdle, rejected: make(map[string]*payerr.Error)}
}

// orderFromRecord rebuilds an order from its persisted payment outcome.
func orderFromRecord(rec store.OrderPayment) *order {
	o := newOrder(rec.OrderRef)
	o.provider = rec.Provider
	o.amount = rec.Amount
	o.customer = payment.Customer{ID: rec.CustomerID}
	o.attempts = rec.Attempt
	o.latestSeq = rec.Attempt
	o.updatedAt = rec.UpdatedAt

	switch rec.Status {
	case store.StatusSettled:
		o.phase = PhaseSettled
		res := payment.Succeeded(rec.TransactionID, rec.Metadata)
		o.latest = &res
		o.settlementRecorded = true
	default:
		o.phase = PhaseFailed
		res := payment.Failed(rec.Error, rec.Metadata)
		o.latest = &res
		o.reconcile = rec.ReconciliationRequired
		o.lastErr = payerr.ClassifyResult("restore", res)
		o.lastErr.Reconcile = rec.ReconciliationRequired
	}
	return o
}

// setPhase must be called with mu held.
func (o *order) setPhase(p Phase, now time.Time) {
	o.phase = p
	o.updatedAt = now
}

// recordResult keeps the result of the newest attempt. Must be called with
// mu held.
func (o *order) recordResult(seq int, res payment.PaymentResult) {
	if seq < o.latestSeq {
		return
	}
	o.latestSeq = seq
	o.latest = &res
}

// resubmittable reports whether a new attempt may follow a failure of kind k.
// Declined or invalid payment data may be replaced by the caller; anything
// else needs operator action or a fresh checkout.
func resubmittable(k payerr.Kind) bool {
	return k.Retryable() || k == payerr.Decline || k == payerr.ValidationError
}

// retryable must be called with mu held.
func (o *order) retryable() bool {
	if o.phase != PhaseFailed || o.reconcile || o.init.Empty() {
		return false
	}
	return o.lastErr == nil || resubmittable(o.lastErr.Kind)
}

// snapshot must be called with mu held.
func (o *order) snapshot() Snapshot {
	s := Snapshot{
		OrderRef:               o.ref,
		Phase:                  o.phase,
		Provider:               o.provider,
		CustomerID:             o.customer.ID,
		Attempts:               o.attempts,
		ReconciliationRequired: o.reconcile,
		Retryable:              o.retryable(),
		SettlementRecorded:     o.settlementRecorded,
		UpdatedAt:              o.updatedAt,
	}
	if o.amount.Currency != "" {
		amount := o.amount
		s.Amount = &amount
	}
	if o.latest != nil {
		res := *o.latest
		s.LatestResult = &res
	}
	if o.lastErr != nil {
		s.LastError = copyErr(o.lastErr)
	}
	return s
}

func copyErr(e *payerr.Error) *payerr.Error {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
