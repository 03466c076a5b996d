// Package orchestrator runs the checkout state machine of each order:
// Idle → Initializing → AwaitingClientInput → Processing → {Settled, Failed}.
// It guarantees at most one provider charge in flight per order reference,
// retries transient failures within the retry policy, and refuses new
// attempts while the outcome of an earlier charge is unknown.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-payments/internal/events"
	"github.com/yourorg/checkout-payments/internal/metrics"
	"github.com/yourorg/checkout-payments/internal/payerr"
	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/policy"
	"github.com/yourorg/checkout-payments/internal/provider"
	"github.com/yourorg/checkout-payments/internal/reporting"
	"github.com/yourorg/checkout-payments/internal/store"
)

// Operation names used in classified errors.
const (
	opStart     = "start_checkout"
	opSubmit    = "submit_payment"
	opSave      = "save_method"
	opReconcile = "resolve_reconciliation"
	opStatus    = "status"
)

// Guard scopes.
const (
	scopeOrder = "order"
	scopeSave  = "save"
)

const guardReleaseTimeout = 5 * time.Second

// ProviderResolver maps a provider type to its instance.
type ProviderResolver interface {
	Resolve(t payment.ProviderType) (provider.Provider, error)
}

// ProviderCaller executes provider operations behind the breaker and the
// per-operation deadlines. Errors it returns are classified.
type ProviderCaller interface {
	Initialize(ctx context.Context, p provider.Provider, amount payment.Amount, customer payment.Customer) (payment.InitPayload, error)
	Process(ctx context.Context, p provider.Provider, data payment.Payload) (payment.PaymentResult, error)
	Save(ctx context.Context, p provider.Provider, userID string, data payment.Payload) (payment.StoredPaymentMethod, error)
}

// PolicyEnforcer decides whether a failed attempt is retried automatically.
type PolicyEnforcer interface {
	Evaluate(f policy.Facts) (policy.PolicyDecision, error)
}

// InFlightGuard is a lock shared between replicas of the service.
type InFlightGuard interface {
	TryLock(ctx context.Context, scope, key string) (token string, ok bool, err error)
	Unlock(ctx context.Context, scope, key, token string) error
}

// AttemptRecorder receives one entry per finished attempt.
type AttemptRecorder interface {
	Record(e reporting.AttemptEntry)
}

// Config tunes automatic retries. Zero values use defaults.
type Config struct {
	// MaxAttempts bounds the provider calls of one SubmitPayment.
	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

const (
	defaultMaxAttempts          = 3
	defaultRetryInitialInterval = 200 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
)

// Option configures optional collaborators.
type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPublisher sends lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithJournal records every attempt in r.
func WithJournal(r AttemptRecorder) Option {
	return func(o *Orchestrator) { o.journal = r }
}

// WithGuard adds a cross-replica in-flight guard on top of the in-process
// one.
func WithGuard(g InFlightGuard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

// Orchestrator coordinates checkouts across providers.
type Orchestrator struct {
	registry ProviderResolver
	router   ProviderCaller
	policy   PolicyEnforcer
	store    store.Store
	cfg      Config

	logger    *zap.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher
	journal   AttemptRecorder
	guard     InFlightGuard
	tracer    trace.Tracer
	now       func() time.Time

	// mu guards orders and saves, never the state of an order.
	mu     sync.Mutex
	orders map[string]*order
	saves  map[string]struct{}
}

// NewOrchestrator creates an Orchestrator. The resolver, caller, policy and
// store are required.
func NewOrchestrator(reg ProviderResolver, r ProviderCaller, pe PolicyEnforcer, st store.Store, cfg Config, opts ...Option) *Orchestrator {
	if reg == nil {
		panic("ProviderResolver cannot be nil")
	}
	if r == nil {
		panic("ProviderCaller cannot be nil")
	}
	if pe == nil {
		panic("PolicyEnforcer cannot be nil")
	}
	if st == nil {
		panic("Store cannot be nil")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = defaultRetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = defaultRetryMaxInterval
	}

	o := &Orchestrator{
		registry:  reg,
		router:    r,
		policy:    pe,
		store:     st,
		cfg:       cfg,
		logger:    zap.NewNop(),
		publisher: events.Nop{},
		tracer:    otel.Tracer("orchestrator"),
		now:       time.Now,
		orders:    make(map[string]*order),
		saves:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns a snapshot of the order. The boolean is false when the
// order is unknown both in memory and in the store.
func (o *Orchestrator) Status(ctx context.Context, orderRef string) (Snapshot, bool, error) {
	ord, err := o.lookup(ctx, orderRef, false)
	if err != nil {
		return Snapshot{}, false, err
	}
	if ord == nil {
		return Snapshot{}, false, nil
	}
	ord.mu.Lock()
	defer ord.mu.Unlock()
	return ord.snapshot(), true, nil
}

// lookup returns the in-memory order, hydrating it from the store when this
// process has not seen it yet. With create set, an order unknown to the
// store is created Idle; otherwise nil is returned. Recorded settlements
// are not kept in memory.
func (o *Orchestrator) lookup(ctx context.Context, orderRef string, create bool) (*order, error) {
	o.mu.Lock()
	ord, ok := o.orders[orderRef]
	o.mu.Unlock()
	if ok {
		return ord, nil
	}

	rec, err := o.store.GetOrderPayment(ctx, orderRef)
	switch {
	case err == nil:
		ord = orderFromRecord(rec)
	case errors.Is(err, store.ErrNotFound):
		if !create {
			return nil, nil
		}
		ord = newOrder(orderRef)
	default:
		return nil, payerr.Wrap(payerr.TransientProviderError, opStatus, err)
	}
	// Settled is final, so the store copy is served without caching.
	if ord.phase == PhaseSettled {
		return ord, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.orders[orderRef]; ok {
		return existing, nil
	}
	o.orders[orderRef] = ord
	return ord, nil
}

// evict drops ord from memory unless it was already replaced.
func (o *Orchestrator) evict(ord *order) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.orders[ord.ref] == ord {
		delete(o.orders, ord.ref)
	}
}

// acquireGuard claims scope/key across replicas. The returned release must
// be called once the guarded work is done.
func (o *Orchestrator) acquireGuard(ctx context.Context, op, scope, key string) (func(), error) {
	if o.guard == nil {
		return func() {}, nil
	}
	token, ok, err := o.guard.TryLock(ctx, scope, key)
	if err != nil {
		return nil, &payerr.Error{Kind: payerr.TransientProviderError, Op: op, Message: "in-flight guard unavailable", Err: err}
	}
	if !ok {
		return nil, payerr.New(payerr.DuplicateInFlight, op, "%s %s is being processed by another instance", scope, key)
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), guardReleaseTimeout)
		defer cancel()
		if err := o.guard.Unlock(rctx, scope, key, token); err != nil {
			o.logger.Warn("failed to release in-flight guard",
				zap.String("scope", scope), zap.String("key", key), zap.Error(err))
		}
	}, nil
}

type eventData struct {
	orderRef      string
	provider      payment.ProviderType
	amount        payment.Amount
	customerID    string
	transactionID string
	attempt       int
	err           *payerr.Error
}

func (o *Orchestrator) publish(ctx context.Context, typ events.Type, d eventData) {
	e := events.Event{
		ID:            uuid.NewString(),
		Type:          typ,
		Version:       1,
		OccurredAt:    o.now().UTC(),
		OrderRef:      d.orderRef,
		Provider:      string(d.provider),
		CustomerID:    d.customerID,
		TransactionID: d.transactionID,
		Attempt:       d.attempt,
	}
	if d.amount.Currency != "" {
		e.Amount = d.amount.Major()
		e.Currency = d.amount.Currency
	}
	if d.err != nil {
		e.Kind = d.err.Kind.String()
		e.Code = d.err.Code
	}
	if err := o.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn("failed to publish payment event",
			zap.String("event_type", string(typ)), zap.String("order_ref", d.orderRef), zap.Error(err))
	}
}

// alertIfConfiguration surfaces configuration failures to operators.
func (o *Orchestrator) alertIfConfiguration(ctx context.Context, err error, d eventData) {
	pe, ok := payerr.As(err)
	if !ok || pe.Kind != payerr.ConfigurationError {
		return
	}
	o.logger.Error("provider configuration error",
		zap.String("order_ref", d.orderRef),
		zap.String("provider", string(d.provider)),
		zap.String("op", pe.Op),
		zap.Error(pe))
	d.err = pe
	o.publish(ctx, events.PaymentConfigurationError, d)
}

func (o *Orchestrator) record(e reporting.AttemptEntry) {
	if o.journal == nil {
		return
	}
	if e.AttemptID == "" {
		e.AttemptID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = o.now().UTC()
	}
	o.journal.Record(e)
}

// transition must be called with ord.mu held.
func (o *Orchestrator) transition(ord *order, p Phase) {
	ord.setPhase(p, o.now())
	o.metrics.IncTransition(p.String())
}
