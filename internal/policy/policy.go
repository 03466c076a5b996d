// Package policy decides whether a failed payment attempt is retried
// automatically. Rules are govaluate expressions over the facts of the
// failed attempt; the first matching rule in priority order wins.
package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"

	"github.com/yourorg/checkout-payments/internal/payerr"
)

// PolicyDecision is the outcome of evaluating a failed attempt.
type PolicyDecision struct {
	AllowRetry bool   `json:"allow_retry"`
	RuleID     string `json:"-"`
}

// PolicyRule is one retry rule.
type PolicyRule struct {
	ID         string         `json:"id"`
	Expression string         `json:"expression"`
	Priority   int            `json:"priority"` // lower runs first
	Decision   PolicyDecision `json:"decision"`
}

// Facts describe a failed attempt. They are exposed to expressions as
// kind, code, attempt, max_attempts, timed_out, provider, currency,
// amount and amount_minor.
type Facts struct {
	Kind        payerr.Kind
	Code        string
	Attempt     int
	MaxAttempts int
	TimedOut    bool
	Reconcile   bool
	Provider    string
	Currency    string
	Amount      float64
	AmountMinor int64
}

func (f Facts) parameters() map[string]any {
	return map[string]any{
		"kind":         f.Kind.String(),
		"code":         f.Code,
		"attempt":      float64(f.Attempt),
		"max_attempts": float64(f.MaxAttempts),
		"timed_out":    f.TimedOut,
		"provider":     f.Provider,
		"currency":     f.Currency,
		"amount":       f.Amount,
		"amount_minor": float64(f.AmountMinor),
	}
}

// Rule IDs reported for the built-in guards.
const (
	RuleNotRetryable = "not_retryable"
	RuleMaxAttempts  = "max_attempts"
	RuleDefault      = "default"
)

type compiledRule struct {
	PolicyRule
	expr *govaluate.EvaluableExpression
}

// PaymentPolicyEnforcer evaluates retry rules.
type PaymentPolicyEnforcer struct {
	rules []compiledRule
}

// DefaultRules are the rules installed when no others are configured.
func DefaultRules() []PolicyRule {
	return []PolicyRule{
		{
			ID:         "circuit_open",
			Expression: "kind == 'ProviderUnavailable' && code == 'circuit_open'",
			Priority:   10,
			Decision:   PolicyDecision{AllowRetry: false},
		},
	}
}

// NewPaymentPolicyEnforcer compiles rules. A rule that does not compile fails
// construction.
func NewPaymentPolicyEnforcer(rules []PolicyRule) (*PaymentPolicyEnforcer, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{PolicyRule: r, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority < compiled[j].Priority })
	return &PaymentPolicyEnforcer{rules: compiled}, nil
}

// Evaluate decides whether the attempt described by f may be retried.
// Failures that are not retryable, or that need reconciliation, are never
// retried whatever the rules say, and neither is an attempt at the limit.
func (ppe *PaymentPolicyEnforcer) Evaluate(f Facts) (PolicyDecision, error) {
	if !f.Kind.Retryable() || f.Reconcile {
		return PolicyDecision{AllowRetry: false, RuleID: RuleNotRetryable}, nil
	}
	if f.Attempt >= f.MaxAttempts {
		return PolicyDecision{AllowRetry: false, RuleID: RuleMaxAttempts}, nil
	}

	params := f.parameters()
	for _, r := range ppe.rules {
		res, err := r.expr.Evaluate(params)
		if err != nil {
			return PolicyDecision{}, fmt.Errorf("evaluate rule ID '%s': %w", r.ID, err)
		}
		matched, ok := res.(bool)
		if !ok {
			return PolicyDecision{}, fmt.Errorf("rule ID '%s': %w", r.ID, errNotBoolean)
		}
		if matched {
			d := r.Decision
			d.RuleID = r.ID
			return d, nil
		}
	}
	return PolicyDecision{AllowRetry: true, RuleID: RuleDefault}, nil
}

var errNotBoolean = errors.New("expression did not evaluate to a boolean")
