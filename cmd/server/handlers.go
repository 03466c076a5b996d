package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-payments/internal/monitor"
	"github.com/yourorg/checkout-payments/internal/orchestrator"
	"github.com/yourorg/checkout-payments/internal/payerr"
	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/reporting"
)

// checkoutService is the part of the orchestrator the HTTP API drives.
type checkoutService interface {
	StartCheckout(ctx context.Context, orderRef string, amount payment.Amount, customer payment.Customer, pt payment.ProviderType) (payment.InitPayload, error)
	SubmitPayment(ctx context.Context, orderRef string, data payment.Payload, opts ...orchestrator.SubmitOption) (orchestrator.Submission, error)
	Status(ctx context.Context, orderRef string) (orchestrator.Snapshot, bool, error)
	ResolveReconciliation(ctx context.Context, orderRef string, rec orchestrator.Reconciliation) (orchestrator.Snapshot, error)
	SaveMethod(ctx context.Context, userID string, pt payment.ProviderType, data payment.Payload) (payment.StoredPaymentMethod, error)
	ListMethods(ctx context.Context, userID string) ([]payment.StoredPaymentMethod, error)
}

// attemptLog is the source of the retrospective report.
type attemptLog interface {
	Entries(since time.Time) []reporting.AttemptEntry
}

type handler struct {
	checkout  checkoutService
	attempts  attemptLog
	reporter  *reporting.RetrospectiveReporter
	contracts monitor.Contracts
	logger    *zap.Logger
}

func newHandler(svc checkoutService, attempts attemptLog, contracts monitor.Contracts, logger *zap.Logger) *handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &handler{
		checkout:  svc,
		attempts:  attempts,
		reporter:  reporting.NewRetrospectiveReporter(),
		contracts: contracts,
		logger:    logger,
	}
}

type errorBody struct {
	Kind      string `json:"kind"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Reconcile bool   `json:"reconciliation_required,omitempty"`
}

func newErrorBody(err error) *errorBody {
	pe, ok := payerr.As(err)
	if !ok {
		pe = &payerr.Error{Kind: payerr.Unknown, Err: err}
	}
	return &errorBody{
		Kind:      pe.Kind.String(),
		Code:      pe.Code,
		Message:   pe.Kind.UserMessage(),
		Retryable: pe.Retryable(),
		Reconcile: pe.Reconcile,
	}
}

// httpStatus maps a failure kind to its response status.
func httpStatus(k payerr.Kind) int {
	switch k {
	case payerr.ValidationError, payerr.InvalidAmount:
		return http.StatusBadRequest
	case payerr.UnknownProviderType:
		return http.StatusNotFound
	case payerr.ProviderNotSupported:
		return http.StatusUnprocessableEntity
	case payerr.Decline:
		return http.StatusPaymentRequired
	case payerr.DuplicateInFlight, payerr.AlreadySettled, payerr.ReconciliationRequired:
		return http.StatusConflict
	case payerr.TransientProviderError, payerr.ProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(httpStatus(payerr.KindOf(err)), gin.H{"error": newErrorBody(err)})
}

func (h *handler) invalid(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
		Kind:    payerr.ValidationError.String(),
		Message: message,
	}})
}

// bind validates the body against the named contract and decodes it into
// out. It writes the error response and returns false on failure.
func (h *handler) bind(c *gin.Context, contract string, out any) bool {
	raw, err := c.GetRawData()
	if err != nil {
		h.invalid(c, "Invalid request format: "+err.Error())
		return false
	}
	if cm, ok := h.contracts[contract]; ok {
		valid, errs, err := cm.Validate(raw)
		if err != nil {
			h.invalid(c, "Invalid request format: "+err.Error())
			return false
		}
		if !valid {
			h.invalid(c, monitor.FormatErrors(errs))
			return false
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		h.invalid(c, "Invalid request format: "+err.Error())
		return false
	}
	return true
}

type amountRequest struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type startCheckoutRequest struct {
	OrderRef string           `json:"order_ref"`
	Provider string           `json:"provider"`
	Amount   amountRequest    `json:"amount"`
	Customer payment.Customer `json:"customer"`
}

func (h *handler) startCheckout(c *gin.Context) {
	var req startCheckoutRequest
	if !h.bind(c, monitor.StartCheckout, &req) {
		return
	}
	pt, err := payment.ParseProviderType(req.Provider)
	if err != nil {
		h.fail(c, payerr.Wrap(payerr.UnknownProviderType, "start_checkout", err))
		return
	}
	amount, err := payment.ParseAmount(req.Amount.Value, req.Amount.Currency)
	if err != nil {
		h.fail(c, payerr.Wrap(payerr.InvalidAmount, "start_checkout", err))
		return
	}

	init, err := h.checkout.StartCheckout(c.Request.Context(), req.OrderRef, amount, req.Customer, pt)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, init)
}

type submitPaymentRequest struct {
	Payload    payment.Payload `json:"payload"`
	SaveMethod bool            `json:"save_method"`
	UserID     string          `json:"user_id"`
}

type submitPaymentResponse struct {
	orchestrator.Submission
	SaveError *errorBody `json:"save_error,omitempty"`
}

func (h *handler) submitPayment(c *gin.Context) {
	orderRef := c.Param("orderRef")
	var req submitPaymentRequest
	if !h.bind(c, monitor.SubmitPayment, &req) {
		return
	}
	var opts []orchestrator.SubmitOption
	if req.SaveMethod {
		opts = append(opts, orchestrator.WithSaveMethod(req.UserID))
	}

	sub, err := h.checkout.SubmitPayment(c.Request.Context(), orderRef, req.Payload, opts...)
	if err != nil {
		_ = c.Error(err)
		body := gin.H{"error": newErrorBody(err)}
		if sub.Attempt > 0 {
			body["attempt"] = sub.Attempt
			body["result"] = sub.Result
		}
		c.JSON(httpStatus(payerr.KindOf(err)), body)
		return
	}
	resp := submitPaymentResponse{Submission: sub}
	if sub.SaveErr != nil {
		resp.SaveError = newErrorBody(sub.SaveErr)
	}
	c.JSON(http.StatusOK, resp)
}

type statusResponse struct {
	orchestrator.Snapshot
	LastError *errorBody `json:"last_error,omitempty"`
}

func newStatusResponse(s orchestrator.Snapshot) statusResponse {
	resp := statusResponse{Snapshot: s}
	if s.LastError != nil {
		resp.LastError = newErrorBody(s.LastError)
	}
	return resp
}

func (h *handler) status(c *gin.Context) {
	orderRef := c.Param("orderRef")
	snap, ok, err := h.checkout.Status(c.Request.Context(), orderRef)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errorBody{Kind: "NotFound", Message: "order " + orderRef + " is unknown"}})
		return
	}
	c.JSON(http.StatusOK, newStatusResponse(snap))
}

type reconciliationRequest struct {
	Charged       bool   `json:"charged"`
	TransactionID string `json:"transaction_id"`
}

func (h *handler) resolveReconciliation(c *gin.Context) {
	orderRef := c.Param("orderRef")
	var req reconciliationRequest
	if !h.bind(c, monitor.ResolveReconciliation, &req) {
		return
	}
	snap, err := h.checkout.ResolveReconciliation(c.Request.Context(), orderRef, orchestrator.Reconciliation{
		Charged:       req.Charged,
		TransactionID: req.TransactionID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("reconciliation resolved over http",
		zap.String("order_ref", orderRef), zap.Bool("charged", req.Charged))
	c.JSON(http.StatusOK, newStatusResponse(snap))
}

type saveMethodRequest struct {
	Provider string          `json:"provider"`
	Payload  payment.Payload `json:"payload"`
}

func (h *handler) saveMethod(c *gin.Context) {
	var req saveMethodRequest
	if !h.bind(c, monitor.SaveMethod, &req) {
		return
	}
	pt, err := payment.ParseProviderType(req.Provider)
	if err != nil {
		h.fail(c, payerr.Wrap(payerr.UnknownProviderType, "save_method", err))
		return
	}
	m, err := h.checkout.SaveMethod(c.Request.Context(), c.Param("userID"), pt, req.Payload)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *handler) listMethods(c *gin.Context) {
	methods, err := h.checkout.ListMethods(c.Request.Context(), c.Param("userID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if methods == nil {
		methods = []payment.StoredPaymentMethod{}
	}
	c.JSON(http.StatusOK, gin.H{"methods": methods})
}

// retrospective reports on the attempts recorded since the optional
// RFC 3339 "since" query parameter.
func (h *handler) retrospective(c *gin.Context) {
	var since time.Time
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.invalid(c, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	report, err := h.reporter.GenerateRetrospective(h.attempts.Entries(since))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
