package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DB59s/tmdt-payments/internal/idgen"
	"github.com/DB59s/tmdt-payments/internal/logging"
	"github.com/DB59s/tmdt-payments/internal/payment"
	"github.com/DB59s/tmdt-payments/internal/provider"
	"github.com/DB59s/tmdt-payments/internal/reconcile"
	"github.com/DB59s/tmdt-payments/internal/session"
	"github.com/DB59s/tmdt-payments/internal/validation"
)

// InitiatePaymentRequest selects a rail for an existing order.
type InitiatePaymentRequest struct {
	OrderCode string `json:"orderCode" binding:"required"`
	Method    string `json:"method" binding:"required"`
}

// initiatePayment handles POST /v1/payments/initiate.
func (s *Server) initiatePayment(c *gin.Context) {
	ctx := c.Request.Context()

	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "orderCode and method are required",
		})
		return
	}
	if !validation.IsValidOrderCode(req.OrderCode) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_order_code",
			"message": "order code must be 3-64 alphanumeric, dash or underscore characters",
		})
		return
	}
	p := payment.Provider(req.Method)
	if !p.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_method",
			"message": "method must be one of: qrwallet, cardgateway, chainrail, stablecoin",
		})
		return
	}

	inv, err := s.registry.Open(ctx, req.OrderCode, p)
	if err != nil {
		s.initiateError(c, err)
		return
	}

	// The stablecoin rail has no remote to ask; it settles only through
	// the operator confirm endpoint. Every other rail gets a background
	// poll so sessions whose redirect or IPN goes quiet still resolve.
	if adapter, ok := s.registry.Adapter(p); ok && p != payment.ProviderStablecoin {
		go s.pollSession(adapter, inv.CorrelationToken)
	}

	c.JSON(http.StatusCreated, inv)
}

func (s *Server) initiateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, payment.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "order_not_found",
			"message": "No order with this code",
		})
	case errors.Is(err, payment.ErrOrderAlreadyPaid):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "order_paid",
			"message": "The order is already paid",
		})
	case errors.Is(err, payment.ErrDuplicateActiveSession):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "session_active",
			"message": "The order already has an active payment session on another rail",
		})
	case errors.Is(err, session.ErrRailNotConfigured):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "rail_not_configured",
			"message": "This payment method is not enabled",
		})
	case errors.Is(err, provider.ErrInitiationRejected):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provider_rejected",
			"message": "The payment provider rejected the session",
		})
	case errors.Is(err, provider.ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "provider_unavailable",
			"message": "The payment provider is unreachable, try again",
		})
	default:
		logging.L(c.Request.Context()).Error("payment initiation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to initiate payment",
		})
	}
}

// qrWalletIPN handles POST /v1/payments/qrwallet/ipn.
//
// The wallet provider retries deliveries it considers failed, so once a
// payload parses the response is 204 regardless of the reconciliation
// verdict; a tampered or stale signal is our problem to log, not the
// provider's to redeliver.
func (s *Server) qrWalletIPN(c *gin.Context) {
	ctx := c.Request.Context()

	adapter, ok := s.registry.Adapter(payment.ProviderQRWallet)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "rail_not_configured"})
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	ev := adapter.ParseConfirmation(raw)
	res, err := s.engine.Apply(ctx, ev)
	if err != nil {
		logging.L(ctx).Warn("wallet notification rejected",
			"token", ev.CorrelationToken,
			"error", err,
		)
	} else if res.Settled {
		logging.L(ctx).Info("wallet notification settled order",
			"token", ev.CorrelationToken,
			"order_code", res.Order.Code,
		)
	}

	c.Status(http.StatusNoContent)
}

// cardGatewayReturn handles GET /v1/payments/cardgateway/return.
//
// The customer lands here from the gateway redirect; the signed result is
// in the query string. This channel races the gateway's own IPN, so a
// stale verdict is the common case, not an anomaly.
func (s *Server) cardGatewayReturn(c *gin.Context) {
	ctx := c.Request.Context()

	adapter, ok := s.registry.Adapter(payment.ProviderCardGateway)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "rail_not_configured"})
		return
	}

	ev := adapter.ParseConfirmation([]byte(c.Request.URL.RawQuery))
	res, err := s.engine.Apply(ctx, ev)
	if err != nil {
		s.confirmationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orderCode":     res.Order.Code,
		"paymentStatus": res.Order.PaymentStatus,
		"outcome":       ev.Outcome,
	})
}

// ChainVerifyRequest asks for a ledger check on a transfer reference.
type ChainVerifyRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// chainRailVerify handles POST and GET /v1/payments/chainrail/verify.
//
// The client claims it paid; the ledger is the authority. One poll round
// runs in-request so the customer gets an immediate answer; pending is a
// valid answer.
func (s *Server) chainRailVerify(c *gin.Context) {
	ctx := c.Request.Context()

	adapter, ok := s.registry.Adapter(payment.ProviderChainRail)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "rail_not_configured"})
		return
	}

	reference := c.Query("reference")
	if c.Request.Method == http.MethodPost {
		var req ChainVerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "reference is required",
			})
			return
		}
		reference = req.Reference
	}
	if !validation.IsValidBase58Reference(reference) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_reference",
			"message": "reference must be a base58 string",
		})
		return
	}

	o, sess, err := s.registry.FindByToken(ctx, reference)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_reference",
			"message": "No payment session with this reference",
		})
		return
	}

	if sess.Status.Terminal() {
		c.JSON(http.StatusOK, gin.H{
			"orderCode":     o.Code,
			"paymentStatus": o.PaymentStatus,
			"sessionStatus": sess.Status,
		})
		return
	}

	ev, err := adapter.PollStatus(ctx, o, sess)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Could not reach the ledger, try again",
		})
		return
	}

	res, err := s.engine.Apply(ctx, ev)
	if err != nil {
		s.confirmationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orderCode":     res.Order.Code,
		"paymentStatus": res.Order.PaymentStatus,
		"sessionStatus": res.Session.Status,
		"pending":       res.Pending,
	})
}

// stablecoinConfirm handles POST /v1/payments/stablecoin/confirm.
// Operator-only: the admin secret middleware runs before this.
func (s *Server) stablecoinConfirm(c *gin.Context) {
	ctx := c.Request.Context()

	adapter, ok := s.registry.Adapter(payment.ProviderStablecoin)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "rail_not_configured"})
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	ev := adapter.ParseConfirmation(raw)
	res, err := s.engine.Apply(ctx, ev)
	if err != nil {
		s.confirmationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orderCode":     res.Order.Code,
		"paymentStatus": res.Order.PaymentStatus,
		"applied":       res.Applied,
		"stale":         res.Stale,
	})
}

func (s *Server) confirmationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reconcile.ErrUnknownSession):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_session",
			"message": "No payment session matches this confirmation",
		})
	case errors.Is(err, reconcile.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "The confirmation signature did not verify",
		})
	default:
		logging.L(c.Request.Context()).Error("confirmation processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process confirmation",
		})
	}
}

// orderPaymentStatus handles GET /v1/orders/:code/payment.
//
// When the active session is still open this proactively polls the rail
// once before answering, so a customer refreshing the order page can pick
// up a settlement the webhook has not delivered yet. Poll failures are
// swallowed: pending is a valid answer and the customer never sees an
// operational error here.
func (s *Server) orderPaymentStatus(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")

	o, err := s.store.GetOrderByCode(ctx, code)
	if err != nil {
		if errors.Is(err, payment.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "order_not_found",
				"message": "No order with this code",
			})
			return
		}
		logging.L(ctx).Error("order lookup failed", "code", code, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to look up order",
		})
		return
	}

	sess := o.ActiveSession()
	if o.PaymentStatus != payment.OrderPaid && sess != nil && !sess.Status.Terminal() {
		if refreshed := s.refreshPending(ctx, o, sess); refreshed != nil {
			o = refreshed
			sess = o.ActiveSession()
		}
	}

	resp := gin.H{
		"orderCode":     o.Code,
		"paymentStatus": o.PaymentStatus,
	}
	if o.PaidAt != nil {
		resp["paidAt"] = o.PaidAt
	}
	if sess != nil {
		resp["session"] = gin.H{
			"provider":         sess.Provider,
			"status":           sess.Status,
			"correlationToken": sess.CorrelationToken,
			"nativeAmount":     sess.NativeAmount,
			"nativeUnit":       sess.NativeUnit,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// refreshPending runs one bounded poll round against the session's rail and
// feeds the answer through the engine. Returns the re-read order when the
// poll produced an applied verdict, nil when nothing changed.
func (s *Server) refreshPending(ctx context.Context, o *payment.Order, sess *payment.Session) *payment.Order {
	adapter, ok := s.registry.Adapter(sess.Provider)
	if !ok {
		return nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	ev, err := adapter.PollStatus(pollCtx, o, sess)
	if err != nil {
		logging.L(ctx).Warn("status poll failed", "provider", sess.Provider, "error", err)
		return nil
	}
	if ev.Outcome == payment.OutcomePending {
		return nil
	}

	res, err := s.engine.Apply(ctx, ev)
	if err != nil || !res.Applied {
		return nil
	}
	return res.Order
}

// -----------------------------------------------------------------------------
// Admin
// -----------------------------------------------------------------------------

// CreateOrderRequest registers an order from the upstream commerce system.
type CreateOrderRequest struct {
	Code     string `json:"code" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
	Currency string `json:"currency"`
}

// createOrder handles POST /v1/admin/orders. Orders normally arrive from
// the upstream order service; this is its ingestion point.
func (s *Server) createOrder(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "code and amount are required",
		})
		return
	}
	if verrs := validation.Validate(
		validation.Required("code", req.Code),
		validation.ValidOrderCode("code", req.Code),
		validation.MaxLength("currency", req.Currency, 8),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": verrs.Error(),
			"fields":  verrs,
		})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be positive",
		})
		return
	}
	if req.Currency == "" {
		req.Currency = "VND"
	}

	o := &payment.Order{
		ID:            idgen.WithPrefix("ord_"),
		Code:          req.Code,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentStatus: payment.OrderUnpaid,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		if errors.Is(err, payment.ErrOrderExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "order_exists",
				"message": "An order with this code already exists",
			})
			return
		}
		logging.L(ctx).Error("order creation failed", "code", req.Code, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create order",
		})
		return
	}

	c.JSON(http.StatusCreated, o)
}

// listOrderSessions handles GET /v1/admin/orders/:code/sessions.
// Sessions are never deleted, so this is the full payment audit trail.
func (s *Server) listOrderSessions(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")

	o, err := s.store.GetOrderByCode(ctx, code)
	if err != nil {
		if errors.Is(err, payment.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "order_not_found",
				"message": "No order with this code",
			})
			return
		}
		logging.L(ctx).Error("order lookup failed", "code", code, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to look up order",
		})
		return
	}

	sessions := make([]*payment.Session, 0, 4)
	for _, sess := range []*payment.Session{o.QRWalletInfo, o.CardGatewayInfo, o.ChainRailInfo, o.StablecoinInfo} {
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"orderCode":     o.Code,
		"paymentStatus": o.PaymentStatus,
		"sessions":      sessions,
	})
}

// failSession handles POST /v1/admin/sessions/:token/fail. The force-fail
// goes through the engine as an operator Failure signal, so terminal
// states absorb it like any other event.
func (s *Server) failSession(c *gin.Context) {
	ctx := c.Request.Context()
	token := c.Param("token")

	_, sess, err := s.registry.FindByToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_session",
			"message": "No payment session with this token",
		})
		return
	}

	ev := &payment.ConfirmationEvent{
		Source:           payment.SourceManualOperator,
		Provider:         sess.Provider,
		CorrelationToken: token,
		Outcome:          payment.OutcomeFailure,
		Reason:           "operator force-fail",
		ReceivedAt:       time.Now(),
	}
	res, err := s.engine.Apply(ctx, ev)
	if err != nil {
		s.confirmationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orderCode":     res.Order.Code,
		"sessionStatus": res.Session.Status,
		"applied":       res.Applied,
		"stale":         res.Stale,
	})
}

// hubStats handles GET /v1/admin/ws/stats.
func (s *Server) hubStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}
