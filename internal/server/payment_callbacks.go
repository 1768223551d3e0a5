package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/entitle/internal/ledger/domain"
)

// paymentCallbackRequest accepts the processor's checkout field names as well
// as the plain ones.
type paymentCallbackRequest struct {
	OrderID            string `json:"order_id" form:"order_id"`
	PaymentID          string `json:"payment_id" form:"payment_id"`
	Signature          string `json:"signature" form:"signature"`
	ProcessorOrderID   string `json:"razorpay_order_id" form:"razorpay_order_id"`
	ProcessorPaymentID string `json:"razorpay_payment_id" form:"razorpay_payment_id"`
	ProcessorSignature string `json:"razorpay_signature" form:"razorpay_signature"`
}

func (r paymentCallbackRequest) completion() ledgerdomain.CompletionRequest {
	return ledgerdomain.CompletionRequest{
		OrderID:   firstNonEmpty(r.OrderID, r.ProcessorOrderID),
		PaymentID: firstNonEmpty(r.PaymentID, r.ProcessorPaymentID),
		Signature: firstNonEmpty(r.Signature, r.ProcessorSignature),
	}
}

func (s *Server) HandlePaymentCallback(c *gin.Context) {
	var req paymentCallbackRequest
	if err := c.ShouldBind(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	completion := req.completion()
	c.Set("order_id", completion.OrderID)

	result, err := s.ledgerSvc.ApplyCompletion(c.Request.Context(), completion)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type signCallbackRequest struct {
	OrderID   string `json:"order_id" binding:"required"`
	PaymentID string `json:"payment_id" binding:"required"`
}

// SignPaymentCallback computes a callback signature for local testing.
func (s *Server) SignPaymentCallback(c *gin.Context) {
	if s.cfg.IsProduction() {
		AbortWithError(c, ErrNotFound)
		return
	}

	var req signCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if s.signer == nil || strings.TrimSpace(s.cfg.PaymentWebhookSecret) == "" {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	sig := s.signer.Sign(req.OrderID, req.PaymentID)

	c.JSON(http.StatusOK, gin.H{
		"order_id":   req.OrderID,
		"payment_id": req.PaymentID,
		"signature":  sig,
	})
}

// firstNonEmpty returns the first value that is not blank, unmodified: the
// callback signature covers the identifiers byte for byte.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
