package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/providers/pdf"
	"github.com/smallbiznis/entitle/pkg/db/pagination"
)

func (s *Server) ListPurchases(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.ListPurchases(c.Request.Context(), paymentdomain.ListPurchasesRequest{
		UserID:    identity.UserID,
		PageToken: page.PageToken,
		PageSize:  int32(page.Limit()),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetPurchaseReceipt(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	intent, err := s.paymentSvc.GetPurchase(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if intent.Status != paymentdomain.IntentStatusCompleted || intent.CompletedAt == nil {
		AbortWithError(c, ErrReceiptUnavailable)
		return
	}

	doc, err := s.receipts.GenerateReceipt(c.Request.Context(), pdf.ReceiptData{
		Issuer:           s.cfg.AppName,
		Receipt:          intent.Receipt,
		IntentID:         intent.ID.String(),
		UserID:           intent.UserID,
		PlanType:         string(intent.PlanType),
		Credits:          intent.CreditsRequested,
		Amount:           intent.AmountMinorUnits,
		Currency:         intent.Currency,
		ProcessorOrderID: intent.ProcessorOrderID,
		PaymentID:        intent.PaymentID(),
		PaidAt:           *intent.CompletedAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.pdf"`, intent.Receipt))
	c.Data(http.StatusOK, "application/pdf", doc)
}
