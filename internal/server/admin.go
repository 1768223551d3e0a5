package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) GetPurchaseByOrder(c *gin.Context) {
	intent, err := s.paymentSvc.GetByProcessorOrderID(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("order_id", intent.ProcessorOrderID)
	c.JSON(http.StatusOK, intent)
}

// Reconcile runs one scheduler pass synchronously.
func (s *Server) Reconcile(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	report, err := s.scheduler.RunOnce(c.Request.Context())
	if err != nil {
		s.log.Warn("manual reconcile finished with errors", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"report": report,
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}
