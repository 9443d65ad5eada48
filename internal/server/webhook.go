package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxWebhookBody bounds how much of a delivery we are willing to read.
// Stripe events are small; anything larger is not one of ours.
const maxWebhookBody = 1 << 20

// HandleStripeWebhook verifies and applies a lifecycle delivery. The body
// must reach the verifier byte-for-byte as transported: any re-serialization
// breaks the signature.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, ErrInternal)
		return
	}

	event, err := s.verifier.Verify(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		s.log.Warn("webhook delivery rejected", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	if err := s.billingSvc.ApplyEvent(c.Request.Context(), event); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
