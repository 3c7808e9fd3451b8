package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/LaneJS/aiaca/internal/auditcontext"
)

// maxWebhookBody bounds provider payload size. Stripe events stay well under
// this.
const maxWebhookBody = 1 << 20

const signatureHeader = "Stripe-Signature"

// HandleStripeWebhook authenticates and records one provider delivery.
// Processing failures still return 200 so the provider does not redeliver;
// the retry sweep owns recovery from that point.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	if s.webhookSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if !s.webhookLimiter.Allow(c.ClientIP()) {
		AbortWithError(c, ErrTooManyRequests)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(payload) == 0 {
		AbortWithError(c, newValidationError("body", "required", "request body is required"))
		return
	}

	signature := strings.TrimSpace(c.GetHeader(signatureHeader))

	ctx := auditcontext.WithActor(c.Request.Context(), "webhook", "stripe")
	event, err := s.webhookSvc.Ingest(ctx, payload, signature)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"id":       event.ProviderEventID,
		"status":   event.Status,
	})
}
