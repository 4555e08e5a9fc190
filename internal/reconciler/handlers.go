package reconciler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskbay/taskbay/internal/metrics"
	"github.com/taskbay/taskbay/internal/provider"
)

// maxWebhookBody caps accepted webhook payloads (256KB).
const maxWebhookBody = 256 << 10

// Handler receives provider webhook deliveries.
type Handler struct {
	service *Service
	gateway provider.Gateway
}

// NewHandler creates a new webhook handler.
func NewHandler(service *Service, gateway provider.Gateway) *Handler {
	return &Handler{service: service, gateway: gateway}
}

// RegisterRoutes sets up the webhook route. Not behind user auth: the
// signature is the authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/provider", h.Receive)
}

// Receive handles POST /webhooks/provider
//
// Responses steer the provider's retry behavior: 400 for bad signatures
// (retrying can't help), 200 for anything applied or deliberately ignored,
// 500 only for transient failures worth redelivering.
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	ev, err := h.gateway.VerifyWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, provider.ErrSignature) {
			metrics.WebhookEventsTotal.WithLabelValues("bad_signature").Inc()
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
			return
		}
		// Authentic but unparseable. Acknowledge it so the provider stops
		// redelivering a payload that will never parse.
		metrics.WebhookEventsTotal.WithLabelValues("malformed").Inc()
		h.service.logger.Warn("ignoring malformed webhook payload", "error", err)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	if err := h.service.Process(c.Request.Context(), *ev); err != nil {
		// Keep the delivery in the provider's retry queue.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Event could not be applied, retry",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
