package provider

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// SignatureHeader carries the provider webhook signature.
const SignatureHeader = "X-Webhook-Signature"

// EventSink consumes translated provider events. The consultation
// orchestrator implements it: meeting lifecycle events drive the state
// machine and recording events are handed to the recording manager.
type EventSink interface {
	HandleProviderEvent(ctx context.Context, providerName string, result *WebhookResult) error
}

// WebhookHandler is the HTTP ingestion endpoint for provider webhooks. It
// validates synchronously, acknowledges with 202, and finishes processing in
// the background: providers retry on non-2xx and nothing upstream waits.
type WebhookHandler struct {
	registry *Registry
	sink     EventSink
	logger   zerolog.Logger
	// processTimeout bounds the detached processing of one event.
	processTimeout time.Duration
}

func NewWebhookHandler(registry *Registry, sink EventSink, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		registry:       registry,
		sink:           sink,
		logger:         logger,
		processTimeout: selfHostedTimeout,
	}
}

// RegisterRoutes registers the webhook ingestion endpoint. It is mounted
// outside the authenticated API group because providers sign rather than
// authenticate.
func (h *WebhookHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks/:provider", h.HandleWebhook)
}

func (h *WebhookHandler) HandleWebhook(c echo.Context) error {
	name := c.Param("provider")
	p, err := h.registry.Get(name)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}
	if !p.Capabilities().Webhooks {
		return echo.NewHTTPError(http.StatusNotFound, "provider does not deliver webhooks")
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable payload")
	}

	signature := c.Request().Header.Get(SignatureHeader)
	if !p.ValidateWebhook(payload, signature) {
		h.logger.Warn().
			Str("provider", name).
			Str("remote_ip", c.RealIP()).
			Msg("webhook signature rejected")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
	}

	result, err := p.HandleWebhook(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("provider", name).Msg("webhook payload rejected")
		return echo.NewHTTPError(http.StatusBadRequest, "unparseable webhook payload")
	}

	// Acknowledge first; the sink runs detached from the request.
	go h.process(name, result)

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *WebhookHandler) process(providerName string, result *WebhookResult) {
	ctx, cancel := context.WithTimeout(context.Background(), h.processTimeout)
	defer cancel()

	if err := h.sink.HandleProviderEvent(ctx, providerName, result); err != nil {
		// NotFound and transient failures are logged, never propagated: the
		// ingestion path must survive any single bad event.
		h.logger.Error().Err(err).
			Str("provider", providerName).
			Str("event", result.RawEvent).
			Str("meeting_id", result.ProviderMeetingID).
			Msg("webhook event processing failed")
	}
}
