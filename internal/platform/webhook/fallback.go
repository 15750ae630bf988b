// Package webhook implements the HTTP fallback path the origin service uses
// when its socket link to this service is down.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/doctor-relay/internal/delivery"
	"github.com/medflow/doctor-relay/internal/platform/metrics"
)

// Deliverer is implemented by delivery.Broadcaster.
type Deliverer interface {
	Deliver(ctx context.Context, recipientID string, msg delivery.Message, messageID string) bool
}

// Enricher is implemented by patient.Enricher.
type Enricher interface {
	Enrich(ctx context.Context, payload map[string]any) map[string]any
}

// Response is the body returned for accepted webhooks.
type Response struct {
	Success   bool   `json:"success"`
	Delivered bool   `json:"delivered"`
	DoctorID  string `json:"doctor_id"`
}

// HandlerOption configures a FallbackHandler.
type HandlerOption func(*FallbackHandler)

// WithEnricher attaches patient detail before delivery.
func WithEnricher(e Enricher) HandlerOption {
	return func(h *FallbackHandler) {
		h.enricher = e
	}
}

// WithSigningSecret requires a valid X-Webhook-Signature on every request.
func WithSigningSecret(secret string) HandlerOption {
	return func(h *FallbackHandler) {
		h.signingSecret = secret
	}
}

// WithMetrics counts requests by result.
func WithMetrics(m *metrics.WebhookMetrics) HandlerOption {
	return func(h *FallbackHandler) {
		h.metrics = m
	}
}

// FallbackHandler receives assignment events over HTTP and routes them into
// the same delivery path as the upstream socket.
type FallbackHandler struct {
	deliverer     Deliverer
	enricher      Enricher
	signingSecret string
	logger        zerolog.Logger
	metrics       *metrics.WebhookMetrics
}

func NewFallbackHandler(deliverer Deliverer, logger zerolog.Logger, opts ...HandlerOption) *FallbackHandler {
	h := &FallbackHandler{
		deliverer: deliverer,
		logger:    logger.With().Str("component", "webhook_fallback").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the fallback endpoint on g. Authentication
// middleware is expected on the group.
func (h *FallbackHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/opd-assignments", h.HandleAssignment)
}

// HandleAssignment handles POST /webhooks/opd-assignments.
func (h *FallbackHandler) HandleAssignment(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.metrics.Result("rejected")
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	if h.signingSecret != "" && !VerifySignature(raw, h.signingSecret, c.Request().Header.Get(SignatureHeader)) {
		h.metrics.Result("rejected")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		h.metrics.Result("rejected")
		return echo.NewHTTPError(http.StatusBadRequest, "body must be a JSON object")
	}

	ev, err := ParseAssignmentEvent(body)
	if errors.Is(err, ErrMissingRecipient) {
		h.metrics.Result("rejected")
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	p := ev.Payload
	if h.enricher != nil {
		p = h.enricher.Enrich(ctx, p)
	}

	msg := delivery.NewMessage(ev.EventType, p)
	delivered := h.deliverer.Deliver(ctx, ev.RecipientID, msg, ev.MessageID)

	result := "cached"
	if delivered {
		result = "delivered"
	}
	h.metrics.Result(result)
	h.logger.Info().
		Str("doctor_id", ev.RecipientID).
		Str("message_id", ev.MessageID).
		Str("event", ev.EventType).
		Bool("delivered", delivered).
		Msg("webhook assignment relayed")

	return c.JSON(http.StatusOK, Response{
		Success:   true,
		Delivered: delivered,
		DoctorID:  ev.RecipientID,
	})
}
