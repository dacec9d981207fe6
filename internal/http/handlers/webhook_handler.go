// Webhook HTTP handler.
//
// POST /webhook receives form-encoded message deliveries from the messaging
// provider. The handler is transport-thin and ack-first: it parses the form
// into a domain event, hands it to the pipeline on a background goroutine,
// and immediately acknowledges with an empty TwiML document. Replies are
// delivered over the REST transport once the conversation's buffer flushes,
// long after this request has completed.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-conversation-backend/internal/domain"
	"github.com/tbourn/go-conversation-backend/internal/services"
	"github.com/tbourn/go-conversation-backend/internal/sysutil"
)

// idempotencyTokenHeader is the provider's delivery-level dedup token. It
// changes per delivery attempt of the same message on some providers, so the
// message sid stays the preferred identity.
const idempotencyTokenHeader = "I-Twilio-Idempotency-Token"

// WebhookHandler receives inbound message webhooks.
type WebhookHandler struct {
	Pipeline *services.Pipeline

	// Timeout bounds the background processing of one event. Zero means a
	// sensible default.
	Timeout time.Duration
}

// NewWebhookHandler constructs a WebhookHandler around the pipeline.
func NewWebhookHandler(p *services.Pipeline) *WebhookHandler {
	return &WebhookHandler{Pipeline: p}
}

// Receive handles POST /webhook.
//
// The provider retries deliveries that are not acknowledged quickly, so the
// event is processed asynchronously and the acknowledgement never waits on
// the NLU. Redeliveries are absorbed by the idempotency guard downstream and
// acknowledged identically.
func (h *WebhookHandler) Receive(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed form body")
		return
	}

	ev, err := eventFromForm(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := h.Pipeline.HandleInbound(ctx, ev); err != nil {
			switch {
			case errors.Is(err, services.ErrDuplicateInbound),
				errors.Is(err, services.ErrConversationSilenced):
				// Expected outcomes, already counted.
			default:
				log.Error().Err(err).Str("conversation", ev.ConversationKey()).
					Msg("inbound processing failed")
			}
		}
	}()

	ackTwiML(c)
}

// eventFromForm maps the provider's form fields onto a domain event. A
// message with media but no text gets a placeholder body, so the NLU still
// sees an utterance and the ledger records what arrived.
func eventFromForm(c *gin.Context) (domain.InboundEvent, error) {
	from := strings.TrimSpace(c.PostForm("From"))
	if from == "" {
		return domain.InboundEvent{}, errors.New("missing From")
	}

	ev := domain.InboundEvent{
		From:              from,
		To:                strings.TrimSpace(c.PostForm("To")),
		Body:              c.PostForm("Body"),
		ProviderMessageID: sysutil.FirstNonEmpty(c.PostForm("MessageSid"), c.PostForm("SmsMessageSid")),
		IdempotencyToken:  strings.TrimSpace(c.GetHeader(idempotencyTokenHeader)),
		ProfileName:       strings.TrimSpace(c.PostForm("ProfileName")),
		ReceivedAt:        time.Now(),
	}

	if n, _ := strconv.Atoi(c.PostForm("NumMedia")); n > 0 {
		ev.MediaURL = c.PostForm("MediaUrl0")
		ev.MediaType = c.PostForm("MediaContentType0")
		if strings.TrimSpace(ev.Body) == "" {
			ev.Body = mediaPlaceholder(ev.MediaType)
		}
	}

	if strings.TrimSpace(ev.Body) == "" {
		return domain.InboundEvent{}, errors.New("missing Body")
	}
	if ev.ConversationKey() == "" {
		return domain.InboundEvent{}, errors.New("unusable From address")
	}
	return ev, nil
}

// mediaPlaceholder builds the stand-in body for a text-less media message.
func mediaPlaceholder(contentType string) string {
	kind := "an attachment"
	switch {
	case strings.HasPrefix(contentType, "image/"):
		kind = "an image"
	case strings.HasPrefix(contentType, "audio/"):
		kind = "a voice message"
	case strings.HasPrefix(contentType, "video/"):
		kind = "a video"
	case strings.HasPrefix(contentType, "application/pdf"):
		kind = "a document"
	}
	return fmt.Sprintf("[the user sent %s]", kind)
}
