// Package services: Pipeline.
//
// This file implements Pipeline, the application-level component that owns
// the life of an inbound webhook event: idempotent registration, conversation
// bookkeeping, aggregation, intent detection with retry, handoff transitions,
// reply selection, and guarded outbound dispatch.
//
// Observability: batch processing and dispatch are OpenTelemetry-instrumented;
// spans carry the conversation key and batch shape.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-conversation-backend/internal/config"
	"github.com/tbourn/go-conversation-backend/internal/domain"
	"github.com/tbourn/go-conversation-backend/internal/nlu"
	"github.com/tbourn/go-conversation-backend/internal/repo"
	"github.com/tbourn/go-conversation-backend/internal/transport"
)

// Pipeline coordinates the conversation flow from webhook to outbound reply.
type Pipeline struct {
	DB       *gorm.DB
	Detector nlu.Detector
	Sender   transport.Sender

	cfg      config.Config
	agg      *Aggregator
	handoff  *HandoffDetector
	selector *replySelector
}

// NewPipeline wires the pipeline and its aggregator. The aggregator's flush
// callback feeds ProcessBatch with a fresh background context; webhook
// request contexts are long gone by the time a buffer fires.
func NewPipeline(cfg config.Config, db *gorm.DB, detector nlu.Detector, sender transport.Sender) *Pipeline {
	p := &Pipeline{
		DB:       db,
		Detector: detector,
		Sender:   sender,
		cfg:      cfg,
		handoff:  NewHandoffDetector(cfg.Handoff),
		selector: newReplySelector(cfg.Handoff, cfg.NLU),
	}
	p.agg = NewAggregator(cfg.Debounce, func(b Batch) {
		ctx, cancel := context.WithTimeout(context.Background(), p.batchDeadline())
		defer cancel()
		if err := p.ProcessBatch(ctx, b); err != nil {
			log.Warn().Err(err).Str("conversation", b.Key).Msg("batch processing failed")
		}
	})
	return p
}

// Aggregator exposes the underlying buffer manager for the debug surface and
// graceful shutdown.
func (p *Pipeline) Aggregator() *Aggregator { return p.agg }

// Close flushes all open buffers. Call on shutdown.
func (p *Pipeline) Close() { p.agg.Close() }

// batchDeadline bounds one batch end to end: every NLU attempt at its own
// timeout, the outbound retries, plus slack for the store.
func (p *Pipeline) batchDeadline() time.Duration {
	d := p.cfg.NLU.Timeout*time.Duration(p.cfg.NLU.RetryAttempts) +
		p.cfg.Outbound.RetryBackoff*time.Duration(p.cfg.Outbound.RetryAttempts+1)
	return d + 15*time.Second
}

// HandleInbound registers one webhook event and either buffers it or, with
// aggregation disabled, processes it as a single-fragment batch right away.
//
// A redelivered event returns ErrDuplicateInbound; callers acknowledge it to
// the provider exactly like a fresh one.
func (p *Pipeline) HandleInbound(ctx context.Context, ev domain.InboundEvent) error {
	key := ev.ConversationKey()
	if key == "" {
		inboundTotal.WithLabelValues("invalid").Inc()
		return errors.New("inbound event has no usable sender address")
	}

	conv, err := repo.EnsureConversation(ctx, p.DB, key, ev.SessionID())
	if err != nil {
		return err
	}

	inboundID := ev.InboundID()
	msg := &domain.InboundMessage{
		ID:             inboundID,
		ConversationID: conv.ID,
		Body:           ev.Body,
		ProfileName:    ev.ProfileName,
		MediaURL:       ev.MediaURL,
		MediaType:      ev.MediaType,
		CreatedAt:      ev.ReceivedAt.UTC(),
	}
	if err := repo.CreateInboundIfNew(ctx, p.DB, msg); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			inboundTotal.WithLabelValues("duplicate").Inc()
			log.Info().Str("conversation", key).Str("inbound_id", inboundID).
				Msg("duplicate delivery ignored")
			return ErrDuplicateInbound
		}
		return err
	}
	inboundTotal.WithLabelValues("accepted").Inc()

	if err := repo.TouchConversation(ctx, p.DB, key, ev.Body, ev.ProfileName, ev.ReceivedAt); err != nil {
		// Bookkeeping only; the fragment is already registered.
		log.Warn().Err(err).Str("conversation", key).Msg("touch conversation failed")
	}

	frag := Fragment{ID: inboundID, Body: ev.Body, At: ev.ReceivedAt}
	if !p.cfg.Debounce.Enabled {
		return p.ProcessBatch(ctx, Batch{Key: key, Fragments: []Fragment{frag}, OpenedAt: ev.ReceivedAt})
	}
	p.agg.Add(key, frag)
	return nil
}

// ProcessBatch runs one flushed batch through state gates, the NLU, handoff
// detection, reply selection, and dispatch.
func (p *Pipeline) ProcessBatch(ctx context.Context, b Batch) error {
	tr := otel.Tracer("services/Pipeline")
	ctx, span := tr.Start(ctx, "ProcessBatch",
		trace.WithAttributes(
			attribute.String("conversation.key", b.Key),
			attribute.Int("batch.fragments", len(b.Fragments)),
		),
	)
	defer span.End()

	flushTotal.Inc()
	flushSize.Observe(float64(len(b.Fragments)))

	text := b.Text()
	if strings.TrimSpace(text) == "" {
		return ErrEmptyBatch
	}

	conv, err := repo.GetConversation(ctx, p.DB, b.Key)
	if err != nil {
		return err
	}

	proceed, err := p.applyStateGates(ctx, conv)
	if err != nil {
		return err
	}
	if !proceed {
		dispatchTotal.WithLabelValues("suppressed").Inc()
		log.Info().Str("conversation", conv.ID).Str("state", conv.State).
			Msg("reply suppressed, human owns the conversation")
		return ErrConversationSilenced
	}

	res, nluErr := p.detectWithRetry(ctx, conv.SessionID, text)
	t := turn{nluFailed: nluErr != nil}
	if nluErr == nil {
		t.texts = res.Texts

		if raw, err := json.Marshal(res.Parameters); err == nil && len(res.Parameters) > 0 {
			if err := repo.SaveSessionParams(ctx, p.DB, conv.ID, string(raw)); err != nil {
				log.Warn().Err(err).Str("conversation", conv.ID).Msg("save session params failed")
			}
		}

		var trigger string
		t.handoff, trigger = p.handoff.DetectTrigger(res.Texts, res.Parameters)
		if t.handoff {
			handoffTotal.WithLabelValues(trigger).Inc()
			if p.cfg.Handoff.Enabled {
				if err := repo.UpdateConversationState(ctx, p.DB, conv.ID, domain.StatePendingHandoff); err != nil {
					return err
				}
				log.Info().Str("conversation", conv.ID).Str("trigger", trigger).
					Msg("conversation pending handoff")
			}
		}
	} else {
		log.Error().Err(nluErr).Str("conversation", conv.ID).Msg("detect intent exhausted retries")
	}

	reply, rule := p.selector.selectReply(t)
	span.SetAttributes(attribute.String("reply.rule", rule))
	if strings.TrimSpace(reply) == "" {
		dispatchTotal.WithLabelValues("suppressed").Inc()
		return nil
	}

	err = p.Dispatch(ctx, conv.ID, b.RepresentativeID(), reply)
	if errors.Is(err, ErrDuplicateOutbound) {
		return nil
	}
	return err
}

// applyStateGates enforces the conversation state machine before any NLU
// call. It reports whether processing may continue.
//
//   - pending_handoff, claimed: the bot stays silent while a human owns the
//     conversation. With handoff disabled and force-bot on, the conversation
//     is reclaimed instead.
//   - resolved: the conversation reopens in the normal state and the stale
//     session parameters are dropped.
func (p *Pipeline) applyStateGates(ctx context.Context, conv *domain.Conversation) (bool, error) {
	switch conv.State {
	case domain.StatePendingHandoff, domain.StateClaimed:
		if !p.cfg.Handoff.Enabled && p.cfg.Handoff.ForceBot {
			if err := repo.UpdateConversationState(ctx, p.DB, conv.ID, domain.StateNormal); err != nil {
				return false, err
			}
			conv.State = domain.StateNormal
			log.Info().Str("conversation", conv.ID).Msg("conversation reclaimed by bot")
			return true, nil
		}
		return false, nil
	case domain.StateResolved:
		if err := repo.UpdateConversationState(ctx, p.DB, conv.ID, domain.StateNormal); err != nil {
			return false, err
		}
		if err := repo.SaveSessionParams(ctx, p.DB, conv.ID, ""); err != nil {
			log.Warn().Err(err).Str("conversation", conv.ID).Msg("clear session params failed")
		}
		conv.State = domain.StateNormal
		conv.SessionParams = ""
		log.Info().Str("conversation", conv.ID).Msg("resolved conversation reopened")
		return true, nil
	default:
		return true, nil
	}
}

// detectWithRetry calls the NLU with exponential backoff. Transient failures
// are retried up to the configured attempt budget; permanent ones stop
// immediately.
func (p *Pipeline) detectWithRetry(ctx context.Context, sessionID, text string) (*nlu.Result, error) {
	attempt := 0
	op := func() (*nlu.Result, error) {
		attempt++
		res, err := p.Detector.DetectIntent(ctx, sessionID, text)
		if err != nil {
			if nlu.IsTransient(err) {
				nluCalls.WithLabelValues("retried").Inc()
				log.Warn().Err(err).Int("attempt", attempt).Msg("detect intent attempt failed")
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return res, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 3 * time.Second

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.cfg.NLU.RetryAttempts)),
	)
	if err != nil {
		nluCalls.WithLabelValues("failed").Inc()
		return nil, errors.Join(ErrNLUUnavailable, err)
	}
	nluCalls.WithLabelValues("ok").Inc()
	return res, nil
}

// Dispatch records the reply under its deterministic outbound id and, when
// the record is fresh, delivers it. A duplicate id means this reply already
// went out (or is going out); nothing is sent and ErrDuplicateOutbound comes
// back. A failed delivery keeps the record with Delivered=false; the guard
// intentionally stays, so a crashed send is not retried by a replayed
// webhook but surfaces in the undelivered count instead.
func (p *Pipeline) Dispatch(ctx context.Context, convID, inboundID, text string) error {
	tr := otel.Tracer("services/Pipeline")
	ctx, span := tr.Start(ctx, "Dispatch",
		trace.WithAttributes(attribute.String("conversation.key", convID)),
	)
	defer span.End()

	if strings.TrimSpace(inboundID) == "" {
		return errors.New("dispatch: empty inbound id")
	}
	outID := domain.OutboundID(inboundID)

	rec := &domain.OutboundMessage{ID: outID, ConversationID: convID, Body: text}
	if err := repo.CreateOutboundIfNew(ctx, p.DB, rec); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			dispatchTotal.WithLabelValues("duplicate").Inc()
			return ErrDuplicateOutbound
		}
		return err
	}

	sid, err := p.sendWithRetry(ctx, convID, text)
	if err != nil {
		dispatchTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("conversation", convID).Str("outbound_id", outID).
			Msg("outbound delivery failed")
		return err
	}

	if err := repo.MarkOutboundDelivered(ctx, p.DB, outID, sid); err != nil {
		log.Warn().Err(err).Str("outbound_id", outID).Msg("mark delivered failed")
	}
	dispatchTotal.WithLabelValues("sent").Inc()
	log.Info().Str("conversation", convID).Str("outbound_id", outID).Str("sid", sid).
		Msg("reply delivered")
	return nil
}

// sendWithRetry delivers with a fixed delay between attempts. Only transient
// transport failures are retried.
func (p *Pipeline) sendWithRetry(ctx context.Context, to, text string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.Outbound.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.cfg.Outbound.RetryBackoff):
			}
		}
		sid, err := p.Sender.Send(ctx, to, text)
		if err == nil {
			return sid, nil
		}
		lastErr = err
		if !errors.Is(err, transport.ErrTransient) {
			break
		}
	}
	return "", lastErr
}
