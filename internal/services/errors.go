// Package services implements the conversation pipeline: inbound
// registration, per-conversation aggregation, intent detection with retry,
// handoff bookkeeping, reply selection, and outbound dispatch.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
package services

import "errors"

var (
	// ErrDuplicateInbound indicates the inbound fragment was already
	// registered; the redelivered webhook must be acknowledged and ignored.
	ErrDuplicateInbound = errors.New("inbound message already processed")

	// ErrDuplicateOutbound indicates a reply for the triggering inbound id
	// was already recorded; nothing must be sent.
	ErrDuplicateOutbound = errors.New("outbound reply already recorded")

	// ErrEmptyBatch is returned when a flush produced no sendable text and
	// no fallback applies.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrNLUUnavailable indicates the detect-intent call kept failing after
	// all retry attempts.
	ErrNLUUnavailable = errors.New("nlu unavailable")

	// ErrConversationSilenced indicates a human owns the conversation and
	// the bot must not reply.
	ErrConversationSilenced = errors.New("conversation owned by a human agent")
)
