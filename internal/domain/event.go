package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// InboundEvent is one webhook delivery after transport-level parsing, before
// idempotency registration. It is a transient value, not a persisted row.
type InboundEvent struct {
	// From is the raw channel address, e.g. "whatsapp:+15550006789".
	From string
	// To is the bot's own channel address.
	To   string
	Body string
	// ProviderMessageID is the provider's message sid, when present.
	ProviderMessageID string
	// IdempotencyToken is the provider's delivery-level dedup token, when present.
	IdempotencyToken string
	ProfileName      string
	MediaURL         string
	MediaType        string
	ReceivedAt       time.Time
}

// ConversationKey derives the conversation identity from the sender address:
// E.164 with a leading "+", channel prefix stripped.
func (e InboundEvent) ConversationKey() string {
	s := sessionFrom(e.From)
	if s == "" {
		return ""
	}
	return "+" + s
}

// SessionID derives the NLU session id: digits only, no "+" and no channel
// prefix, stable for the lifetime of the conversation.
func (e InboundEvent) SessionID() string { return sessionFrom(e.From) }

// InboundID derives the inbound idempotency id: provider message id first,
// then the delivery idempotency token, then a content hash bucketed to the
// arrival second. Two distinct uploads of the same text in the same second
// from the same sender collapse to one id, which is the desired behavior for
// a provider that lost its own message id.
func (e InboundEvent) InboundID() string {
	if id := strings.TrimSpace(e.ProviderMessageID); id != "" {
		return id
	}
	if tok := strings.TrimSpace(e.IdempotencyToken); tok != "" {
		return tok
	}
	bucket := e.ReceivedAt.UTC().Truncate(time.Second).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(e.ConversationKey() + "\x00" + e.Body + "\x00" + bucket))
	return "sha:" + hex.EncodeToString(sum[:16])
}

func sessionFrom(from string) string {
	s := from
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(strings.ReplaceAll(s, "+", ""))
	return s
}
