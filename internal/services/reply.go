// Package services: reply selection.
//
// After a batch has been through the NLU and handoff stages, exactly one of
// several candidate texts goes out. The candidates form an ordered chain;
// the first rule whose predicate holds AND whose text is non-empty wins, so
// the precedence is explicit in one place instead of scattered across
// branches. A rule that applies but produces an empty text yields to the
// next candidate; multiple predicates can be true at once.
package services

import (
	"strings"

	"github.com/tbourn/go-conversation-backend/internal/config"
)

// turn carries everything reply selection needs to know about one processed
// batch.
type turn struct {
	// handoff is true when this turn requested a human handoff.
	handoff bool
	// nluFailed is true when detect-intent kept failing after all attempts.
	nluFailed bool
	// texts are the agent's reply texts, possibly empty.
	texts []string
}

type selectionRule struct {
	name    string
	applies func(t turn) bool
	text    func(t turn) string
}

// replySelector resolves a turn to the single outbound text.
type replySelector struct {
	rules []selectionRule
}

// newReplySelector builds the rule chain. Order is the contract:
//
//  1. handoff requested, handoff enabled: the agent's own text first,
//     falling back to the acknowledgement text when the agent said nothing
//  2. handoff requested, handoff disabled: the "agents unavailable" text,
//     falling back to the agent's text, then the acknowledgement text
//  3. NLU kept failing: the stability fallback
//  4. agent produced texts: all of them, one per line
//  5. agent produced nothing: the empty-reply fallback
func newReplySelector(handoffCfg config.HandoffConfig, nluCfg config.NLUConfig) *replySelector {
	enabled := func(t turn) bool { return t.handoff && handoffCfg.Enabled }
	disabled := func(t turn) bool { return t.handoff && !handoffCfg.Enabled }
	return &replySelector{rules: []selectionRule{
		{
			name:    "handoff_nlu_text",
			applies: enabled,
			text:    func(t turn) string { return joinTexts(t.texts) },
		},
		{
			name:    "handoff_ack",
			applies: enabled,
			text:    func(turn) string { return handoffCfg.AckText },
		},
		{
			name:    "handoff_disabled",
			applies: disabled,
			text:    func(turn) string { return handoffCfg.DisabledText },
		},
		{
			name:    "handoff_disabled_nlu_text",
			applies: disabled,
			text:    func(t turn) string { return joinTexts(t.texts) },
		},
		{
			name:    "handoff_disabled_ack",
			applies: disabled,
			text:    func(turn) string { return handoffCfg.AckText },
		},
		{
			name:    "nlu_failed",
			applies: func(t turn) bool { return t.nluFailed },
			text:    func(turn) string { return nluCfg.StabilityText },
		},
		{
			name:    "agent_text",
			applies: func(turn) bool { return true },
			text:    func(t turn) string { return joinTexts(t.texts) },
		},
		{
			name:    "empty_reply",
			applies: func(turn) bool { return true },
			text:    func(turn) string { return nluCfg.EmptyReplyText },
		},
	}}
}

// selectReply returns the outbound text and the name of the rule that chose
// it. A rule only wins with a non-empty text; when every applicable rule's
// text is configured away the result is empty, and the dispatcher treats
// that as deliberate silence.
func (s *replySelector) selectReply(t turn) (text, rule string) {
	for _, r := range s.rules {
		if !r.applies(t) {
			continue
		}
		if out := r.text(t); strings.TrimSpace(out) != "" {
			return out, r.name
		}
	}
	return "", ""
}

func joinTexts(texts []string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		if s := strings.TrimSpace(t); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}
