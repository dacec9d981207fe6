// Package services: handoff detection.
//
// A handoff request can surface two ways: the agent replies with one of the
// configured hint phrases, or it sets a truthy session parameter. Either
// signal moves the conversation to the pending-handoff state.
package services

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/tbourn/go-conversation-backend/internal/config"
)

var foldCaser = cases.Fold()

// HandoffDetector decides whether an NLU turn requested a human handoff.
type HandoffDetector struct {
	cfg config.HandoffConfig

	// normalized hints, precomputed once
	hints []string
}

// NewHandoffDetector precomputes normalized hint phrases from cfg.
func NewHandoffDetector(cfg config.HandoffConfig) *HandoffDetector {
	d := &HandoffDetector{cfg: cfg}
	for _, h := range cfg.Hints {
		if n := normalizeText(h); n != "" {
			d.hints = append(d.hints, n)
		}
	}
	return d
}

// Detect reports whether the turn signals a handoff: any reply text matching
// a hint, or the configured session parameter being truthy.
func (d *HandoffDetector) Detect(texts []string, params map[string]any) bool {
	hit, _ := d.DetectTrigger(texts, params)
	return hit
}

// DetectTrigger is Detect plus the trigger kind ("hint" or "param") for
// instrumentation. Hint matches are reported first.
func (d *HandoffDetector) DetectTrigger(texts []string, params map[string]any) (bool, string) {
	for _, t := range texts {
		if d.matchesHint(t) {
			return true, "hint"
		}
	}
	if d.paramTruthy(params) {
		return true, "param"
	}
	return false, ""
}

// matchesHint compares one reply text against the hint list using the
// configured mode. Exact mode compares the whole normalized phrase;
// substring mode reports a hit when the normalized text contains a hint.
func (d *HandoffDetector) matchesHint(text string) bool {
	n := normalizeText(text)
	if n == "" {
		return false
	}
	for _, h := range d.hints {
		switch d.cfg.MatchMode {
		case config.MatchSubstring:
			if strings.Contains(n, h) {
				return true
			}
		default: // config.MatchExact
			if n == h {
				return true
			}
		}
	}
	return false
}

// paramTruthy reports whether the configured parameter is present and truthy,
// looking one level into nested maps so agents that group their flags under a
// sub-object still work.
func (d *HandoffDetector) paramTruthy(params map[string]any) bool {
	if len(params) == 0 || d.cfg.ParamName == "" {
		return false
	}
	if v, ok := params[d.cfg.ParamName]; ok && truthy(v) {
		return true
	}
	for _, v := range params {
		if nested, ok := v.(map[string]any); ok {
			if nv, ok := nested[d.cfg.ParamName]; ok && truthy(nv) {
				return true
			}
		}
	}
	return false
}

// normalizeText collapses runs of whitespace to single spaces and case-folds
// the result, so hint comparison ignores formatting and casing differences.
func normalizeText(s string) string {
	return foldCaser.String(strings.Join(strings.Fields(s), " "))
}

// truthy interprets JSON-decoded parameter values: true booleans, non-zero
// numbers, and the usual affirmative strings count.
func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "y", "on":
			return true
		}
	}
	return false
}
