package nlu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-conversation-backend/internal/config"
)

// Client calls a Dialogflow-CX-style detect-intent REST API. One call per
// aggregated batch; the service layer owns retries and backoff.
type Client struct {
	cfg  config.NLUConfig
	http *http.Client
}

// NewClient builds a Client from cfg. The HTTP client's timeout is the
// per-call deadline; callers may additionally bound the context.
func NewClient(cfg config.NLUConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type detectIntentRequest struct {
	QueryInput struct {
		Text struct {
			Text string `json:"text"`
		} `json:"text"`
		LanguageCode string `json:"languageCode"`
	} `json:"queryInput"`
}

type detectIntentResponse struct {
	QueryResult struct {
		ResponseMessages []struct {
			Text struct {
				Text []string `json:"text"`
			} `json:"text"`
		} `json:"responseMessages"`
		Parameters map[string]any `json:"parameters"`
	} `json:"queryResult"`
}

// DetectIntent sends one utterance to the agent session identified by
// sessionID and decodes the reply texts and session parameters.
//
// Error classification: network failures, timeouts, 429 and 5xx responses
// come back wrapped as transient; 4xx responses and decode failures are
// permanent.
func (c *Client) DetectIntent(ctx context.Context, sessionID, text string) (*Result, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("nlu: empty session id")
	}

	var req detectIntentRequest
	req.QueryInput.Text.Text = text
	req.QueryInput.LanguageCode = c.cfg.LanguageCode

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("nlu: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL(sessionID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("nlu: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("nlu: detect intent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, Transient(err)
		}
		return nil, err
	}

	var out detectIntentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("nlu: decode response: %w", err)
	}

	res := &Result{Parameters: out.QueryResult.Parameters}
	for _, m := range out.QueryResult.ResponseMessages {
		for _, t := range m.Text.Text {
			if strings.TrimSpace(t) != "" {
				res.Texts = append(res.Texts, t)
			}
		}
	}

	log.Debug().
		Str("session_id", sessionID).
		Int("texts", len(res.Texts)).
		Int("parameters", len(res.Parameters)).
		Msg("detect intent ok")

	return res, nil
}

func (c *Client) sessionURL(sessionID string) string {
	base := strings.TrimRight(c.cfg.Endpoint, "/")
	return fmt.Sprintf("%s/v3/projects/%s/locations/%s/agents/%s/sessions/%s:detectIntent",
		base,
		url.PathEscape(c.cfg.Project),
		url.PathEscape(c.cfg.Location),
		url.PathEscape(c.cfg.AgentID),
		url.PathEscape(sessionID),
	)
}
