package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-conversation-backend/internal/config"
)

// TwilioSender posts messages to the Twilio Messages REST API with HTTP basic
// auth. Addresses keep their channel prefix ("whatsapp:+1555...") end to end;
// Twilio requires it on both From and To.
type TwilioSender struct {
	cfg  config.TransportConfig
	http *http.Client
}

// NewTwilioSender builds a sender from cfg.
func NewTwilioSender(cfg config.TransportConfig) *TwilioSender {
	return &TwilioSender{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

type twilioMessageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts one message and returns the provider sid. 429 and 5xx responses
// and network failures are tagged with ErrTransient; other API rejections are
// permanent.
func (s *TwilioSender) Send(ctx context.Context, to, body string) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", errors.New("transport: empty destination")
	}

	form := url.Values{}
	form.Set("From", s.cfg.From)
	form.Set("To", withChannelPrefix(to, s.cfg.From))
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(s.cfg.AccountSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", transient(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", transient(fmt.Errorf("transport: send returned %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr twilioMessageResponse
		_ = json.Unmarshal(raw, &apiErr)
		return "", fmt.Errorf("transport: send rejected (%d, code %d): %s",
			resp.StatusCode, apiErr.Code, apiErr.Message)
	}

	var out twilioMessageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("transport: decode response: %w", err)
	}

	log.Debug().
		Str("sid", out.SID).
		Str("status", out.Status).
		Msg("outbound message accepted")

	return out.SID, nil
}

// withChannelPrefix copies the channel prefix of the sender address onto the
// destination when the destination is a bare E.164 number. A destination that
// already carries a prefix is left alone.
func withChannelPrefix(to, from string) string {
	if strings.Contains(to, ":") {
		return to
	}
	if i := strings.IndexByte(from, ':'); i > 0 {
		return from[:i+1] + to
	}
	return to
}
