package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-conversation-backend/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.NLUConfig{
		Endpoint:     srv.URL,
		Project:      "proj",
		Location:     "global",
		AgentID:      "agent-1",
		LanguageCode: "en",
		Token:        "secret-token",
		Timeout:      2 * time.Second,
	}), srv
}

func TestDetectIntent_OK(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq map[string]any

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"queryResult": map[string]any{
				"responseMessages": []map[string]any{
					{"text": map[string]any{"text": []string{"Hello!", ""}}},
					{"text": map[string]any{"text": []string{"How can I help?"}}},
				},
				"parameters": map[string]any{"handoff_requested": true},
			},
		})
	})

	res, err := c.DetectIntent(context.Background(), "15550006789", "hi there")
	if err != nil {
		t.Fatalf("DetectIntent: %v", err)
	}

	if want := "/v3/projects/proj/locations/global/agents/agent-1/sessions/15550006789:detectIntent"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("auth = %q", gotAuth)
	}
	if len(res.Texts) != 2 || res.Texts[0] != "Hello!" {
		t.Errorf("Texts = %#v (blank entries should be dropped)", res.Texts)
	}
	if v, ok := res.Parameters["handoff_requested"].(bool); !ok || !v {
		t.Errorf("Parameters = %#v", res.Parameters)
	}

	qi, _ := gotReq["queryInput"].(map[string]any)
	if qi == nil || qi["languageCode"] != "en" {
		t.Errorf("request queryInput = %#v", gotReq["queryInput"])
	}
}

func TestDetectIntent_ServerErrorIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := c.DetectIntent(context.Background(), "s1", "hi")
	if err == nil || !IsTransient(err) {
		t.Fatalf("5xx should be transient, got %v", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error should carry the status, got %v", err)
	}
}

func TestDetectIntent_RateLimitIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.DetectIntent(context.Background(), "s1", "hi")
	if !IsTransient(err) {
		t.Fatalf("429 should be transient, got %v", err)
	}
}

func TestDetectIntent_ClientErrorIsPermanent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad agent id", http.StatusNotFound)
	})

	_, err := c.DetectIntent(context.Background(), "s1", "hi")
	if err == nil || IsTransient(err) {
		t.Fatalf("4xx should be permanent, got %v", err)
	}
}

func TestDetectIntent_NetworkErrorIsTransient(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close() // refuse connections from here on

	_, err := c.DetectIntent(context.Background(), "s1", "hi")
	if !IsTransient(err) {
		t.Fatalf("network failure should be transient, got %v", err)
	}
}

func TestDetectIntent_EmptySession(t *testing.T) {
	c := NewClient(config.NLUConfig{Endpoint: "http://127.0.0.1:0", Timeout: time.Second})
	if _, err := c.DetectIntent(context.Background(), "  ", "hi"); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestIsTransient_Wrapping(t *testing.T) {
	base := errors.New("boom")
	if !IsTransient(Transient(base)) {
		t.Error("wrapped error should be transient")
	}
	if IsTransient(base) {
		t.Error("plain error must not be transient")
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	if !errors.Is(Transient(base), base) {
		t.Error("Transient should unwrap to the base error")
	}
}
