package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-conversation-backend/internal/config"
	"github.com/tbourn/go-conversation-backend/internal/domain"
	"github.com/tbourn/go-conversation-backend/internal/http/middleware"
	"github.com/tbourn/go-conversation-backend/internal/nlu"
	"github.com/tbourn/go-conversation-backend/internal/repo"
	"github.com/tbourn/go-conversation-backend/internal/services"
)

// --- tiny fakes to satisfy the pipeline's NLU and transport seams ---

type fakeDetector struct{}

func (fakeDetector) DetectIntent(_ context.Context, _, _ string) (*nlu.Result, error) {
	return &nlu.Result{Texts: []string{"ok"}}, nil
}

type fakeSender struct{}

func (fakeSender) Send(_ context.Context, _, _ string) (string, error) { return "SMout", nil }

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:routerdb?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// schema so handlers don't explode on list endpoints
	if err := db.AutoMigrate(&domain.Conversation{}, &domain.InboundMessage{}, &domain.OutboundMessage{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func baseConfig() config.Config {
	return config.Config{
		RateRPS:   100,
		RateBurst: 50,
		CORS:      config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:  config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:      config.OTELConfig{ServiceName: "test-svc"},
		Debounce:  config.DebounceConfig{Enabled: false},
		NLU: config.NLUConfig{
			Timeout:        time.Second,
			RetryAttempts:  1,
			StabilityText:  "stability",
			EmptyReplyText: "rephrase",
		},
		Handoff:  config.HandoffConfig{Enabled: true, ParamName: "handoff_requested", MatchMode: config.MatchExact},
		Outbound: config.OutboundConfig{RetryAttempts: 0, RetryBackoff: time.Millisecond},
	}
}

func newTestRouter(t *testing.T, cfg config.Config) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)
	pipe := services.NewPipeline(cfg, db, fakeDetector{}, fakeSender{})
	t.Cleanup(pipe.Close)
	RegisterRoutes(r, db, pipe, cfg)
	return r, db
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _ := newTestRouter(t, baseConfig())

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (DELETE /health)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := baseConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r, _ := newTestRouter(t, cfg)

	// Any request runs through CORS middleware; header should reflect origin.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func TestRegisterRoutes_WebhookUnsignedWhenNoToken(t *testing.T) {
	r, _ := newTestRouter(t, baseConfig()) // no Transport.AuthToken

	form := url.Values{}
	form.Set("From", "whatsapp:+15550001111")
	form.Set("Body", "hello")
	form.Set("MessageSid", "SMrouter1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("unsigned webhook = %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "<Response></Response>") {
		t.Fatalf("expected empty TwiML ack, got %q", w.Body.String())
	}
}

func TestRegisterRoutes_WebhookSignatureEnforced(t *testing.T) {
	cfg := baseConfig()
	cfg.Transport.AuthToken = "router-secret"
	r, _ := newTestRouter(t, cfg)

	form := url.Values{}
	form.Set("From", "whatsapp:+15550002222")
	form.Set("Body", "hello")
	form.Set("MessageSid", "SMrouter2")

	// Unsigned → 403
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("unsigned webhook expected 403, got %d", w.Code)
	}

	// Signed with the right token → acked
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	sig := middleware.ComputeSignature(cfg.Transport.AuthToken, "http://example.com/webhook", form)
	req.Header.Set(middleware.HeaderSignature, sig)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("signed webhook = %d body=%s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_DebugAndAdminWired(t *testing.T) {
	r, db := newTestRouter(t, baseConfig())

	// Debug buffers respond even when empty.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/buffers", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"open":0`) {
		t.Fatalf("GET /debug/buffers = %d %s", w.Code, w.Body.String())
	}

	// Admin listing hits the DB through the gzip group.
	if _, err := repo.EnsureConversation(context.Background(), db, "+15550003333", "3333"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/conversations?state=normal", nil)
	req.Header.Set("Accept-Encoding", "identity")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /admin/conversations = %d %s", w.Code, w.Body.String())
	}
}

// Smoke test that a request traverses otel + request id + ratelimit + security headers.
func TestPipeline_Smoke(t *testing.T) {
	cfg := baseConfig()
	cfg.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour} // only set on https
	r, _ := newTestRouter(t, cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.URL.Scheme = "https"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	// RequestID header should be present (from RequestID middleware)
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}
