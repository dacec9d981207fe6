// Debug and admin HTTP handlers.
//
// The debug surface exposes the live aggregation buffers for operators
// chasing a stuck conversation. The admin surface is the minimal state
// machine control an operator console needs: list conversations by state,
// claim one, resolve one. Neither surface is meant for end users; deploy
// behind network-level access control.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-backend/internal/domain"
	"github.com/tbourn/go-conversation-backend/internal/repo"
	"github.com/tbourn/go-conversation-backend/internal/services"
)

// DebugHandler exposes aggregator internals.
type DebugHandler struct {
	Agg *services.Aggregator
}

// Buffers handles GET /debug/buffers: a snapshot of every open buffer.
func (h *DebugHandler) Buffers(c *gin.Context) {
	snap := h.Agg.Snapshot()
	ok(c, http.StatusOK, gin.H{
		"now":     time.Now().UTC(),
		"open":    len(snap),
		"buffers": snap,
	})
}

// FlushBuffer handles POST /debug/buffers/flush?key=...: force-flush one
// conversation's buffer without waiting for its timer.
func (h *DebugHandler) FlushBuffer(c *gin.Context) {
	key := strings.TrimSpace(c.Query("key"))
	if key == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "missing key")
		return
	}
	flushed := h.Agg.FlushNow(key)
	ok(c, http.StatusOK, gin.H{"key": key, "flushed": flushed})
}

// AdminHandler exposes conversation state control.
type AdminHandler struct {
	DB *gorm.DB
}

// ListConversations handles GET /admin/conversations?state=pending_handoff.
func (h *AdminHandler) ListConversations(c *gin.Context) {
	state := strings.TrimSpace(c.Query("state"))
	if state == "" {
		state = domain.StatePendingHandoff
	}
	switch state {
	case domain.StateNormal, domain.StatePendingHandoff, domain.StateClaimed, domain.StateResolved:
	default:
		fail(c, http.StatusBadRequest, ErrCodeInvalidState, "unknown state")
		return
	}

	convs, err := repo.ListConversationsByState(c.Request.Context(), h.DB, state)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "list conversations failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"state": state, "conversations": convs})
}

// ConversationHistory handles GET /admin/conversations/:id/messages: the
// inbound ledger for one conversation, oldest first.
func (h *AdminHandler) ConversationHistory(c *gin.Context) {
	id := c.Param("id")
	msgs, err := repo.ListInbound(c.Request.Context(), h.DB, id, 200)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "list messages failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"conversation": id, "messages": msgs})
}

type stateChangeRequest struct {
	State string `json:"state" binding:"required"`
}

// SetConversationState handles POST /admin/conversations/:id/state.
//
// Claiming moves a pending conversation to a human agent; resolving hands it
// back, and the next inbound message reopens it in the normal state with
// fresh session parameters.
func (h *AdminHandler) SetConversationState(c *gin.Context) {
	var req stateChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "missing state")
		return
	}
	switch req.State {
	case domain.StatePendingHandoff, domain.StateClaimed, domain.StateResolved, domain.StateNormal:
	default:
		fail(c, http.StatusBadRequest, ErrCodeInvalidState, "unknown state")
		return
	}

	id := c.Param("id")
	err := repo.UpdateConversationState(c.Request.Context(), h.DB, id, req.State)
	if errors.Is(err, repo.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "update state failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"conversation": id, "state": req.State})
}
