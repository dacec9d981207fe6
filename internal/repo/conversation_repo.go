// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a conversation is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// EnsureConversation fetches the conversation identified by key, creating it
// in StateNormal when missing. A concurrent creator winning the insert race
// is handled by re-reading the row, so the call never fails on a duplicate.
func EnsureConversation(ctx context.Context, db *gorm.DB, key, sessionID string) (*domain.Conversation, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("empty conversation key")
	}

	var c domain.Conversation
	err := db.WithContext(ctx).Where("id = ?", key).First(&c).Error
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	c = domain.Conversation{
		ID:        key,
		SessionID: sessionID,
		State:     domain.StateNormal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(&c).Error; err != nil {
		if isUniqueViolation(err) {
			var existing domain.Conversation
			if err2 := db.WithContext(ctx).Where("id = ?", key).First(&existing).Error; err2 == nil {
				return &existing, nil
			}
		}
		return nil, err
	}
	return &c, nil
}

// GetConversation fetches a conversation by key, or ErrNotFound if missing.
func GetConversation(ctx context.Context, db *gorm.DB, key string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).Where("id = ?", key).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// TouchConversation records the latest inbound activity on a conversation:
// last text, profile name (when non-empty) and the arrival timestamp.
func TouchConversation(ctx context.Context, db *gorm.DB, key, lastText, profileName string, at time.Time) error {
	updates := map[string]any{
		"last_text":       lastText,
		"last_inbound_at": at.UTC(),
		"updated_at":      time.Now().UTC(),
	}
	if strings.TrimSpace(profileName) != "" {
		updates["profile_name"] = profileName
	}
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", key).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateConversationState transitions a conversation to the given state.
// Entering the pending-handoff state stamps PendingSince; leaving it clears
// the stamp. Returns ErrNotFound if the conversation does not exist.
func UpdateConversationState(ctx context.Context, db *gorm.DB, key, state string) error {
	updates := map[string]any{
		"state":      state,
		"updated_at": time.Now().UTC(),
	}
	if state == domain.StatePendingHandoff {
		now := time.Now().UTC()
		updates["pending_since"] = &now
	} else {
		updates["pending_since"] = nil
	}
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", key).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SaveSessionParams persists the JSON-encoded NLU session parameters of the
// latest exchange. Returns ErrNotFound if the conversation does not exist.
func SaveSessionParams(ctx context.Context, db *gorm.DB, key, params string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", key).
		Updates(map[string]any{
			"session_params": params,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListConversationsByState returns conversations in the given state, oldest
// update first, so an operator surface can drain the pending queue in order.
func ListConversationsByState(ctx context.Context, db *gorm.DB, state string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("state = ?", state).
		Order("updated_at asc").
		Find(&out).Error
	return out, err
}

// isUniqueViolation reports whether err is a primary-key or UNIQUE constraint
// failure. glebarez/sqlite often returns plain-text errors for these.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
