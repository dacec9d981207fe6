// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the inbound and
// outbound message ledgers.
//
// Both ledgers double as idempotency guards: the primary key of each table is
// the provider-derived idempotency id, so registration is a conditional
// insert. The second attempt for the same id fails its insert with a unique
// violation, which is surfaced as ErrDuplicate. There is deliberately no
// read-before-write existence check; under concurrent redelivery that pattern
// lets both deliveries through.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-backend/internal/domain"
)

// ErrDuplicate indicates that a message with the same idempotency id has
// already been recorded.
var ErrDuplicate = errors.New("duplicate")

// CreateInboundIfNew registers an inbound fragment under its idempotency id.
// Returns ErrDuplicate when the id is already claimed.
func CreateInboundIfNew(ctx context.Context, db *gorm.DB, m *domain.InboundMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// CreateOutboundIfNew records the decision to send a reply under its
// deterministic outbound id. Returns ErrDuplicate when a reply for the same
// triggering inbound id has already been recorded, in which case nothing
// must be sent.
func CreateOutboundIfNew(ctx context.Context, db *gorm.DB, m *domain.OutboundMessage) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// MarkOutboundDelivered flips the delivery flag and stores the transport sid
// after the transport accepts the message. Returns ErrNotFound if the row is
// missing.
func MarkOutboundDelivered(ctx context.Context, db *gorm.DB, id, transportSID string) error {
	res := db.WithContext(ctx).
		Model(&domain.OutboundMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"delivered":     true,
			"transport_sid": transportSID,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListInbound returns the inbound fragments of a conversation in arrival
// order. Used by the operator surface, not by the hot path.
func ListInbound(ctx context.Context, db *gorm.DB, conversationID string, limit int) ([]domain.InboundMessage, error) {
	q := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.InboundMessage
	err := q.Find(&out).Error
	return out, err
}

// CountUndelivered returns the number of outbound rows whose transport send
// never succeeded, for operator follow-up.
func CountUndelivered(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.OutboundMessage{}).
		Where("delivered = ?", false).
		Count(&total).Error
	return total, err
}
