// Package domain defines the core persistence models for the application:
// conversations and the inbound/outbound message ledger. These types are
// mapped with GORM and shared across the repository and service layers.
//
// The message tables double as the idempotency ledger: their primary keys are
// the provider-derived idempotency ids, so a conditional insert both records
// the message and claims the id in a single atomic step.
package domain

import "time"

// Conversation states. A conversation is created in StateNormal and moves to
// StatePendingHandoff when the NLU signals a human-handoff request. Operators
// claim and resolve conversations through the admin endpoints; while a human
// owns the conversation the pipeline stays silent.
const (
	StateNormal         = "normal"
	StatePendingHandoff = "pending_handoff"
	StateClaimed        = "claimed"
	StateResolved       = "resolved"
)

// Message directions for the ledger.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Conversation represents one channel address pair (one end user) and its
// handoff state. The primary key is the conversation key in E.164 form
// (e.g. "+15550006789") derived from the channel address.
type Conversation struct {
	ID            string     `json:"id"             gorm:"type:varchar(32);primaryKey"`
	SessionID     string     `json:"session_id"     gorm:"type:varchar(64);not null"`
	State         string     `json:"state"          gorm:"type:varchar(24);not null;default:'normal';index"`
	ProfileName   string     `json:"profile_name"   gorm:"type:varchar(255)"`
	LastText      string     `json:"last_text"      gorm:"type:text"`
	LastInboundAt time.Time  `json:"last_inbound_at"`
	// SessionParams carries the NLU session parameters of the last exchange,
	// JSON-encoded. Read back to seed the next detect-intent call.
	SessionParams string     `json:"-"              gorm:"type:text"`
	PendingSince  *time.Time `json:"pending_since,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (Conversation) TableName() string { return "conversations" }

// InboundMessage is one webhook fragment as delivered by the provider.
//
// ID is the inbound idempotency id: the provider message id when present,
// else the delivery idempotency token, else a content hash. The upstream
// platform delivers at-least-once; the primary-key constraint makes the
// second delivery of the same id fail its insert, which is how duplicates
// are detected (never by a separate existence check).
type InboundMessage struct {
	ID             string    `json:"id"              gorm:"type:varchar(128);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:varchar(32);not null;index:idx_conv_inbound"`
	Body           string    `json:"body"            gorm:"type:text;not null"`
	ProfileName    string    `json:"profile_name"    gorm:"type:varchar(255)"`
	MediaURL       string    `json:"media_url,omitempty"  gorm:"type:text"`
	MediaType      string    `json:"media_type,omitempty" gorm:"type:varchar(128)"`
	CreatedAt      time.Time `json:"created_at"      gorm:"index:idx_conv_inbound,priority:2"`
}

// TableName implements the GORM tabler interface.
func (InboundMessage) TableName() string { return "inbound_messages" }

// OutboundMessage records a reply the bot decided to send. ID is derived
// deterministically from the triggering inbound id ("bot:<inbound_id>"), so
// a redelivered webhook that somehow reaches the dispatch stage finds the
// row already present and sends nothing.
//
// The row records the decision to send, not delivery success: Delivered and
// TransportSID are filled in after the transport accepts the message, and a
// failed send is kept with Delivered=false for operator follow-up.
type OutboundMessage struct {
	ID             string    `json:"id"              gorm:"type:varchar(140);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:varchar(32);not null;index"`
	Body           string    `json:"body"            gorm:"type:text;not null"`
	Delivered      bool      `json:"delivered"       gorm:"not null;default:false"`
	TransportSID   string    `json:"transport_sid,omitempty" gorm:"column:transport_sid;type:varchar(64)"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (OutboundMessage) TableName() string { return "outbound_messages" }

// OutboundID derives the deterministic outbound idempotency id for a reply
// triggered by the given inbound id.
func OutboundID(inboundID string) string { return "bot:" + inboundID }
