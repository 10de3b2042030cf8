package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message processing states. A message moves pending -> completed or
// pending -> failed and is never changed after that.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Message is one turn in a Session.
type Message struct {
	ID         string `gorm:"primaryKey;size:36" json:"id"`
	SessionID  string `gorm:"size:36;not null;uniqueIndex:idx_message_session_seq,priority:1" json:"session_id"`
	Sequence   int    `gorm:"not null;uniqueIndex:idx_message_session_seq,priority:2" json:"sequence"`
	Role       string `gorm:"size:16;not null" json:"role"`
	Content    string `gorm:"type:text" json:"content"`
	Status     string `gorm:"size:16;default:pending;index" json:"status"`
	Diagnostic string `gorm:"type:text" json:"-"` // internal only

	PromptTokens     int      `json:"prompt_tokens,omitempty"`
	CompletionTokens int      `json:"completion_tokens,omitempty"`
	TotalTokens      int      `json:"total_tokens,omitempty"`
	LatencyMs        int      `json:"latency_ms,omitempty"`
	ModelUsed        string   `gorm:"size:64" json:"model_used,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`

	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`

	Sources []Source `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"sources"`
}

// TableName specifies the table name for Message.
func (Message) TableName() string {
	return "chat_messages"
}
