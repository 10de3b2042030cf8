package models

import (
	"time"

	"gorm.io/datatypes"
)

// Response modes understood by the generation engine.
const (
	ModeStrict   = "strict"
	ModeBalanced = "balanced"
	ModeCreative = "creative"
)

// Session is a continuous conversation owned by one user of one organization.
//
// ActiveOwner mirrors UserID while the session is active and is NULL
// otherwise. Its unique index lets the database reject a second active
// session for the same user.
type Session struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	UserID         string         `gorm:"size:64;not null;index:idx_session_owner" json:"user_id"`
	OrganizationID string         `gorm:"size:64;not null;index:idx_session_owner" json:"organization_id"`
	Title          string         `gorm:"size:255" json:"title"`
	IsActive       bool           `gorm:"default:false;index" json:"is_active"`
	ActiveOwner    *string        `gorm:"size:64;uniqueIndex" json:"-"`
	Archived       bool           `gorm:"default:false;index" json:"archived"`
	ResponseMode   string         `gorm:"size:16;default:balanced" json:"response_mode"`
	ModelName      string         `gorm:"size:64" json:"model_name"`
	Settings       datatypes.JSON `json:"settings,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastActivityAt time.Time      `gorm:"index" json:"last_activity_at"`

	Messages []Message `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for Session.
func (Session) TableName() string {
	return "chat_sessions"
}
