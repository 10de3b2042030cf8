package models

import "time"

// Source is a document excerpt that was offered to the model for an
// assistant Message, annotated with whether the model used it.
type Source struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID      string    `gorm:"size:36;not null;index" json:"message_id"`
	DocumentID     string    `gorm:"size:128;not null" json:"document_id"`
	DocumentName   string    `gorm:"size:255" json:"document_name"`
	PageNumber     *int      `json:"page_number,omitempty"`
	Excerpt        string    `gorm:"type:text" json:"excerpt"`
	RelevanceScore float64   `json:"relevance_score"`
	IsUsed         bool      `gorm:"default:false" json:"is_used"`
	UsageReason    *string   `gorm:"type:text" json:"usage_reason,omitempty"`
	SequenceNumber *int      `json:"sequence_number,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName specifies the table name for Source.
func (Source) TableName() string {
	return "message_sources"
}
