package models

import (
	"time"

	"gorm.io/datatypes"
)

// SessionState is the persisted session row. The two context documents are
// stored as JSON columns (JSONB on PostgreSQL) so field-level history lives
// in the audit log, not in row versioning.
type SessionState struct {
	SessionID            string         `gorm:"column:session_id;primaryKey;size:255" json:"session_id"`
	SessionContext       datatypes.JSON `gorm:"column:session_context;not null;default:'{}'" json:"session_context"`
	AgentContext         datatypes.JSON `gorm:"column:agent_context;not null;default:'{}'" json:"agent_context"`
	ConversationMetadata datatypes.JSON `gorm:"column:conversation_metadata;not null;default:'{}'" json:"conversation_metadata"`
	IsActive             bool           `gorm:"column:is_active;default:true;index:idx_session_states_active,priority:1" json:"is_active"`
	CreatedAt            time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"column:updated_at;index:idx_session_states_active,priority:2" json:"updated_at"`
}

func (SessionState) TableName() string { return "session_states" }
