package models

import (
	"time"

	"gorm.io/datatypes"
)

// ConversationMessage is one append-only conversation row. MessageOrder is
// strictly increasing per session and never reused, even after deletions.
type ConversationMessage struct {
	ID              int64          `gorm:"column:id;primaryKey" json:"id"`
	SessionID       string         `gorm:"column:session_id;size:255;index:idx_conversation_messages_session,priority:1" json:"session_id"`
	Session         *SessionState  `gorm:"foreignKey:SessionID;references:SessionID;constraint:OnDelete:CASCADE" json:"-"`
	MessageRole     string         `gorm:"column:message_role;size:50;not null" json:"message_role"`
	MessageContent  string         `gorm:"column:message_content;not null" json:"message_content"`
	MessageMetadata datatypes.JSON `gorm:"column:message_metadata" json:"message_metadata"`
	AgentName       string         `gorm:"column:agent_name;size:100" json:"agent_name"`
	ToolCalls       datatypes.JSON `gorm:"column:tool_calls" json:"tool_calls"`
	CreatedAt       time.Time      `gorm:"column:created_at;index:idx_conversation_messages_created" json:"created_at"`
	MessageOrder    int            `gorm:"column:message_order;not null;index:idx_conversation_messages_session,priority:2" json:"message_order"`
}

func (ConversationMessage) TableName() string { return "conversation_messages" }
