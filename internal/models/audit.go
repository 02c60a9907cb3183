package models

import (
	"time"

	"gorm.io/datatypes"
)

// ChangeType classifies one audited state mutation.
type ChangeType string

const (
	ChangeCreate             ChangeType = "create"
	ChangeUpdate             ChangeType = "update"
	ChangeDelete             ChangeType = "delete"
	ChangeMerge              ChangeType = "merge"
	ChangeRollback           ChangeType = "rollback"
	ChangeAgentSwitch        ChangeType = "agent_switch"
	ChangeConversationUpdate ChangeType = "conversation_update"
)

// AuditRecord is one immutable field-level change entry. Rows cascade with
// their session; until then the trail outlives clears and resets.
type AuditRecord struct {
	ID              int64          `gorm:"column:id;primaryKey" json:"id"`
	SessionID       string         `gorm:"column:session_id;size:255;index:idx_state_audit_session,priority:1" json:"session_id"`
	Session         *SessionState  `gorm:"foreignKey:SessionID;references:SessionID;constraint:OnDelete:CASCADE" json:"-"`
	ChangeType      ChangeType     `gorm:"column:change_type;size:50;not null" json:"change_type"`
	ChangePath      string         `gorm:"column:change_path;size:255;not null" json:"change_path"`
	OldValue        datatypes.JSON `gorm:"column:old_value" json:"old_value"`
	NewValue        datatypes.JSON `gorm:"column:new_value" json:"new_value"`
	AgentName       string         `gorm:"column:agent_name;size:100" json:"agent_name"`
	ChangeTimestamp time.Time      `gorm:"column:change_timestamp;index:idx_state_audit_session,priority:2" json:"change_timestamp"`
	CorrelationID   string         `gorm:"column:correlation_id;size:36" json:"correlation_id"`
}

func (AuditRecord) TableName() string { return "state_audit_log" }
