package state

import (
	"gorm.io/gorm"

	"github.com/kbswarm/agentstate/internal/models"
)

// postgresSchemaStmts covers what AutoMigrate cannot express: GIN indexes on
// the context documents and the auto-refreshing updated_at trigger.
var postgresSchemaStmts = []string{
	`CREATE INDEX IF NOT EXISTS idx_session_context_gin ON session_states USING GIN (session_context)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_context_gin ON session_states USING GIN (agent_context)`,
	`CREATE OR REPLACE FUNCTION update_session_updated_at()
	RETURNS TRIGGER AS $$
	BEGIN
		NEW.updated_at = CURRENT_TIMESTAMP;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trigger_update_session_timestamp ON session_states`,
	`CREATE TRIGGER trigger_update_session_timestamp
	BEFORE UPDATE ON session_states
	FOR EACH ROW
	EXECUTE FUNCTION update_session_updated_at()`,
}

// Migrate creates the three state tables on whichever dialect the store was
// opened with, then applies the PostgreSQL-only extras.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.SessionState{},
		&models.ConversationMessage{},
		&models.AuditRecord{},
	); err != nil {
		return err
	}

	if db.Dialector.Name() != "postgres" {
		return nil
	}
	for _, stmt := range postgresSchemaStmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
