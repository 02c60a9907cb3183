package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kbswarm/agentstate/internal/models"
	"github.com/kbswarm/agentstate/internal/utils"
)

// SystemActor attributes mutations that no agent initiated.
const SystemActor = "System"

// auditPreviewLen caps message content copied into conversation_update audit
// payloads; the full content lives in the message row.
const auditPreviewLen = 100

// Fields carries a partial update keyed by document field name. Unknown
// names are ignored, mirroring how workflow runs hand back superset states.
type Fields map[string]any

// Store owns the shared backend handle, the audit logger, and the per-session
// lock registry. It is constructed once and passed to collaborators
// explicitly; there is no package-level instance.
type Store struct {
	db    *gorm.DB
	audit *AuditLogger
	locks *sessionLocks
	log   *logrus.Logger
}

func NewStore(db *gorm.DB, log *logrus.Logger) *Store {
	return &Store{
		db:    db,
		audit: NewAuditLogger(db, log),
		locks: newSessionLocks(),
		log:   log,
	}
}

// Migrate prepares the schema. Call once at startup.
func (s *Store) Migrate() error { return Migrate(s.db) }

// Audit exposes the store's audit logger for collaborators that record
// changes outside a manager transaction.
func (s *Store) Audit() *AuditLogger { return s.audit }

// Session returns a manager bound to one session id. Managers for the same
// id share the store's lock entry, so their mutations serialize.
func (s *Store) Session(sessionID string) (*Manager, error) {
	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, "state.Session", "session_id is required", nil)
	}
	return &Manager{store: s, sessionID: sessionID}, nil
}

// Manager performs all reads and transactional mutations for one session.
type Manager struct {
	store     *Store
	sessionID string
}

func (m *Manager) SessionID() string { return m.sessionID }

// withSession serializes the mutation against other writers of the same
// session in this process, then wraps fn in a backend transaction. fn
// returning an error rolls back every write made in scope, audit rows
// included. The lock is always released.
func (m *Manager) withSession(ctx context.Context, fn func(tx *gorm.DB) error) error {
	release, err := m.store.locks.Acquire(ctx, m.sessionID)
	if err != nil {
		return err
	}
	defer release()

	return m.store.db.WithContext(ctx).Transaction(fn)
}

// lockRow fetches the session row, FOR UPDATE on PostgreSQL so concurrent
// processes mutating the same session serialize on the backend.
func (m *Manager) lockRow(tx *gorm.DB) (*models.SessionState, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row models.SessionState
	if err := q.Where("session_id = ?", m.sessionID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

// InitializeSession creates the session row with default contexts if it does
// not exist yet. Safe to call repeatedly: an existing row is left untouched
// and no second creation audit is written. The creation audit is issued after
// the insert commits because the audit writer refuses rows for sessions that
// do not exist.
func (m *Manager) InitializeSession(ctx context.Context, knowledgeBaseID string) (*models.SessionContext, error) {
	const op = "state.InitializeSession"

	created := false
	err := m.withSession(ctx, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.SessionState{}).
			Where("session_id = ?", m.sessionID).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		sc, err := models.NewSessionContext(m.sessionID)
		if err != nil {
			return utils.E(utils.CodeInvalidArgument, op, "invalid session id", err)
		}
		scDoc, err := jsonValue(sc)
		if err != nil {
			return err
		}
		acDoc, err := jsonValue(models.NewAgentContext())
		if err != nil {
			return err
		}

		row := &models.SessionState{
			SessionID:            m.sessionID,
			SessionContext:       scDoc,
			AgentContext:         acDoc,
			ConversationMetadata: datatypes.JSON("{}"),
			IsActive:             true,
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}

	if created {
		m.store.audit.Record(ctx, nil, AuditIndependent, m.sessionID,
			models.ChangeCreate, "session", nil,
			map[string]any{"session_id": m.sessionID}, SystemActor)
	}

	if knowledgeBaseID != "" {
		cur := m.GetSessionContext(ctx)
		if cur == nil || cur.KnowledgeBaseID != knowledgeBaseID {
			return m.UpdateSessionContext(ctx, SystemActor, Fields{"knowledge_base_id": knowledgeBaseID})
		}
		return cur, nil
	}

	if sc := m.GetSessionContext(ctx); sc != nil {
		return sc, nil
	}
	return nil, utils.E(utils.CodeInternal, op, "session row unreadable after initialization", nil)
}

// GetSessionContext is a non-transactional read. It returns nil when the row
// is absent or the backend misbehaves; read paths log and degrade instead of
// raising.
func (m *Manager) GetSessionContext(ctx context.Context) *models.SessionContext {
	var row models.SessionState
	err := m.store.db.WithContext(ctx).
		Select("session_context").
		Where("session_id = ?", m.sessionID).
		Take(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			m.readFailed("session context", err)
		}
		return nil
	}
	sc, err := decodeSessionContext(row.SessionContext, m.sessionID)
	if err != nil {
		m.readFailed("session context", err)
		return nil
	}
	return sc
}

// GetAgentContext mirrors GetSessionContext for the agent document.
func (m *Manager) GetAgentContext(ctx context.Context) *models.AgentContext {
	var row models.SessionState
	err := m.store.db.WithContext(ctx).
		Select("agent_context").
		Where("session_id = ?", m.sessionID).
		Take(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			m.readFailed("agent context", err)
		}
		return nil
	}
	ac, err := decodeAgentContext(row.AgentContext)
	if err != nil {
		m.readFailed("agent context", err)
		return nil
	}
	return ac
}

// UpdateSessionContext applies fields to the session document inside one
// transaction: one audit record per changed field, last_updated refreshed,
// and whole-document validation. A validation failure rolls back everything,
// including the audit rows written in scope.
func (m *Manager) UpdateSessionContext(ctx context.Context, actor string, fields Fields) (*models.SessionContext, error) {
	const op = "state.UpdateSessionContext"

	var updated *models.SessionContext
	err := m.withSession(ctx, func(tx *gorm.DB) error {
		row, err := m.lockRow(tx)
		if err != nil {
			return err
		}
		cur, err := decodeSessionContext(row.SessionContext, m.sessionID)
		if err != nil {
			return err
		}

		changes, err := applySessionFields(cur, fields)
		if err != nil {
			return utils.E(utils.CodeInvalidArgument, op, "bad field value", err)
		}

		cur.LastUpdated = time.Now().UTC()
		if err := cur.Validate(); err != nil {
			return utils.E(utils.CodeInvalidArgument, op, "invalid session context update", err)
		}

		doc, err := jsonValue(cur)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.SessionState{}).
			Where("session_id = ?", m.sessionID).
			Update("session_context", doc).Error; err != nil {
			return err
		}

		for _, ch := range changes {
			if err := m.store.audit.Record(ctx, tx, AuditCoupled, m.sessionID,
				ch.changeType, ch.path, ch.oldValue, ch.newValue, actor); err != nil {
				return err
			}
		}
		updated = cur
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return updated, nil
}

// UpdateAgentContext applies fields to the agent document. A change to
// current_agent stamps last_agent_switch and is audited as agent_switch
// rather than a generic update.
func (m *Manager) UpdateAgentContext(ctx context.Context, actor string, fields Fields) (*models.AgentContext, error) {
	const op = "state.UpdateAgentContext"

	var updated *models.AgentContext
	err := m.withSession(ctx, func(tx *gorm.DB) error {
		row, err := m.lockRow(tx)
		if err != nil {
			return err
		}
		cur, err := decodeAgentContext(row.AgentContext)
		if err != nil {
			return err
		}

		changes, err := applyAgentFields(cur, fields)
		if err != nil {
			return utils.E(utils.CodeInvalidArgument, op, "bad field value", err)
		}

		if err := cur.Validate(); err != nil {
			return utils.E(utils.CodeInvalidArgument, op, "invalid agent context update", err)
		}

		doc, err := jsonValue(cur)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.SessionState{}).
			Where("session_id = ?", m.sessionID).
			Update("agent_context", doc).Error; err != nil {
			return err
		}

		for _, ch := range changes {
			if err := m.store.audit.Record(ctx, tx, AuditCoupled, m.sessionID,
				ch.changeType, ch.path, ch.oldValue, ch.newValue, actor); err != nil {
				return err
			}
		}
		updated = cur
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return updated, nil
}

// ResetExecutionState zeroes the per-run counters and last tool result
// through the normal audited update path; conversation fields are untouched.
func (m *Manager) ResetExecutionState(ctx context.Context, actor string) (*models.AgentContext, error) {
	return m.UpdateAgentContext(ctx, actor, Fields{
		"recursions":             0,
		"consecutive_tool_calls": 0,
		"last_tool_result":       "",
	})
}

// AddConversationMessage appends one message row. message_order is assigned
// max+1 inside the transaction; together with per-session locking that keeps
// orders gapless and collision-free.
func (m *Manager) AddConversationMessage(ctx context.Context, role, content, actor string,
	metadata map[string]any, toolCalls []map[string]any) (*models.ConversationMessage, error) {

	const op = "state.AddConversationMessage"
	if role == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "role is required", nil)
	}

	var msg *models.ConversationMessage
	err := m.withSession(ctx, func(tx *gorm.DB) error {
		if _, err := m.lockRow(tx); err != nil {
			return err
		}

		var maxOrder int
		if err := tx.Model(&models.ConversationMessage{}).
			Where("session_id = ?", m.sessionID).
			Select("COALESCE(MAX(message_order), 0)").
			Scan(&maxOrder).Error; err != nil {
			return err
		}

		if metadata == nil {
			metadata = map[string]any{}
		}
		mdDoc, err := jsonValue(metadata)
		if err != nil {
			return err
		}
		if toolCalls == nil {
			toolCalls = []map[string]any{}
		}
		tcDoc, err := jsonValue(toolCalls)
		if err != nil {
			return err
		}

		row := &models.ConversationMessage{
			SessionID:       m.sessionID,
			MessageRole:     role,
			MessageContent:  content,
			MessageMetadata: mdDoc,
			AgentName:       actor,
			ToolCalls:       tcDoc,
			CreatedAt:       time.Now().UTC(),
			MessageOrder:    maxOrder + 1,
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}

		if err := m.store.audit.Record(ctx, tx, AuditCoupled, m.sessionID,
			models.ChangeConversationUpdate, "conversation.message", nil,
			map[string]any{"role": role, "content": truncate(content, auditPreviewLen)},
			actor); err != nil {
			return err
		}
		msg = row
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return msg, nil
}

// GetConversationHistory returns the newest limit messages in chronological
// order. Reads degrade to an empty slice on failure.
func (m *Manager) GetConversationHistory(ctx context.Context, limit int) []models.ConversationMessage {
	if limit <= 0 {
		limit = 10
	}
	var rows []models.ConversationMessage
	err := m.store.db.WithContext(ctx).
		Where("session_id = ?", m.sessionID).
		Order("message_order DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		m.readFailed("conversation history", err)
		return nil
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows
}

// ClearSession marks the session inactive and blanks both context documents.
// The row itself, its messages, and its audit trail stay queryable until the
// session row is deleted and the foreign keys cascade.
func (m *Manager) ClearSession(ctx context.Context) error {
	const op = "state.ClearSession"

	err := m.withSession(ctx, func(tx *gorm.DB) error {
		if _, err := m.lockRow(tx); err != nil {
			return err
		}

		if err := m.store.audit.Record(ctx, tx, AuditCoupled, m.sessionID,
			models.ChangeDelete, "session",
			map[string]any{"session_id": m.sessionID}, nil, SystemActor); err != nil {
			return err
		}

		acDoc, err := jsonValue(models.NewAgentContext())
		if err != nil {
			return err
		}
		return tx.Model(&models.SessionState{}).
			Where("session_id = ?", m.sessionID).
			Updates(map[string]any{
				"session_context": datatypes.JSON("{}"),
				"agent_context":   acDoc,
				"is_active":       false,
			}).Error
	})
	return wrap(op, err)
}

// AuditTrail returns the newest limit audit records, most recent first.
func (m *Manager) AuditTrail(ctx context.Context, limit int) []models.AuditRecord {
	if limit <= 0 {
		limit = 20
	}
	var rows []models.AuditRecord
	err := m.store.db.WithContext(ctx).
		Where("session_id = ?", m.sessionID).
		Order("change_timestamp DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		m.readFailed("audit trail", err)
		return nil
	}
	return rows
}

// StateSummary assembles row, message, and audit statistics for debugging.
func (m *Manager) StateSummary(ctx context.Context) map[string]any {
	summary := map[string]any{"session_id": m.sessionID}

	var row models.SessionState
	err := m.store.db.WithContext(ctx).
		Where("session_id = ?", m.sessionID).
		Take(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			m.readFailed("state summary", err)
		}
		summary["is_active"] = false
		return summary
	}
	summary["is_active"] = row.IsActive
	summary["created_at"] = row.CreatedAt
	summary["updated_at"] = row.UpdatedAt

	var msgCount, auditCount int64
	m.store.db.WithContext(ctx).Model(&models.ConversationMessage{}).
		Where("session_id = ?", m.sessionID).Count(&msgCount)
	m.store.db.WithContext(ctx).Model(&models.AuditRecord{}).
		Where("session_id = ?", m.sessionID).Count(&auditCount)
	summary["message_count"] = msgCount
	summary["audit_count"] = auditCount
	return summary
}

func (m *Manager) readFailed(what string, err error) {
	m.store.log.WithFields(logrus.Fields{
		"session_id": m.sessionID,
	}).WithError(err).Warnf("failed to read %s", what)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *utils.AppError
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, utils.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return utils.E(utils.CodeNotFound, op, "session not found", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return utils.E(utils.CodeTimeout, op, "cancelled", err)
	}
	return utils.E(utils.CodeUnavailable, op, "state backend failure", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func decodeSessionContext(doc datatypes.JSON, sessionID string) (*models.SessionContext, error) {
	var sc models.SessionContext
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &sc); err != nil {
			return nil, err
		}
	}
	if sc.SessionID == "" {
		// Legacy documents predate the schema_version field and may omit
		// their own id.
		sc.SessionID = sessionID
	}
	if sc.TaskContext == nil {
		sc.TaskContext = map[string]any{}
	}
	return &sc, nil
}

func decodeAgentContext(doc datatypes.JSON) (*models.AgentContext, error) {
	var ac models.AgentContext
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &ac); err != nil {
			return nil, err
		}
	}
	if ac.CurrentAgent == "" {
		ac.CurrentAgent = models.DefaultAgent
	}
	if ac.AgentMessages == nil {
		ac.AgentMessages = []models.AgentMessage{}
	}
	if ac.ProcessedWorkflowMessages == nil {
		ac.ProcessedWorkflowMessages = []string{}
	}
	return &ac, nil
}

// jsonEqual reports whether two values serialize to the same JSON, the
// equality that matters for documents round-tripped through the store.
func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
