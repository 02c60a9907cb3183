package state

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kbswarm/agentstate/internal/models"
	"github.com/kbswarm/agentstate/internal/utils"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "state.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	log := logrus.New()
	log.SetOutput(io.Discard)

	s := NewStore(db, log)
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func newTestSession(t *testing.T, s *Store, id string) *Manager {
	t.Helper()
	m, err := s.Session(id)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := m.InitializeSession(context.Background(), ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m
}

func countAudit(t *testing.T, s *Store, sessionID string, ct models.ChangeType, path string) int64 {
	t.Helper()
	q := s.db.Model(&models.AuditRecord{}).Where("session_id = ?", sessionID)
	if ct != "" {
		q = q.Where("change_type = ?", ct)
	}
	if path != "" {
		q = q.Where("change_path = ?", path)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count audit: %v", err)
	}
	return n
}

func rawSessionContext(t *testing.T, s *Store, sessionID string) []byte {
	t.Helper()
	var row models.SessionState
	if err := s.db.Where("session_id = ?", sessionID).Take(&row).Error; err != nil {
		t.Fatalf("read row: %v", err)
	}
	return append([]byte(nil), row.SessionContext...)
}

func TestInitializeSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Session("s1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := m.InitializeSession(ctx, ""); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if _, err := m.InitializeSession(ctx, ""); err != nil {
		t.Fatalf("second init: %v", err)
	}

	var rows int64
	if err := s.db.Model(&models.SessionState{}).Where("session_id = ?", "s1").Count(&rows).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("session rows = %d, want 1", rows)
	}
	if n := countAudit(t, s, "s1", models.ChangeCreate, ""); n != 1 {
		t.Fatalf("creation audit records = %d, want 1", n)
	}
}

func TestSessionRejectsEmptyID(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Session(""); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}
}

func TestUpdateSessionContextScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	sc, err := m.UpdateSessionContext(ctx, SystemActor, Fields{"knowledge_base_id": "kb-42"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if sc.KnowledgeBaseID != "kb-42" {
		t.Fatalf("knowledge_base_id = %q, want kb-42", sc.KnowledgeBaseID)
	}

	got := m.GetSessionContext(ctx)
	if got == nil {
		t.Fatal("session context is nil after update")
	}
	if got.KnowledgeBaseID != "kb-42" {
		t.Fatalf("re-read knowledge_base_id = %q, want kb-42", got.KnowledgeBaseID)
	}
	if !got.LastUpdated.After(got.CreatedAt) {
		t.Fatalf("last_updated %v not after created_at %v", got.LastUpdated, got.CreatedAt)
	}

	if n := countAudit(t, s, "s1", models.ChangeUpdate, "session.knowledge_base_id"); n != 1 {
		t.Fatalf("audit records for knowledge_base_id = %d, want 1", n)
	}
	var rec models.AuditRecord
	if err := s.db.Where("session_id = ? AND change_path = ?", "s1", "session.knowledge_base_id").Take(&rec).Error; err != nil {
		t.Fatalf("read audit: %v", err)
	}
	var newVal string
	if err := json.Unmarshal(rec.NewValue, &newVal); err != nil || newVal != "kb-42" {
		t.Fatalf("audit new_value = %s (err %v), want \"kb-42\"", rec.NewValue, err)
	}
	if rec.CorrelationID == "" {
		t.Fatal("audit correlation_id is empty")
	}
}

func TestUpdateSessionContextValidationRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	if _, err := m.UpdateSessionContext(ctx, SystemActor, Fields{"user_intent": "browse"}); err != nil {
		t.Fatalf("seed update: %v", err)
	}
	before := rawSessionContext(t, s, "s1")

	cases := []Fields{
		{"intent_confidence": 1.5},
		{"conversation_state": "bogus"},
		{"user_intent": "x", "intent_confidence": -0.2},
	}
	for _, fields := range cases {
		_, err := m.UpdateSessionContext(ctx, SystemActor, fields)
		if !utils.IsCode(err, utils.CodeInvalidArgument) {
			t.Fatalf("fields %v: err = %v, want INVALID_ARGUMENT", fields, err)
		}
	}

	after := rawSessionContext(t, s, "s1")
	if !bytes.Equal(before, after) {
		t.Fatalf("row changed across failed updates:\nbefore %s\nafter  %s", before, after)
	}
	if n := countAudit(t, s, "s1", "", "session.intent_confidence"); n != 0 {
		t.Fatalf("audit records for rejected path = %d, want 0", n)
	}
	if n := countAudit(t, s, "s1", "", "session.conversation_state"); n != 0 {
		t.Fatalf("audit records for rejected path = %d, want 0", n)
	}
}

func TestUpdateSessionContextUnknownFieldIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	audits := countAudit(t, s, "s1", "", "")
	if _, err := m.UpdateSessionContext(ctx, SystemActor, Fields{"no_such_field": 42}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if n := countAudit(t, s, "s1", "", ""); n != audits {
		t.Fatalf("audit records grew from %d to %d on unknown field", audits, n)
	}
}

func TestUpdateSessionContextMissingSession(t *testing.T) {
	s := newTestStore(t)
	m, err := s.Session("ghost")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	_, err = m.UpdateSessionContext(context.Background(), SystemActor, Fields{"user_intent": "x"})
	if !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestAgentSwitchAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	ac, err := m.UpdateAgentContext(ctx, "A", Fields{"current_agent": "Reviewer"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ac.CurrentAgent != "Reviewer" {
		t.Fatalf("current_agent = %q, want Reviewer", ac.CurrentAgent)
	}
	if ac.LastAgentSwitch == nil {
		t.Fatal("last_agent_switch not stamped")
	}

	if n := countAudit(t, s, "s1", models.ChangeAgentSwitch, "agent.current_agent"); n != 1 {
		t.Fatalf("agent_switch records = %d, want 1", n)
	}
	if n := countAudit(t, s, "s1", models.ChangeUpdate, "agent.current_agent"); n != 0 {
		t.Fatalf("generic update records for current_agent = %d, want 0", n)
	}

	var rec models.AuditRecord
	if err := s.db.Where("session_id = ? AND change_type = ?", "s1", models.ChangeAgentSwitch).Take(&rec).Error; err != nil {
		t.Fatalf("read audit: %v", err)
	}
	var oldV, newV string
	if err := json.Unmarshal(rec.OldValue, &oldV); err != nil || oldV != models.DefaultAgent {
		t.Fatalf("old_value = %s (err %v), want %q", rec.OldValue, err, models.DefaultAgent)
	}
	if err := json.Unmarshal(rec.NewValue, &newV); err != nil || newV != "Reviewer" {
		t.Fatalf("new_value = %s (err %v), want \"Reviewer\"", rec.NewValue, err)
	}
}

func TestUpdateAgentContextSameAgentNoSwitch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	ac, err := m.UpdateAgentContext(ctx, "A", Fields{"current_agent": models.DefaultAgent, "recursions": 3})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ac.LastAgentSwitch != nil {
		t.Fatal("last_agent_switch stamped without an agent change")
	}
	if n := countAudit(t, s, "s1", models.ChangeAgentSwitch, ""); n != 0 {
		t.Fatalf("agent_switch records = %d, want 0", n)
	}
	if n := countAudit(t, s, "s1", models.ChangeUpdate, "agent.recursions"); n != 1 {
		t.Fatalf("recursions update records = %d, want 1", n)
	}
}

func TestResetExecutionState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	if _, err := m.UpdateAgentContext(ctx, "A", Fields{
		"current_agent":          "Creator",
		"recursions":             4,
		"consecutive_tool_calls": 2,
		"last_tool_result":       "ok",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ac, err := m.ResetExecutionState(ctx, "A")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ac.Recursions != 0 || ac.ConsecutiveToolCalls != 0 || ac.LastToolResult != "" {
		t.Fatalf("execution state not reset: %+v", ac)
	}
	if ac.CurrentAgent != "Creator" {
		t.Fatalf("current_agent = %q changed by reset", ac.CurrentAgent)
	}
}

func TestMessageOrderConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	const (
		workers    = 5
		perWorker  = 5
		totalCount = workers * perWorker
	)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := m.AddConversationMessage(ctx, "user", "hello", "A", nil, nil)
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("concurrent inserts failed: %v", errs[0])
	}

	history := m.GetConversationHistory(ctx, totalCount)
	if len(history) != totalCount {
		t.Fatalf("history length = %d, want %d", len(history), totalCount)
	}
	seen := map[int]bool{}
	for i, msg := range history {
		if i > 0 && history[i-1].MessageOrder >= msg.MessageOrder {
			t.Fatalf("history not strictly ascending at %d: %d then %d", i, history[i-1].MessageOrder, msg.MessageOrder)
		}
		seen[msg.MessageOrder] = true
	}
	for want := 1; want <= totalCount; want++ {
		if !seen[want] {
			t.Fatalf("message_order %d missing", want)
		}
	}
}

func TestConversationHistoryLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	for i := 0; i < 7; i++ {
		if _, err := m.AddConversationMessage(ctx, "user", "msg", "A", nil, nil); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}

	history := m.GetConversationHistory(ctx, 3)
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].MessageOrder != 5 || history[2].MessageOrder != 7 {
		t.Fatalf("history orders = [%d..%d], want [5..7]", history[0].MessageOrder, history[2].MessageOrder)
	}
}

func TestConversationAuditTruncatesContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	long := make([]byte, 250)
	for i := range long {
		long[i] = 'x'
	}
	msg, err := m.AddConversationMessage(ctx, "assistant", string(long), "Creator", nil, nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if msg.MessageContent != string(long) {
		t.Fatal("message row lost full content")
	}

	var rec models.AuditRecord
	if err := s.db.Where("session_id = ? AND change_type = ?", "s1", models.ChangeConversationUpdate).Take(&rec).Error; err != nil {
		t.Fatalf("read audit: %v", err)
	}
	var payload struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(rec.NewValue, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Content) != auditPreviewLen+3 {
		t.Fatalf("audit content length = %d, want %d", len(payload.Content), auditPreviewLen+3)
	}
	if payload.Role != "assistant" {
		t.Fatalf("audit role = %q", payload.Role)
	}
}

func TestClearSessionPreservesHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	if _, err := m.UpdateSessionContext(ctx, SystemActor, Fields{"knowledge_base_id": "kb-1"}); err != nil {
		t.Fatalf("seed update: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := m.AddConversationMessage(ctx, "user", "m", "A", nil, nil); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	if err := m.ClearSession(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	var row models.SessionState
	if err := s.db.Where("session_id = ?", "s1").Take(&row).Error; err != nil {
		t.Fatalf("session row gone after clear: %v", err)
	}
	if row.IsActive {
		t.Fatal("is_active still true after clear")
	}

	sc := m.GetSessionContext(ctx)
	if sc == nil {
		t.Fatal("session context unreadable after clear")
	}
	if sc.KnowledgeBaseID != "" {
		t.Fatalf("knowledge_base_id = %q after clear, want blank", sc.KnowledgeBaseID)
	}

	var msgs int64
	if err := s.db.Model(&models.ConversationMessage{}).Where("session_id = ?", "s1").Count(&msgs).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if msgs != 2 {
		t.Fatalf("messages after clear = %d, want 2", msgs)
	}
	if n := countAudit(t, s, "s1", "", ""); n == 0 {
		t.Fatal("audit trail gone after clear")
	}
	if n := countAudit(t, s, "s1", models.ChangeDelete, "session"); n != 1 {
		t.Fatalf("delete audit records = %d, want 1", n)
	}
}

func TestAuditSkipsMissingSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.audit.Record(ctx, nil, AuditIndependent, "nobody",
		models.ChangeUpdate, "session.user_intent", nil, "x", SystemActor)
	if err != nil {
		t.Fatalf("independent record: %v", err)
	}
	if n := countAudit(t, s, "nobody", "", ""); n != 0 {
		t.Fatalf("audit rows for missing session = %d, want 0", n)
	}
}

func TestStateSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	if _, err := m.AddConversationMessage(ctx, "user", "m", "A", nil, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	summary := m.StateSummary(ctx)
	if summary["session_id"] != "s1" {
		t.Fatalf("summary session_id = %v", summary["session_id"])
	}
	if summary["is_active"] != true {
		t.Fatalf("summary is_active = %v, want true", summary["is_active"])
	}
	if summary["message_count"].(int64) != 1 {
		t.Fatalf("summary message_count = %v, want 1", summary["message_count"])
	}
	if summary["audit_count"].(int64) == 0 {
		t.Fatal("summary audit_count = 0")
	}
}
