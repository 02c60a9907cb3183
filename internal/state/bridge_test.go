package state

import (
	"context"
	"testing"

	"github.com/kbswarm/agentstate/internal/models"
	"github.com/kbswarm/agentstate/internal/utils"
)

func TestMergeWorkflowState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	flat := WorkflowState{
		"knowledge_base_id":           "kb-7",
		"article_id":                  nil, // nil session values are skipped
		"user_intent":                 "create_content",
		"task_context":                map[string]any{"step": "draft"},
		"current_agent":               "Creator",
		"recursions":                  float64(2), // JSON-decoded numbers
		"consecutive_tool_calls":      float64(1),
		"last_tool_result":            "done",
		"processed_workflow_messages": []any{"msg-1", "msg-2"},
		"messages": []any{
			map[string]any{"type": "HumanMessage", "content": "write the intro"},
			map[string]any{"type": "AIMessage", "content": "drafted"},
		},
		"unrelated_key": "ignored",
	}

	if err := m.MergeWorkflowState(ctx, flat, "Orchestrator"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	sc := m.GetSessionContext(ctx)
	if sc == nil {
		t.Fatal("session context nil after merge")
	}
	if sc.KnowledgeBaseID != "kb-7" || sc.UserIntent != "create_content" {
		t.Fatalf("session fields not merged: %+v", sc)
	}
	if sc.ArticleID != "" {
		t.Fatalf("article_id = %q, want untouched blank", sc.ArticleID)
	}
	if sc.TaskContext["step"] != "draft" {
		t.Fatalf("task_context = %v", sc.TaskContext)
	}

	ac := m.GetAgentContext(ctx)
	if ac == nil {
		t.Fatal("agent context nil after merge")
	}
	if ac.CurrentAgent != "Creator" || ac.Recursions != 2 || ac.ConsecutiveToolCalls != 1 {
		t.Fatalf("agent fields not merged: %+v", ac)
	}
	if len(ac.ProcessedWorkflowMessages) != 2 || ac.ProcessedWorkflowMessages[0] != "msg-1" {
		t.Fatalf("processed_workflow_messages = %v", ac.ProcessedWorkflowMessages)
	}

	history := m.GetConversationHistory(ctx, 10)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].MessageRole != "HumanMessage" || history[1].MessageRole != "AIMessage" {
		t.Fatalf("roles = %q, %q", history[0].MessageRole, history[1].MessageRole)
	}

	// The merge attributes an agent_switch since current_agent changed.
	if n := countAudit(t, s, "s1", models.ChangeAgentSwitch, "agent.current_agent"); n != 1 {
		t.Fatalf("agent_switch records = %d, want 1", n)
	}
}

func TestMergeWorkflowStateTypedMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	flat := WorkflowState{
		"messages": []WorkflowMessage{{Type: "ToolMessage", Content: "result"}},
	}
	if err := m.MergeWorkflowState(ctx, flat, "Orchestrator"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	history := m.GetConversationHistory(ctx, 1)
	if len(history) != 1 || history[0].MessageRole != "ToolMessage" {
		t.Fatalf("history = %+v", history)
	}
}

func TestMergeWorkflowStateBadMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	err := m.MergeWorkflowState(ctx, WorkflowState{"messages": "not-a-list"}, "Orchestrator")
	if !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}
}

func TestExportState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	if _, err := m.UpdateSessionContext(ctx, SystemActor, Fields{
		"knowledge_base_id": "kb-9",
		"user_intent":       "retrieve_content",
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if _, err := m.UpdateAgentContext(ctx, "A", Fields{"current_agent": "Retriever", "recursions": 1}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	for i := 0; i < 7; i++ {
		if _, err := m.AddConversationMessage(ctx, "user", "m", "A", nil, nil); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	flat := m.ExportState(ctx)
	if flat["knowledge_base_id"] != "kb-9" || flat["user_intent"] != "retrieve_content" {
		t.Fatalf("session keys = %v / %v", flat["knowledge_base_id"], flat["user_intent"])
	}
	if flat["current_agent"] != "Retriever" || flat["recursions"] != 1 {
		t.Fatalf("agent keys = %v / %v", flat["current_agent"], flat["recursions"])
	}

	history, ok := flat["conversation_history"].([]models.ConversationMessage)
	if !ok {
		t.Fatalf("conversation_history has type %T", flat["conversation_history"])
	}
	if len(history) != 5 {
		t.Fatalf("exported history length = %d, want 5", len(history))
	}
	if history[0].MessageOrder != 3 || history[4].MessageOrder != 7 {
		t.Fatalf("exported orders = [%d..%d], want [3..7]", history[0].MessageOrder, history[4].MessageOrder)
	}
}

func TestMergeThenExportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := newTestSession(t, s, "s1")

	in := WorkflowState{
		"knowledge_base_id": "kb-3",
		"task_context":      map[string]any{"phase": "review"},
		"current_agent":     "Reviewer",
	}
	if err := m.MergeWorkflowState(ctx, in, "Orchestrator"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	out := m.ExportState(ctx)
	if out["knowledge_base_id"] != "kb-3" || out["current_agent"] != "Reviewer" {
		t.Fatalf("round trip lost fields: %v", out)
	}
	tc, ok := out["task_context"].(map[string]any)
	if !ok || tc["phase"] != "review" {
		t.Fatalf("task_context = %v", out["task_context"])
	}
}
