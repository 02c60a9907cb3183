package state

import (
	"context"
	"fmt"

	"github.com/kbswarm/agentstate/internal/utils"
)

// WorkflowState is the flat key/value shape the external workflow executor
// produces and consumes. The bridge only interprets the allow-listed keys
// below; everything else passes through untouched on export and is ignored
// on merge.
type WorkflowState map[string]any

// WorkflowMessage is a message entry carried inside a workflow state; Type
// becomes the stored message role.
type WorkflowMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

var sessionStateKeys = []string{
	"knowledge_base_id", "article_id", "user_intent", "task_context",
}

var agentStateKeys = []string{
	"current_agent", "recursions", "consecutive_tool_calls",
	"last_tool_result", "processed_workflow_messages",
}

// MergeWorkflowState copies a finished workflow run back into the store:
// session fields, then agent fields, then any new messages. Each phase is
// its own transaction, so a failure partway leaves earlier phases committed;
// the executor re-merges on its next step and converges.
func (m *Manager) MergeWorkflowState(ctx context.Context, flat WorkflowState, actor string) error {
	const op = "state.MergeWorkflowState"

	sessionUpdates := Fields{}
	for _, key := range sessionStateKeys {
		if v, ok := flat[key]; ok && v != nil {
			sessionUpdates[key] = v
		}
	}
	if len(sessionUpdates) > 0 {
		if _, err := m.UpdateSessionContext(ctx, actor, sessionUpdates); err != nil {
			return err
		}
	}

	agentUpdates := Fields{}
	for _, key := range agentStateKeys {
		if v, ok := flat[key]; ok {
			agentUpdates[key] = v
		}
	}
	if len(agentUpdates) > 0 {
		if _, err := m.UpdateAgentContext(ctx, actor, agentUpdates); err != nil {
			return err
		}
	}

	raw, ok := flat["messages"]
	if !ok {
		return nil
	}
	msgs, err := coerceMessages(raw)
	if err != nil {
		return utils.E(utils.CodeInvalidArgument, op, "bad messages entry", err)
	}
	for _, msg := range msgs {
		if _, err := m.AddConversationMessage(ctx, msg.Type, msg.Content, actor, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// ExportState assembles the inverse flat shape for the executor's next step:
// session fields, agent fields, and the last five messages. Reads are
// non-transactional.
func (m *Manager) ExportState(ctx context.Context) WorkflowState {
	flat := WorkflowState{}

	if sc := m.GetSessionContext(ctx); sc != nil {
		flat["knowledge_base_id"] = sc.KnowledgeBaseID
		flat["article_id"] = sc.ArticleID
		flat["user_intent"] = sc.UserIntent
		flat["task_context"] = sc.TaskContext
	}

	if ac := m.GetAgentContext(ctx); ac != nil {
		flat["current_agent"] = ac.CurrentAgent
		flat["agent_messages"] = ac.AgentMessages
		flat["recursions"] = ac.Recursions
		flat["consecutive_tool_calls"] = ac.ConsecutiveToolCalls
		flat["last_tool_result"] = ac.LastToolResult
		flat["processed_workflow_messages"] = ac.ProcessedWorkflowMessages
	}

	flat["conversation_history"] = m.GetConversationHistory(ctx, 5)
	return flat
}

func coerceMessages(raw any) ([]WorkflowMessage, error) {
	switch list := raw.(type) {
	case []WorkflowMessage:
		return list, nil
	case []any:
		out := make([]WorkflowMessage, 0, len(list))
		for i, item := range list {
			var msg WorkflowMessage
			if err := remarshal(item, &msg); err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			if msg.Type == "" {
				return nil, fmt.Errorf("message %d: missing type", i)
			}
			out = append(out, msg)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected message list, got %T", raw)
}
