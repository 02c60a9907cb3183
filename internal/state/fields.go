package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kbswarm/agentstate/internal/models"
)

// fieldChange is one audited compare-and-set outcome.
type fieldChange struct {
	changeType models.ChangeType
	path       string
	oldValue   any
	newValue   any
}

// applySessionFields sets each known field on c, collecting one change entry
// per field whose value actually differs. Unknown names are skipped. Values
// are coerced, not validated: whole-document validation happens afterwards so
// an out-of-range update still rolls back as a unit.
func applySessionFields(c *models.SessionContext, fields Fields) ([]fieldChange, error) {
	var changes []fieldChange
	record := func(path string, oldV, newV any) {
		if jsonEqual(oldV, newV) {
			return
		}
		changes = append(changes, fieldChange{
			changeType: models.ChangeUpdate,
			path:       "session." + path,
			oldValue:   oldV,
			newValue:   newV,
		})
	}

	for key, value := range fields {
		switch key {
		case "knowledge_base_id":
			v, err := asString(key, value)
			if err != nil {
				return nil, err
			}
			record(key, c.KnowledgeBaseID, v)
			c.KnowledgeBaseID = v
		case "article_id":
			v, err := asString(key, value)
			if err != nil {
				return nil, err
			}
			record(key, c.ArticleID, v)
			c.ArticleID = v
		case "user_intent":
			v, err := asString(key, value)
			if err != nil {
				return nil, err
			}
			record(key, c.UserIntent, v)
			c.UserIntent = v
		case "intent_confidence":
			v, err := asConfidence(value)
			if err != nil {
				return nil, err
			}
			record(key, c.IntentConfidence, v)
			c.IntentConfidence = v
		case "task_context":
			var v map[string]any
			if err := remarshal(value, &v); err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			record(key, c.TaskContext, v)
			c.TaskContext = v
		case "conversation_state":
			v, err := asString(key, value)
			if err != nil {
				return nil, err
			}
			record(key, c.ConversationState, models.ConversationState(v))
			c.ConversationState = models.ConversationState(v)
		case "current_workflow":
			v, err := asString(key, value)
			if err != nil {
				return nil, err
			}
			record(key, c.CurrentWorkflow, v)
			c.CurrentWorkflow = v
		case "workflow_step":
			v, err := asString(key, value)
			if err != nil {
				return nil, err
			}
			record(key, c.WorkflowStep, v)
			c.WorkflowStep = v
		}
	}
	return changes, nil
}

// applyAgentFields mirrors applySessionFields for the agent document. A
// current_agent change stamps last_agent_switch and is classified as
// agent_switch instead of a generic update.
func applyAgentFields(c *models.AgentContext, fields Fields) ([]fieldChange, error) {
	var changes []fieldChange
	record := func(ct models.ChangeType, path string, oldV, newV any) {
		if jsonEqual(oldV, newV) {
			return
		}
		changes = append(changes, fieldChange{
			changeType: ct,
			path:       "agent." + path,
			oldValue:   oldV,
			newValue:   newV,
		})
	}

	for key, value := range fields {
		switch key {
		case "current_agent":
			v, err := asString(key, value)
			if err != nil {
				return nil, err
			}
			if v != c.CurrentAgent {
				now := time.Now().UTC()
				c.LastAgentSwitch = &now
				record(models.ChangeAgentSwitch, key, c.CurrentAgent, v)
			}
			c.CurrentAgent = v
		case "agent_messages":
			var v []models.AgentMessage
			if err := remarshal(value, &v); err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			record(models.ChangeUpdate, key, c.AgentMessages, v)
			c.AgentMessages = v
		case "recursions":
			v, err := asInt(key, value)
			if err != nil {
				return nil, err
			}
			record(models.ChangeUpdate, key, c.Recursions, v)
			c.Recursions = v
		case "consecutive_tool_calls":
			v, err := asInt(key, value)
			if err != nil {
				return nil, err
			}
			record(models.ChangeUpdate, key, c.ConsecutiveToolCalls, v)
			c.ConsecutiveToolCalls = v
		case "last_tool_result":
			v, err := asString(key, value)
			if err != nil {
				return nil, err
			}
			record(models.ChangeUpdate, key, c.LastToolResult, v)
			c.LastToolResult = v
		case "processed_workflow_messages":
			var v []string
			if err := remarshal(value, &v); err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			record(models.ChangeUpdate, key, c.ProcessedWorkflowMessages, v)
			c.ProcessedWorkflowMessages = v
		}
	}
	return changes, nil
}

func asString(key string, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q: expected string, got %T", key, v)
	}
	return s, nil
}

func asInt(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		// JSON numbers decode as float64.
		return int(n), nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("field %q: expected integer, got %T", key, v)
}

// asConfidence keeps out-of-range numbers instead of rejecting them here;
// document validation decides, so the whole update rolls back atomically.
func asConfidence(v any) (*models.Confidence, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case float64:
		c := models.Confidence(n)
		return &c, nil
	case int:
		c := models.Confidence(n)
		return &c, nil
	case models.Confidence:
		return &n, nil
	case *models.Confidence:
		return n, nil
	}
	return nil, fmt.Errorf("field \"intent_confidence\": expected number, got %T", v)
}

// remarshal coerces loosely-typed input (JSON bodies, workflow state maps)
// into the concrete document type via a JSON round trip.
func remarshal(src, dst any) error {
	if src == nil {
		return nil
	}
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
