package models

import (
	"errors"
	"fmt"
	"time"
)

// ContextSchemaVersion is stamped into every serialized context document.
// Readers use it to decide whether legacy backfill (missing session_id) is
// needed; documents at the current version are complete by construction.
const ContextSchemaVersion = 2

// DefaultAgent owns execution until the first explicit switch.
const DefaultAgent = "UserProxy"

type ConversationState string

const (
	StateActive    ConversationState = "active"
	StateWaiting   ConversationState = "waiting"
	StateCompleted ConversationState = "completed"
	StateError     ConversationState = "error"
)

func (s ConversationState) Valid() bool {
	switch s {
	case StateActive, StateWaiting, StateCompleted, StateError:
		return true
	}
	return false
}

// Confidence is an intent-classification score bounded to [0, 1].
type Confidence float64

func NewConfidence(v float64) (Confidence, error) {
	c := Confidence(v)
	if !c.Valid() {
		return 0, fmt.Errorf("confidence %v out of range [0, 1]", v)
	}
	return c, nil
}

func (c Confidence) Valid() bool { return c >= 0.0 && c <= 1.0 }

// SessionContext is the session-level working state, persisted as one JSON
// document on the session row.
type SessionContext struct {
	SchemaVersion     int               `json:"schema_version"`
	SessionID         string            `json:"session_id"`
	KnowledgeBaseID   string            `json:"knowledge_base_id,omitempty"`
	ArticleID         string            `json:"article_id,omitempty"`
	UserIntent        string            `json:"user_intent,omitempty"`
	IntentConfidence  *Confidence       `json:"intent_confidence,omitempty"`
	TaskContext       map[string]any    `json:"task_context"`
	ConversationState ConversationState `json:"conversation_state"`
	CurrentWorkflow   string            `json:"current_workflow,omitempty"`
	WorkflowStep      string            `json:"workflow_step,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	LastUpdated       time.Time         `json:"last_updated"`
}

// NewSessionContext builds a fresh context for sessionID. The id is the only
// required field and is immutable afterwards.
func NewSessionContext(sessionID string) (*SessionContext, error) {
	if sessionID == "" {
		return nil, errors.New("session_id is required")
	}
	now := time.Now().UTC()
	return &SessionContext{
		SchemaVersion:     ContextSchemaVersion,
		SessionID:         sessionID,
		TaskContext:       map[string]any{},
		ConversationState: StateActive,
		CreatedAt:         now,
		LastUpdated:       now,
	}, nil
}

// Validate checks the whole document. A mutation whose result fails here is
// rolled back in full.
func (c *SessionContext) Validate() error {
	if c.SessionID == "" {
		return errors.New("session_id must not be empty")
	}
	if c.IntentConfidence != nil && !c.IntentConfidence.Valid() {
		return fmt.Errorf("intent_confidence %v out of range [0, 1]", float64(*c.IntentConfidence))
	}
	if !c.ConversationState.Valid() {
		return fmt.Errorf("conversation_state %q not in {active, waiting, completed, error}", c.ConversationState)
	}
	return nil
}

// AgentMessage is one entry in the internal agent-to-agent trace.
type AgentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Agent   string `json:"agent,omitempty"`
}

// AgentContext tracks which agent owns execution and its run counters,
// persisted as a second JSON document on the same session row.
type AgentContext struct {
	SchemaVersion             int            `json:"schema_version"`
	CurrentAgent              string         `json:"current_agent"`
	AgentMessages             []AgentMessage `json:"agent_messages"`
	Recursions                int            `json:"recursions"`
	ConsecutiveToolCalls      int            `json:"consecutive_tool_calls"`
	LastToolResult            string         `json:"last_tool_result,omitempty"`
	ProcessedWorkflowMessages []string       `json:"processed_workflow_messages"`
	LastAgentSwitch           *time.Time     `json:"last_agent_switch,omitempty"`
}

func NewAgentContext() *AgentContext {
	return &AgentContext{
		SchemaVersion:             ContextSchemaVersion,
		CurrentAgent:              DefaultAgent,
		AgentMessages:             []AgentMessage{},
		ProcessedWorkflowMessages: []string{},
	}
}

// ResetExecutionState clears the per-run counters and the last tool result
// without touching conversation fields.
func (c *AgentContext) ResetExecutionState() {
	c.Recursions = 0
	c.ConsecutiveToolCalls = 0
	c.LastToolResult = ""
}

func (c *AgentContext) Validate() error {
	if c.CurrentAgent == "" {
		return errors.New("current_agent must not be empty")
	}
	if c.Recursions < 0 || c.ConsecutiveToolCalls < 0 {
		return errors.New("execution counters must not be negative")
	}
	return nil
}
