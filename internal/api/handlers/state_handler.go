package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kbswarm/agentstate/internal/services"
	"github.com/kbswarm/agentstate/internal/state"
	"github.com/kbswarm/agentstate/internal/utils"
)

type StateHandler struct {
	svc services.StateService
}

func NewStateHandler(svc services.StateService) *StateHandler {
	return &StateHandler{svc: svc}
}

type InitializeRequest struct {
	KnowledgeBaseID string `json:"knowledge_base_id"`
}

func (h *StateHandler) Initialize(c *gin.Context) {
	if _, ok := requireAgent(c); !ok {
		return
	}

	var req InitializeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, "StateHandler.Initialize", "invalid request body", err))
			return
		}
	}

	sc, err := h.svc.Initialize(c.Request.Context(), c.Param("session_id"), req.KnowledgeBaseID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (h *StateHandler) Get(c *gin.Context) {
	if _, ok := requireAgent(c); !ok {
		return
	}

	sessionID := c.Param("session_id")
	sc, err := h.svc.SessionContext(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	ac, err := h.svc.AgentContext(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_context": sc,
		"agent_context":   ac,
	})
}

type UpdateFieldsRequest struct {
	Fields state.Fields `json:"fields" binding:"required"`
}

func (h *StateHandler) UpdateSession(c *gin.Context) {
	agent, ok := requireAgent(c)
	if !ok {
		return
	}

	var req UpdateFieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "StateHandler.UpdateSession", "invalid request body", err))
		return
	}

	sc, err := h.svc.UpdateSession(c.Request.Context(), c.Param("session_id"), agent, req.Fields)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (h *StateHandler) UpdateAgent(c *gin.Context) {
	agent, ok := requireAgent(c)
	if !ok {
		return
	}

	var req UpdateFieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "StateHandler.UpdateAgent", "invalid request body", err))
		return
	}

	ac, err := h.svc.UpdateAgent(c.Request.Context(), c.Param("session_id"), agent, req.Fields)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ac)
}

type AppendMessageRequest struct {
	Role      string           `json:"role" binding:"required"`
	Content   string           `json:"content" binding:"required"`
	Metadata  map[string]any   `json:"metadata"`
	ToolCalls []map[string]any `json:"tool_calls"`
}

func (h *StateHandler) AppendMessage(c *gin.Context) {
	agent, ok := requireAgent(c)
	if !ok {
		return
	}

	var req AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "StateHandler.AppendMessage", "invalid request body", err))
		return
	}

	msg, err := h.svc.AppendMessage(c.Request.Context(), c.Param("session_id"),
		req.Role, req.Content, agent, req.Metadata, req.ToolCalls)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *StateHandler) History(c *gin.Context) {
	if _, ok := requireAgent(c); !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	rows, err := h.svc.History(c.Request.Context(), c.Param("session_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": rows})
}

func (h *StateHandler) AuditTrail(c *gin.Context) {
	if _, ok := requireAgent(c); !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	rows, err := h.svc.AuditTrail(c.Request.Context(), c.Param("session_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": rows})
}

func (h *StateHandler) Merge(c *gin.Context) {
	agent, ok := requireAgent(c)
	if !ok {
		return
	}

	var flat state.WorkflowState
	if err := c.ShouldBindJSON(&flat); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "StateHandler.Merge", "invalid request body", err))
		return
	}

	if err := h.svc.Merge(c.Request.Context(), c.Param("session_id"), flat, agent); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merged": true})
}

func (h *StateHandler) Export(c *gin.Context) {
	if _, ok := requireAgent(c); !ok {
		return
	}

	flat, err := h.svc.Export(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, flat)
}

func (h *StateHandler) Clear(c *gin.Context) {
	if _, ok := requireAgent(c); !ok {
		return
	}

	if err := h.svc.Clear(c.Request.Context(), c.Param("session_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

type ClassifyIntentRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *StateHandler) ClassifyIntent(c *gin.Context) {
	agent, ok := requireAgent(c)
	if !ok {
		return
	}

	var req ClassifyIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "StateHandler.ClassifyIntent", "invalid request body", err))
		return
	}

	res, err := h.svc.ClassifyIntent(c.Request.Context(), c.Param("session_id"), req.Text, agent)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intent":     res.Intent,
		"confidence": res.Confidence,
	})
}

func (h *StateHandler) Summary(c *gin.Context) {
	if _, ok := requireAgent(c); !ok {
		return
	}

	summary, err := h.svc.Summary(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
