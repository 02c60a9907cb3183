package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kbswarm/agentstate/internal/cache"
	"github.com/kbswarm/agentstate/internal/intent"
	"github.com/kbswarm/agentstate/internal/models"
	"github.com/kbswarm/agentstate/internal/state"
	"github.com/kbswarm/agentstate/internal/utils"
)

// exportTTL bounds how stale a cached workflow export may get if an
// invalidation is lost.
const exportTTL = 30 * time.Second

type StateService interface {
	Initialize(ctx context.Context, sessionID, knowledgeBaseID string) (*models.SessionContext, error)
	SessionContext(ctx context.Context, sessionID string) (*models.SessionContext, error)
	AgentContext(ctx context.Context, sessionID string) (*models.AgentContext, error)
	UpdateSession(ctx context.Context, sessionID, actor string, fields state.Fields) (*models.SessionContext, error)
	UpdateAgent(ctx context.Context, sessionID, actor string, fields state.Fields) (*models.AgentContext, error)
	AppendMessage(ctx context.Context, sessionID, role, content, actor string, metadata map[string]any, toolCalls []map[string]any) (*models.ConversationMessage, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.ConversationMessage, error)
	AuditTrail(ctx context.Context, sessionID string, limit int) ([]models.AuditRecord, error)
	Merge(ctx context.Context, sessionID string, flat state.WorkflowState, actor string) error
	Export(ctx context.Context, sessionID string) (state.WorkflowState, error)
	Clear(ctx context.Context, sessionID string) error
	ClassifyIntent(ctx context.Context, sessionID, text, actor string) (intent.Result, error)
	Summary(ctx context.Context, sessionID string) (map[string]any, error)
}

type stateService struct {
	store      *state.Store
	cache      cache.Cache // nil disables caching
	classifier *intent.Classifier
	log        *logrus.Logger
}

func NewStateService(store *state.Store, c cache.Cache, log *logrus.Logger) StateService {
	return &stateService{
		store:      store,
		cache:      c,
		classifier: intent.NewClassifier(),
		log:        log,
	}
}

func (s *stateService) session(op, sessionID string) (*state.Manager, error) {
	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	return s.store.Session(sessionID)
}

func (s *stateService) Initialize(ctx context.Context, sessionID, knowledgeBaseID string) (*models.SessionContext, error) {
	m, err := s.session("StateService.Initialize", sessionID)
	if err != nil {
		return nil, err
	}
	sc, err := m.InitializeSession(ctx, knowledgeBaseID)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, sessionID)
	return sc, nil
}

func (s *stateService) SessionContext(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	const op = "StateService.SessionContext"
	m, err := s.session(op, sessionID)
	if err != nil {
		return nil, err
	}
	sc := m.GetSessionContext(ctx)
	if sc == nil {
		return nil, utils.E(utils.CodeNotFound, op, "session not found", utils.ErrNotFound)
	}
	return sc, nil
}

func (s *stateService) AgentContext(ctx context.Context, sessionID string) (*models.AgentContext, error) {
	const op = "StateService.AgentContext"
	m, err := s.session(op, sessionID)
	if err != nil {
		return nil, err
	}
	ac := m.GetAgentContext(ctx)
	if ac == nil {
		return nil, utils.E(utils.CodeNotFound, op, "session not found", utils.ErrNotFound)
	}
	return ac, nil
}

func (s *stateService) UpdateSession(ctx context.Context, sessionID, actor string, fields state.Fields) (*models.SessionContext, error) {
	const op = "StateService.UpdateSession"
	m, err := s.session(op, sessionID)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "no fields supplied", nil)
	}
	sc, err := m.UpdateSessionContext(ctx, actorOrSystem(actor), fields)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, sessionID)
	return sc, nil
}

func (s *stateService) UpdateAgent(ctx context.Context, sessionID, actor string, fields state.Fields) (*models.AgentContext, error) {
	const op = "StateService.UpdateAgent"
	m, err := s.session(op, sessionID)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "no fields supplied", nil)
	}
	ac, err := m.UpdateAgentContext(ctx, actorOrSystem(actor), fields)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, sessionID)
	return ac, nil
}

func (s *stateService) AppendMessage(ctx context.Context, sessionID, role, content, actor string,
	metadata map[string]any, toolCalls []map[string]any) (*models.ConversationMessage, error) {

	const op = "StateService.AppendMessage"
	m, err := s.session(op, sessionID)
	if err != nil {
		return nil, err
	}
	if role == "" || content == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "role and content are required", nil)
	}
	msg, err := m.AddConversationMessage(ctx, role, content, actor, metadata, toolCalls)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, sessionID)
	return msg, nil
}

func (s *stateService) History(ctx context.Context, sessionID string, limit int) ([]models.ConversationMessage, error) {
	m, err := s.session("StateService.History", sessionID)
	if err != nil {
		return nil, err
	}
	return m.GetConversationHistory(ctx, limit), nil
}

func (s *stateService) AuditTrail(ctx context.Context, sessionID string, limit int) ([]models.AuditRecord, error) {
	m, err := s.session("StateService.AuditTrail", sessionID)
	if err != nil {
		return nil, err
	}
	return m.AuditTrail(ctx, limit), nil
}

func (s *stateService) Merge(ctx context.Context, sessionID string, flat state.WorkflowState, actor string) error {
	m, err := s.session("StateService.Merge", sessionID)
	if err != nil {
		return err
	}
	if err := m.MergeWorkflowState(ctx, flat, actorOrSystem(actor)); err != nil {
		return err
	}
	s.invalidate(ctx, sessionID)
	return nil
}

func (s *stateService) Export(ctx context.Context, sessionID string) (state.WorkflowState, error) {
	m, err := s.session("StateService.Export", sessionID)
	if err != nil {
		return nil, err
	}

	key := cache.ExportKey(sessionID)
	if s.cache != nil {
		var cached state.WorkflowState
		if hit, err := s.cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	flat := m.ExportState(ctx)
	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, flat, exportTTL); err != nil {
			s.log.WithError(err).Warn("failed to cache exported state")
		}
	}
	return flat, nil
}

func (s *stateService) Clear(ctx context.Context, sessionID string) error {
	m, err := s.session("StateService.Clear", sessionID)
	if err != nil {
		return err
	}
	if err := m.ClearSession(ctx); err != nil {
		return err
	}
	s.invalidate(ctx, sessionID)
	return nil
}

// ClassifyIntent scores text and writes the resulting pair into session
// state; the classifier itself holds no state.
func (s *stateService) ClassifyIntent(ctx context.Context, sessionID, text, actor string) (intent.Result, error) {
	const op = "StateService.ClassifyIntent"
	if text == "" {
		return intent.Result{}, utils.E(utils.CodeInvalidArgument, op, "text is required", nil)
	}
	res := s.classifier.Classify(text)
	_, err := s.UpdateSession(ctx, sessionID, actorOrSystem(actor), state.Fields{
		"user_intent":       res.Intent,
		"intent_confidence": float64(res.Confidence),
	})
	if err != nil {
		return intent.Result{}, err
	}
	return res, nil
}

func (s *stateService) Summary(ctx context.Context, sessionID string) (map[string]any, error) {
	m, err := s.session("StateService.Summary", sessionID)
	if err != nil {
		return nil, err
	}
	return m.StateSummary(ctx), nil
}

func (s *stateService) invalidate(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cache.ExportKey(sessionID)); err != nil {
		s.log.WithError(err).Warn("failed to invalidate export cache")
	}
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return state.SystemActor
	}
	return actor
}
