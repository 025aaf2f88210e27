package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"projecthub.io/assistant/internal/store"
)

// Stage is a step of the turn state machine. The failure stages and
// StagePersisted are terminal; every path ends in a persisted turn.
type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StagePersonaResolved   Stage = "PERSONA_RESOLVED"
	StageSQLGenerating     Stage = "SQL_GENERATING"
	StageSQLGenerated      Stage = "SQL_GENERATED"
	StageSQLGenFailed      Stage = "SQL_GEN_FAILED"
	StageSQLValidating     Stage = "SQL_VALIDATING"
	StageSQLRejected       Stage = "SQL_REJECTED"
	StageSQLExecuting      Stage = "SQL_EXECUTING"
	StageExecFailed        Stage = "EXEC_FAILED"
	StageExecTimeout       Stage = "EXEC_TIMEOUT"
	StageResultShaping     Stage = "RESULT_SHAPING"
	StageAnalysisComposing Stage = "ANALYSIS_COMPOSING"
	StagePersisted         Stage = "PERSISTED"
)

const learnTimeout = 30 * time.Second

type TurnStore interface {
	RecordTurn(ctx context.Context, turn *store.Turn) error
	GetTurn(ctx context.Context, turnID string) (*store.Turn, error)
	ListTurns(ctx context.Context, filter store.TurnFilter) ([]store.Turn, error)
	RecentTurns(ctx context.Context, conversationID, projectID *string, n int) ([]store.Turn, error)
	DeleteTurnsByProject(ctx context.Context, projectID string) (int64, error)
	AttachFeedback(ctx context.Context, turnID string, fb *store.Feedback) error
	ListFeedback(ctx context.Context, turnID string) ([]store.Feedback, error)
	ComputeStats(ctx context.Context, filter store.StatsFilter) (*store.Stats, error)
}

type PersonaStore interface {
	PersonaSource
	ListPersonas(ctx context.Context) ([]store.Persona, error)
	CreatePersona(ctx context.Context, p *store.Persona) error
	UpdatePersona(ctx context.Context, p *store.Persona) error
	DeletePersona(ctx context.Context, id string) error
	SetDefaultPersona(ctx context.Context, id string) error
}

// QueryRunner executes a statement the guard accepted.
type QueryRunner interface {
	Execute(ctx context.Context, statement string) (*QueryResult, error)
}

// Publisher receives every persisted assistant turn. Publish must not block.
type Publisher interface {
	Publish(turn *store.Turn)
}

type exampleLearner interface {
	Learn(ctx context.Context, turn *store.Turn) error
	Reload(ctx context.Context) error
}

// ChatServiceConfig wires the pipeline. Examples and Publisher are optional.
type ChatServiceConfig struct {
	Turns         TurnStore
	Personas      PersonaStore
	Resolver      *PersonaResolver
	Generator     *SQLGenerator
	Guard         *SQLGuard
	Executor      QueryRunner
	Shaper        *ResultShaper
	Composer      *AnalysisComposer
	Examples      exampleLearner
	Publisher     Publisher
	HistoryWindow int
	Logger        *zap.Logger
}

type ChatService struct {
	turns         TurnStore
	personas      PersonaStore
	resolver      *PersonaResolver
	generator     *SQLGenerator
	guard         *SQLGuard
	executor      QueryRunner
	shaper        *ResultShaper
	composer      *AnalysisComposer
	examples      exampleLearner
	publisher     Publisher
	historyWindow int
	logger        *zap.Logger

	background sync.WaitGroup
}

func NewChatService(cfg ChatServiceConfig) *ChatService {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		turns:         cfg.Turns,
		personas:      cfg.Personas,
		resolver:      cfg.Resolver,
		generator:     cfg.Generator,
		guard:         cfg.Guard,
		executor:      cfg.Executor,
		shaper:        cfg.Shaper,
		composer:      cfg.Composer,
		examples:      cfg.Examples,
		publisher:     cfg.Publisher,
		historyWindow: cfg.HistoryWindow,
		logger:        logger,
	}
}

// TurnRequest is one question submitted to the assistant.
type TurnRequest struct {
	Question       string  `json:"question"`
	ProjectID      *string `json:"projectId,omitempty"`
	PersonaID      *string `json:"personaId,omitempty"`
	ConversationID *string `json:"conversationId,omitempty"`
}

// SubmitTurn runs the pipeline for one question and returns the persisted
// assistant turn. Stage failures do not surface as errors: they end in a
// persisted turn carrying ErrorMessage. Only input, configuration and persona
// errors, and store failures, are returned.
func (s *ChatService) SubmitTurn(ctx context.Context, req TurnRequest) (*store.Turn, error) {
	start := time.Now()
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is empty", ErrInvalidInput)
	}
	req.ProjectID = emptyToNil(req.ProjectID)
	req.ConversationID = emptyToNil(req.ConversationID)

	logger := s.logger.With(zap.Stringp("projectId", req.ProjectID), zap.Stringp("conversationId", req.ConversationID))
	logger.Debug("Turn stage", zap.String("stage", string(StageReceived)))

	bundle, err := s.resolver.Resolve(ctx, req.PersonaID)
	if err != nil {
		logger.Error("Persona resolution failed", zap.Error(err))
		return nil, err
	}
	logger = logger.With(zap.String("persona", bundle.PersonaID))
	logger.Debug("Turn stage", zap.String("stage", string(StagePersonaResolved)))

	history, err := s.turns.RecentTurns(ctx, req.ConversationID, req.ProjectID, s.historyWindow)
	if err != nil {
		logger.Warn("Failed to load history, continuing without it", zap.Error(err))
		history = nil
	}

	personaID := bundle.PersonaID
	userTurn := &store.Turn{
		ConversationID: req.ConversationID,
		Role:           store.RoleUser,
		Content:        question,
		ChartType:      store.ChartNone,
		PersonaID:      &personaID,
		ProjectID:      req.ProjectID,
	}
	if err := s.turns.RecordTurn(ctx, userTurn); err != nil {
		logger.Error("Failed to persist user turn", zap.Error(err))
		return nil, fmt.Errorf("failed to persist user turn: %w", err)
	}

	turn := &store.Turn{
		ConversationID: req.ConversationID,
		Role:           store.RoleAssistant,
		ChartType:      store.ChartNone,
		UserQuery:      &question,
		PersonaID:      &personaID,
		ProjectID:      req.ProjectID,
	}
	s.runPipeline(ctx, logger, question, history, req.ProjectID, bundle, turn)
	turn.ProcessingTimeMs = time.Since(start).Milliseconds()

	if err := s.turns.RecordTurn(ctx, turn); err != nil {
		logger.Error("Failed to persist assistant turn", zap.Error(err))
		return nil, fmt.Errorf("failed to persist assistant turn: %w", err)
	}
	logger.Info("Turn persisted",
		zap.String("stage", string(StagePersisted)),
		zap.String("turn", turn.ID),
		zap.String("chart", string(turn.ChartType)),
		zap.Int64("processingMs", turn.ProcessingTimeMs),
		zap.Bool("failed", turn.ErrorMessage != nil))

	if s.publisher != nil {
		s.publisher.Publish(turn)
	}
	return turn, nil
}

// runPipeline fills turn from generation through composition. Every failure
// is terminal and recorded on the turn.
func (s *ChatService) runPipeline(ctx context.Context, logger *zap.Logger, question string, history []store.Turn, projectID *string, bundle PromptBundle, turn *store.Turn) {
	fail := func(stage Stage, err error) {
		msg := UserMessage(err)
		turn.Content = msg
		turn.ErrorMessage = &msg
		turn.ChartType = store.ChartNone
		turn.ChartData = nil
		turn.MindmapData = nil
		logger.Warn("Turn failed", zap.String("stage", string(stage)), zap.Error(err), zap.Stringp("sql", turn.SQLQuery))
	}

	logger.Debug("Turn stage", zap.String("stage", string(StageSQLGenerating)))
	genStart := time.Now()
	generated, err := s.generator.Generate(ctx, GenerationInput{
		Question:  question,
		History:   history,
		ProjectID: projectID,
		Prompts:   bundle,
	})
	turn.SQLGenTimeMs = time.Since(genStart).Milliseconds()
	if err != nil {
		fail(StageSQLGenFailed, err)
		return
	}
	sql := generated.SQL
	turn.SQLQuery = &sql
	logger.Debug("Turn stage", zap.String("stage", string(StageSQLGenerated)), zap.String("sql", sql))

	logger.Debug("Turn stage", zap.String("stage", string(StageSQLValidating)))
	statement, err := s.guard.Check(sql, projectID)
	if err != nil {
		fail(StageSQLRejected, err)
		return
	}

	logger.Debug("Turn stage", zap.String("stage", string(StageSQLExecuting)))
	result, err := s.executor.Execute(ctx, statement)
	if result != nil {
		turn.SQLExecTimeMs = result.Elapsed.Milliseconds()
	}
	if err != nil {
		if errors.Is(err, ErrQueryTimeout) {
			fail(StageExecTimeout, err)
		} else {
			fail(StageExecFailed, err)
		}
		return
	}
	turn.RowCount = result.RowCount
	turn.Truncated = result.Truncated

	logger.Debug("Turn stage", zap.String("stage", string(StageResultShaping)))
	shaped := s.shaper.Shape(result, generated.SuggestedChartType)
	turn.ChartType = shaped.ChartType
	switch shaped.Kind {
	case ShapeSeries:
		turn.ChartData = shaped.Series
	case ShapeMindmap:
		turn.MindmapData = shaped.Mindmap
	}

	logger.Debug("Turn stage", zap.String("stage", string(StageAnalysisComposing)))
	answer, err := s.composer.Compose(ctx, AnalysisInput{
		Question: question,
		SQL:      sql,
		Result:   result,
		Shaped:   shaped,
		Prompts:  bundle,
	})
	if err != nil {
		logger.Warn("Analysis fell back to raw result", zap.Error(err))
	}
	turn.Content = answer
}

// FeedbackInput is a user's rating of an assistant turn.
type FeedbackInput struct {
	Rating            store.Rating `json:"rating"`
	Comment           *string      `json:"comment,omitempty"`
	IsSQLCorrect      *bool        `json:"isSqlCorrect,omitempty"`
	IsResponseHelpful *bool        `json:"isResponseHelpful,omitempty"`
	IsChartUseful     *bool        `json:"isChartUseful,omitempty"`
	Tags              []string     `json:"tags,omitempty"`
}

// SubmitFeedback attaches feedback to a turn. Positive feedback on a successful
// assistant turn also teaches the example retriever, in the background.
func (s *ChatService) SubmitFeedback(ctx context.Context, turnID string, in FeedbackInput) (*store.Feedback, error) {
	rating, ok := store.ParseRating(string(in.Rating))
	if !ok {
		return nil, fmt.Errorf("%w: unknown rating %q", ErrInvalidInput, in.Rating)
	}
	fb := &store.Feedback{
		Rating:            rating,
		Comment:           in.Comment,
		IsSQLCorrect:      in.IsSQLCorrect,
		IsResponseHelpful: in.IsResponseHelpful,
		IsChartUseful:     in.IsChartUseful,
		Tags:              in.Tags,
	}
	if err := s.turns.AttachFeedback(ctx, turnID, fb); err != nil {
		if !errors.Is(err, ErrTurnNotFound) {
			s.logger.Error("Failed to attach feedback", zap.String("turn", turnID), zap.Error(err))
		}
		return nil, err
	}
	s.logger.Info("Feedback recorded", zap.String("turn", turnID), zap.String("rating", string(rating)))

	if rating == store.RatingPositive && s.examples != nil {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.learn(context.WithoutCancel(ctx), turnID)
		}()
	}
	return fb, nil
}

func (s *ChatService) learn(ctx context.Context, turnID string) {
	ctx, cancel := context.WithTimeout(ctx, learnTimeout)
	defer cancel()

	turn, err := s.turns.GetTurn(ctx, turnID)
	if err != nil {
		s.logger.Warn("Failed to load turn for example", zap.String("turn", turnID), zap.Error(err))
		return
	}
	if err := s.examples.Learn(ctx, turn); err != nil {
		s.logger.Warn("Failed to store example", zap.String("turn", turnID), zap.Error(err))
		return
	}
	s.logger.Debug("Example learned", zap.String("turn", turnID))
}

// Wait blocks until background work started by SubmitFeedback has finished.
func (s *ChatService) Wait() {
	s.background.Wait()
}

func (s *ChatService) GetStats(ctx context.Context, filter store.StatsFilter) (*store.Stats, error) {
	return s.turns.ComputeStats(ctx, filter)
}

func (s *ChatService) GetTurn(ctx context.Context, turnID string) (*store.Turn, error) {
	return s.turns.GetTurn(ctx, turnID)
}

func (s *ChatService) ListTurns(ctx context.Context, filter store.TurnFilter) ([]store.Turn, error) {
	return s.turns.ListTurns(ctx, filter)
}

func (s *ChatService) ListFeedback(ctx context.Context, turnID string) ([]store.Feedback, error) {
	if _, err := s.turns.GetTurn(ctx, turnID); err != nil {
		return nil, err
	}
	return s.turns.ListFeedback(ctx, turnID)
}

// DeleteProjectTurns removes a project's turns, their feedback and any examples
// learned from them.
func (s *ChatService) DeleteProjectTurns(ctx context.Context, projectID string) (int64, error) {
	if strings.TrimSpace(projectID) == "" {
		return 0, fmt.Errorf("%w: project id is empty", ErrInvalidInput)
	}
	n, err := s.turns.DeleteTurnsByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Deleted project turns", zap.String("projectId", projectID), zap.Int64("count", n))
	if s.examples != nil {
		if err := s.examples.Reload(ctx); err != nil {
			s.logger.Warn("Failed to reload examples after delete", zap.Error(err))
		}
	}
	return n, nil
}

// Persona management

func (s *ChatService) ListPersonas(ctx context.Context) ([]store.Persona, error) {
	return s.personas.ListPersonas(ctx)
}

func (s *ChatService) GetPersona(ctx context.Context, id string) (*store.Persona, error) {
	return s.personas.GetPersona(ctx, id)
}

func (s *ChatService) CreatePersona(ctx context.Context, p *store.Persona) error {
	if err := validatePersona(p); err != nil {
		return err
	}
	return s.personas.CreatePersona(ctx, p)
}

func (s *ChatService) UpdatePersona(ctx context.Context, p *store.Persona) error {
	if err := validatePersona(p); err != nil {
		return err
	}
	return s.personas.UpdatePersona(ctx, p)
}

func (s *ChatService) DeletePersona(ctx context.Context, id string) error {
	return s.personas.DeletePersona(ctx, id)
}

func (s *ChatService) SetDefaultPersona(ctx context.Context, id string) error {
	return s.personas.SetDefaultPersona(ctx, id)
}

func validatePersona(p *store.Persona) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" || strings.TrimSpace(p.SystemPrompt) == "" {
		return fmt.Errorf("%w: persona needs a name and a system prompt", ErrInvalidInput)
	}
	return nil
}

func emptyToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
