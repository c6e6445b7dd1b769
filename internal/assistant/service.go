package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/MarcoPoloResearchLab/codecollab/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds one generation call.
	DefaultTimeout = 30 * time.Second

	opGenerateQuestion = "assistant.generate_question"
	opAnalyzeCode      = "assistant.analyze_code"

	metricGenerateQuestion = "generate_question"
	metricAnalyzeCode      = "analyze_code"

	outcomeSuccess     = "success"
	outcomeFallback    = "fallback"
	outcomeUnavailable = "unavailable"
	outcomeTimeout     = "timeout"

	reasonGeneratorFailed = "generator_failed"
	reasonUnparsable      = "unparsable_output"
	reasonTimeout         = "timeout"

	maxTopicLength  = 200
	maxSourceLength = 20000
)

var (
	// ErrUnavailable indicates the model could not be reached.
	ErrUnavailable = errors.New("assistant: service unavailable")
	// ErrTimeout indicates the model did not answer within the budget.
	ErrTimeout = errors.New("assistant: timed out")
	// ErrInvalidRequest indicates a malformed request.
	ErrInvalidRequest = errors.New("assistant: invalid request")
)

// Difficulty grades a generated question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty validates a difficulty name.
func ParseDifficulty(raw string) (Difficulty, error) {
	switch Difficulty(strings.ToLower(strings.TrimSpace(raw))) {
	case DifficultyEasy:
		return DifficultyEasy, nil
	case DifficultyMedium:
		return DifficultyMedium, nil
	case DifficultyHard:
		return DifficultyHard, nil
	default:
		return "", fmt.Errorf("%w: unsupported difficulty %q", ErrInvalidRequest, raw)
	}
}

// Example is one input/output pair of a question.
type Example struct {
	Input       string `json:"input"`
	Output      string `json:"output"`
	Explanation string `json:"explanation,omitempty"`
}

// Question is a generated practice problem.
type Question struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Difficulty  Difficulty `json:"difficulty"`
	Topic       string     `json:"topic"`
	Examples    []Example  `json:"examples"`
	Constraints []string   `json:"constraints"`
	Hints       []string   `json:"hints"`
}

// Analysis is structured feedback on submitted code.
type Analysis struct {
	Summary         string   `json:"summary"`
	TimeComplexity  string   `json:"timeComplexity"`
	SpaceComplexity string   `json:"spaceComplexity"`
	Score           int      `json:"score"`
	Strengths       []string `json:"strengths"`
	Improvements    []string `json:"improvements"`
	Bugs            []string `json:"bugs"`
}

// QuestionResult carries a question and whether it is the default payload.
type QuestionResult struct {
	Question Question `json:"question"`
	Fallback bool     `json:"fallback"`
}

// AnalysisResult carries an analysis and whether it is the default payload.
type AnalysisResult struct {
	Analysis Analysis `json:"analysis"`
	Fallback bool     `json:"fallback"`
}

// ServiceConfig describes the assistant dependencies.
type ServiceConfig struct {
	Generator ContentGenerator
	Timeout   time.Duration
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Service turns model output into questions and analyses. Calls are never
// retried; unparsable output degrades to a default payload.
type Service struct {
	generator ContentGenerator
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewService constructs the assistant. A nil generator yields a service whose
// calls report ErrUnavailable.
func NewService(cfg ServiceConfig) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		generator: cfg.Generator,
		timeout:   timeout,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// GenerateQuestion asks the model for a practice problem.
func (s *Service) GenerateQuestion(ctx context.Context, topic string, difficulty Difficulty) (QuestionResult, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" || len(topic) > maxTopicLength {
		return QuestionResult{}, fmt.Errorf("%w: topic must be 1-%d characters", ErrInvalidRequest, maxTopicLength)
	}
	if _, err := ParseDifficulty(string(difficulty)); err != nil {
		return QuestionResult{}, err
	}

	raw, err := s.generate(ctx, opGenerateQuestion, metricGenerateQuestion, questionPrompt(topic, difficulty))
	if err != nil {
		return QuestionResult{}, err
	}

	var question Question
	if err := decodeModelJSON(raw, &question); err != nil || strings.TrimSpace(question.Title) == "" || strings.TrimSpace(question.Description) == "" {
		if err == nil {
			err = errors.New("missing title or description")
		}
		s.logError(opGenerateQuestion, reasonUnparsable, err)
		s.metrics.AssistantRequest(metricGenerateQuestion, outcomeFallback)
		return QuestionResult{Question: fallbackQuestion(topic, difficulty), Fallback: true}, nil
	}
	question.Topic = topic
	question.Difficulty = difficulty
	s.metrics.AssistantRequest(metricGenerateQuestion, outcomeSuccess)
	return QuestionResult{Question: question}, nil
}

// AnalyzeCode asks the model to review source text.
func (s *Service) AnalyzeCode(ctx context.Context, language collab.Language, source string) (AnalysisResult, error) {
	if _, err := collab.ParseLanguage(string(language)); err != nil {
		return AnalysisResult{}, fmt.Errorf("%w: unsupported language %q", ErrInvalidRequest, language)
	}
	if strings.TrimSpace(source) == "" || len(source) > maxSourceLength {
		return AnalysisResult{}, fmt.Errorf("%w: code must be 1-%d characters", ErrInvalidRequest, maxSourceLength)
	}

	raw, err := s.generate(ctx, opAnalyzeCode, metricAnalyzeCode, analysisPrompt(language, source))
	if err != nil {
		return AnalysisResult{}, err
	}

	var analysis Analysis
	if err := decodeModelJSON(raw, &analysis); err != nil || strings.TrimSpace(analysis.Summary) == "" {
		if err == nil {
			err = errors.New("missing summary")
		}
		s.logError(opAnalyzeCode, reasonUnparsable, err)
		s.metrics.AssistantRequest(metricAnalyzeCode, outcomeFallback)
		return AnalysisResult{Analysis: fallbackAnalysis(), Fallback: true}, nil
	}
	if analysis.Score < 0 {
		analysis.Score = 0
	}
	if analysis.Score > 100 {
		analysis.Score = 100
	}
	s.metrics.AssistantRequest(metricAnalyzeCode, outcomeSuccess)
	return AnalysisResult{Analysis: analysis}, nil
}

func (s *Service) generate(ctx context.Context, operation, metric, prompt string) (string, error) {
	if s.generator == nil {
		s.metrics.AssistantRequest(metric, outcomeUnavailable)
		return "", fmt.Errorf("%w: assistant is not configured", ErrUnavailable)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.generator.GenerateJSON(callCtx, prompt)
	if err == nil {
		return raw, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		s.logError(operation, reasonTimeout, err)
		s.metrics.AssistantRequest(metric, outcomeTimeout)
		return "", fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	s.logError(operation, reasonGeneratorFailed, err)
	s.metrics.AssistantRequest(metric, outcomeUnavailable)
	return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("assistant error", allFields...)
}

// decodeModelJSON tolerates markdown code fences around the document.
func decodeModelJSON(raw string, target interface{}) error {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if newline := strings.Index(text, "\n"); newline >= 0 {
			text = text[newline+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		text = text[start : end+1]
	}
	return json.Unmarshal([]byte(text), target)
}
