package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/MarcoPoloResearchLab/codecollab/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds interpreter wall-clock time.
	DefaultTimeout = 10 * time.Second

	opExecute              = "execution.execute"
	reasonUnsupported      = "unsupported_language"
	reasonRejected         = "source_rejected"
	reasonWriteSource      = "write_source_failed"
	reasonTimeout          = "timeout"
	reasonInterpreterFault = "interpreter_unavailable"

	statusSuccess  = "success"
	statusFailure  = "failure"
	statusTimeout  = "timeout"
	statusRejected = "rejected"
	statusError    = "error"
)

var (
	// ErrTimeout indicates the interpreter exceeded its wall-clock budget.
	ErrTimeout = errors.New("execution: timed out")
	// ErrUnsupportedLanguage indicates no interpreter is configured for the language.
	ErrUnsupportedLanguage = errors.New("execution: unsupported language")
	// ErrEmptySource indicates there was nothing to run.
	ErrEmptySource = errors.New("execution: empty source")
	// ErrUnavailable indicates the interpreter could not be started.
	ErrUnavailable = errors.New("execution: interpreter unavailable")
)

// Result is the outcome of one program run.
type Result struct {
	Success         bool   `json:"success"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exitCode"`
	WallClockMillis int64  `json:"wallClockMillis"`
}

// Executor runs source text in a language interpreter.
type Executor interface {
	Execute(ctx context.Context, language collab.Language, source string) (Result, error)
}

// SubprocessExecutorConfig describes interpreter paths and limits.
type SubprocessExecutorConfig struct {
	PythonPath string
	NodePath   string
	Timeout    time.Duration
	WorkDir    string
	Runner     Runner
	Guard      *Guard
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type interpreter struct {
	path      string
	extension string
}

// SubprocessExecutor writes source to a temporary file and runs the
// configured interpreter on it.
type SubprocessExecutor struct {
	interpreters map[collab.Language]interpreter
	timeout      time.Duration
	workDir      string
	runner       Runner
	guard        *Guard
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewSubprocessExecutor constructs an executor.
func NewSubprocessExecutor(cfg SubprocessExecutorConfig) *SubprocessExecutor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runner := cfg.Runner
	if runner == nil {
		runner = NewProcessRunner()
	}
	guard := cfg.Guard
	if guard == nil {
		guard = NewGuard()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interpreters := make(map[collab.Language]interpreter)
	if path := strings.TrimSpace(cfg.PythonPath); path != "" {
		interpreters[collab.LanguagePython] = interpreter{path: path, extension: ".py"}
	}
	if path := strings.TrimSpace(cfg.NodePath); path != "" {
		interpreters[collab.LanguageJavaScript] = interpreter{path: path, extension: ".js"}
	}
	return &SubprocessExecutor{
		interpreters: interpreters,
		timeout:      timeout,
		workDir:      cfg.WorkDir,
		runner:       runner,
		guard:        guard,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
	}
}

// Execute checks the source against the denylist, then runs it with a hard
// timeout. A program that exits non-zero yields Success=false and no error.
func (e *SubprocessExecutor) Execute(ctx context.Context, language collab.Language, source string) (Result, error) {
	selected, ok := e.interpreters[language]
	if !ok {
		e.logError(reasonUnsupported, ErrUnsupportedLanguage, zap.String("language", string(language)))
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	if strings.TrimSpace(source) == "" {
		return Result{}, ErrEmptySource
	}
	if err := e.guard.Check(language, source); err != nil {
		e.metrics.ExecutionObserved(string(language), statusRejected, 0)
		e.logger.Info("execution rejected", zap.String("operation", opExecute), zap.String("reason", reasonRejected), zap.Error(err))
		return Result{}, err
	}

	sourcePath, err := writeSourceFile(e.workDir, "codecollab-*"+selected.extension, source)
	if err != nil {
		e.logError(reasonWriteSource, err)
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer os.Remove(sourcePath)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := e.clock()
	output, runErr := e.runner.Run(runCtx, Command{Name: selected.path, Args: []string{sourcePath}, Dir: e.workDir})
	elapsed := e.clock().Sub(started)
	result := Result{
		Stdout:          output.Stdout,
		Stderr:          output.Stderr,
		ExitCode:        output.ExitCode,
		WallClockMillis: elapsed.Milliseconds(),
	}

	switch {
	case runErr == nil:
		result.Success = output.ExitCode == 0
		status := statusSuccess
		if !result.Success {
			status = statusFailure
		}
		e.metrics.ExecutionObserved(string(language), status, elapsed)
		return result, nil
	case errors.Is(runErr, context.DeadlineExceeded) && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		e.metrics.ExecutionObserved(string(language), statusTimeout, elapsed)
		e.logger.Info("execution timed out", zap.String("operation", opExecute), zap.String("reason", reasonTimeout), zap.Duration("timeout", e.timeout))
		return result, fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	case ctx.Err() != nil:
		e.metrics.ExecutionObserved(string(language), statusError, elapsed)
		return result, ctx.Err()
	default:
		e.metrics.ExecutionObserved(string(language), statusError, elapsed)
		e.logError(reasonInterpreterFault, runErr, zap.String("interpreter", selected.path))
		return result, fmt.Errorf("%w: %v", ErrUnavailable, runErr)
	}
}

func (e *SubprocessExecutor) logError(reason string, err error, fields ...zap.Field) {
	if e.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", opExecute),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	e.logger.Error("execution error", allFields...)
}
