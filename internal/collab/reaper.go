package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs the idle sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

const sweepTimeout = time.Minute

var errMissingService = errors.New("collab: reaper requires a service")

// scheduleParser accepts standard five-field expressions and @every descriptors.
var scheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

type ReaperConfig struct {
	Service  *Service
	Schedule string
	Logger   *zap.Logger
}

// Reaper runs ReapIdleSessions on a cron schedule.
type Reaper struct {
	service  *Service
	schedule cron.Schedule
	logger   *zap.Logger

	mu      sync.Mutex
	runner  *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewReaper validates the schedule expression without starting the timer.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Service == nil {
		return nil, errMissingService
	}
	expression := cfg.Schedule
	if expression == "" {
		expression = DefaultSweepSchedule
	}
	schedule, err := scheduleParser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("collab: invalid sweep schedule %q: %w", expression, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reaper{service: cfg.Service, schedule: schedule, logger: logger}, nil
}

// Start launches the schedule. The sweep stops when ctx is cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.runner = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	r.runner.Schedule(r.schedule, cron.FuncJob(r.sweep))
	r.runner.Start()
	r.running = true

	go func(done <-chan struct{}) {
		<-done
		r.Stop()
	}(r.ctx.Done())
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	runner := r.runner
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	<-runner.Stop().Done()
}

// Sweep runs one pass immediately.
func (r *Reaper) Sweep(ctx context.Context) (ReapResult, error) {
	return r.service.ReapIdleSessions(ctx)
}

func (r *Reaper) sweep() {
	r.mu.Lock()
	parent := r.ctx
	r.mu.Unlock()
	if parent == nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, sweepTimeout)
	defer cancel()

	result, err := r.Sweep(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("idle session sweep failed", zap.Error(err), zap.Int("reaped", len(result.Reaped)))
	}
}
