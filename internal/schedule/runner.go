package schedule

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-engine/internal/models"
	"github.com/example/campaign-engine/internal/store"
)

// Trigger starts a campaign run for a fired schedule. The engine provides
// the implementation; keeping it an interface breaks the import cycle and
// lets the runner be tested with fakes.
type Trigger interface {
	TriggerSend(ctx context.Context, campaignID string) error
}

// TriggerFunc adapts a function to the Trigger interface.
type TriggerFunc func(ctx context.Context, campaignID string) error

// TriggerSend calls the wrapped function.
func (f TriggerFunc) TriggerSend(ctx context.Context, campaignID string) error {
	return f(ctx, campaignID)
}

// RunnerConfig contains the runtime settings for the schedule runner.
type RunnerConfig struct {
	PollInterval time.Duration
	ClaimLimit   int
	// ClaimLease bounds how long a claimed schedule stays invisible to
	// other runner instances; a runner crash mid-run reveals it after
	// this long.
	ClaimLease time.Duration
}

// RunnerDependencies collects the collaborators required by the runner.
type RunnerDependencies struct {
	Store   store.ScheduleStore
	Trigger Trigger
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Runner polls for active schedules whose NextRunAt has arrived, claims
// them so concurrent runner instances never double-fire, triggers the
// campaign run and records the next occurrence. A failed trigger leaves the
// schedule active with NextRunAt unchanged so it is retried on the next
// poll; scheduling failures are never silently dropped.
type Runner struct {
	cfg     RunnerConfig
	store   store.ScheduleStore
	trigger Trigger
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRunner constructs a Runner, validating configuration and dependencies.
func NewRunner(cfg RunnerConfig, deps RunnerDependencies) (*Runner, error) {
	if cfg.PollInterval <= 0 {
		return nil, errors.New("schedule runner: poll interval must be positive")
	}
	if cfg.ClaimLimit < 1 {
		return nil, errors.New("schedule runner: claim limit must be >= 1")
	}
	if cfg.ClaimLease <= 0 {
		return nil, errors.New("schedule runner: claim lease must be positive")
	}
	if deps.Store == nil {
		return nil, errors.New("schedule runner: store dependency is required")
	}
	if deps.Trigger == nil {
		return nil, errors.New("schedule runner: trigger dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "schedule_runner").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Runner{
		cfg:     cfg,
		store:   deps.Store,
		trigger: deps.Trigger,
		logger:  logger,
		now:     nowFunc,
	}, nil
}

// Start launches the polling loop. Calling Start on a running Runner is a
// no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(ctx, r.stop, r.done)
}

// Stop halts the polling loop and waits for the current tick to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
}

func (r *Runner) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one polling pass: claim due schedules and fire each. It is
// exported so callers driving a simulated clock can step the runner
// deterministically.
func (r *Runner) Tick(ctx context.Context) {
	now := r.now()
	due, err := r.store.ClaimDueSchedules(ctx, now, r.cfg.ClaimLimit, r.cfg.ClaimLease)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to claim due schedules")
		return
	}

	for _, s := range due {
		r.fire(ctx, s, now)
	}
}

func (r *Runner) fire(ctx context.Context, s *models.Schedule, now time.Time) {
	log := r.logger.With().
		Str("schedule_id", s.ID).
		Str("campaign_id", s.CampaignID).
		Int("execution_count", s.ExecutionCount).
		Logger()

	if err := r.trigger.TriggerSend(ctx, s.CampaignID); err != nil {
		log.Warn().Err(err).Msg("trigger failed; schedule stays due for next poll")
		if relErr := r.store.ReleaseSchedule(ctx, s.ID); relErr != nil {
			log.Error().Err(relErr).Msg("failed to release schedule claim")
		}
		return
	}

	s.ExecutionCount++
	status := models.ScheduleStatusActive

	var nextPtr *time.Time
	if next, ok := NextRun(s, now); ok {
		nextPtr = &next
	} else {
		status = models.ScheduleStatusCompleted
	}

	if err := r.store.CompleteScheduleRun(ctx, s.ID, now, nextPtr, s.ExecutionCount, status); err != nil {
		log.Error().Err(err).Msg("failed to record schedule run")
		return
	}

	evt := log.Info().Str("status", status)
	if nextPtr != nil {
		evt = evt.Time("next_run_at", *nextPtr)
	}
	evt.Msg("schedule fired")
}
