package sender

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scenario enumerates the supported mock behaviours. The default scenario
// is success unless overridden via message metadata or options.
type Scenario string

const (
	ScenarioSuccess    Scenario = "success"
	ScenarioTransient  Scenario = "transient"
	ScenarioHardBounce Scenario = "hard_bounce"
	ScenarioComplaint  Scenario = "complaint"
	ScenarioInvalid    Scenario = "invalid_address"
	ScenarioTimeout    Scenario = "timeout"

	metaScenario = "mock-scenario"
	metaLatency  = "mock-latency"
)

// Option customizes the behaviour of the mock sender at construction time.
type Option func(*Mock)

// WithLatencyRange overrides the default latency range used by the mock
// sender when simulating provider work. Negative values are clamped to zero
// and if max < min it is coerced to min to keep behaviour deterministic.
func WithLatencyRange(min, max time.Duration) Option {
	return func(m *Mock) {
		if min < 0 {
			min = 0
		}
		if max < 0 {
			max = 0
		}
		if max < min {
			max = min
		}
		m.minLatency = min
		m.maxLatency = max
	}
}

// WithDefaultScenario configures the behaviour when a message does not
// specify an explicit scenario via metadata.
func WithDefaultScenario(s Scenario) Option {
	return func(m *Mock) { m.defaultScenario = s }
}

// WithRandomSeed swaps the RNG seed used when generating provider message
// identifiers.
func WithRandomSeed(seed int64) Option {
	return func(m *Mock) {
		m.rnd = rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic seed for tests.
	}
}

// WithClock overrides the clock used for receipt timestamps, useful for
// deterministic unit tests.
func WithClock(now func() time.Time) Option {
	return func(m *Mock) {
		if now != nil {
			m.now = now
		}
	}
}

// Mock implements a deterministic Sender suitable for local development and
// automated testing. Behaviour can be controlled via options and per-message
// metadata without making real network calls.
type Mock struct {
	logger          zerolog.Logger
	minLatency      time.Duration
	maxLatency      time.Duration
	defaultScenario Scenario
	now             func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

var _ Sender = (*Mock)(nil)

// NewMock constructs a mock sender using sensible defaults: successes with
// no simulated latency.
func NewMock(logger zerolog.Logger, opts ...Option) *Mock {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	m := &Mock{
		logger:          logger,
		defaultScenario: ScenarioSuccess,
		now:             time.Now,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// Send simulates delivering the supplied message. The outcome is
// controllable via the mock-scenario and mock-latency metadata keys.
func (m *Mock) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg == nil {
		return nil, WrapPermanent(FailureInvalidAddress, errors.New("sender: message is required"))
	}
	if strings.TrimSpace(msg.To) == "" {
		return nil, WrapPermanent(FailureInvalidAddress, errors.New("sender: recipient address is required"))
	}

	if latency := m.sampleLatency(msg); latency > 0 {
		if err := m.sleep(ctx, latency); err != nil {
			return nil, WrapTransient(err)
		}
	}

	scenario := m.resolveScenario(msg)
	m.logger.Debug().
		Str("sender", "mock").
		Str("scenario", string(scenario)).
		Str("attempt_id", msg.AttemptID).
		Msg("mock sender invoked")

	switch scenario {
	case ScenarioTransient:
		return nil, WrapTransient(errors.New("mock: provider unavailable, try again later"))
	case ScenarioHardBounce:
		return nil, WrapPermanent(FailureHardBounce, errors.New("mock: mailbox unavailable"))
	case ScenarioComplaint:
		return nil, WrapPermanent(FailureComplaint, errors.New("mock: recipient flagged sender as spam"))
	case ScenarioInvalid:
		return nil, WrapPermanent(FailureInvalidAddress, errors.New("mock: address rejected by validation"))
	case ScenarioTimeout:
		if err := m.sleep(ctx, m.maxLatency+m.minLatency); err != nil {
			return nil, WrapTransient(err)
		}
		return nil, WrapTransient(context.DeadlineExceeded)
	default:
		return &Receipt{ProviderMessageID: m.nextID(), AcceptedAt: m.now()}, nil
	}
}

func (m *Mock) resolveScenario(msg *Message) Scenario {
	value, ok := msg.Meta[metaScenario]
	if !ok || value == "" {
		return m.defaultScenario
	}

	switch Scenario(strings.ToLower(strings.TrimSpace(value))) {
	case ScenarioTransient:
		return ScenarioTransient
	case ScenarioHardBounce:
		return ScenarioHardBounce
	case ScenarioComplaint:
		return ScenarioComplaint
	case ScenarioInvalid:
		return ScenarioInvalid
	case ScenarioTimeout:
		return ScenarioTimeout
	default:
		return ScenarioSuccess
	}
}

func (m *Mock) sampleLatency(msg *Message) time.Duration {
	if value, ok := msg.Meta[metaLatency]; ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d >= 0 {
			return d
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxLatency <= m.minLatency {
		return m.minLatency
	}
	delta := m.maxLatency - m.minLatency
	return m.minLatency + time.Duration(m.rnd.Int63n(int64(delta)+1))
}

func (m *Mock) nextID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("mock-%08x", m.rnd.Uint32())
}

func (m *Mock) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
