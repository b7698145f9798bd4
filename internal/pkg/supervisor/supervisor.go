package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/greenfeld/cloudhawk-integration/pkg/backoff"
)

// State is the supervisor's position in its reconnect state machine.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateBackoff    State = "backoff"
)

// Link is the connection the supervisor babysits. Connect must build a
// fresh transport session (resetting downstream state first) and return a
// channel that yields the session's disconnect event.
type Link interface {
	Connect(ctx context.Context) (<-chan error, error)
	Refresh(ctx context.Context) error
	LastUpdated() time.Time
	Close() error
}

// Clock is injectable time, so tests drive transitions without real
// delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Supervisor struct {
	mu sync.Mutex
	st State

	link   Link
	clock  Clock
	policy *backoff.Policy

	refreshEvery   time.Duration
	staleAfter     time.Duration
	connectTimeout time.Duration

	cancel       context.CancelFunc
	onTransition func(State)
	logger       *zap.Logger
}

type Option func(*Supervisor)

func WithClock(c Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}

func WithPolicy(p *backoff.Policy) Option {
	return func(s *Supervisor) {
		s.policy = p
	}
}

func WithRefreshInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.refreshEvery = d
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(s *Supervisor) {
		s.staleAfter = d
	}
}

// WithConnectTimeout bounds a single connect attempt. Without it a
// powered-off peripheral would pin the supervisor in Connecting, the
// discovery scan never gives up on its own.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.connectTimeout = d
	}
}

// OnTransition registers a hook observing every state change (metrics).
func OnTransition(fn func(State)) Option {
	return func(s *Supervisor) {
		s.onTransition = fn
	}
}

func New(link Link, opts ...Option) *Supervisor {
	s := &Supervisor{
		st:             StateIdle,
		link:           link,
		clock:          systemClock{},
		policy:         backoff.New(),
		refreshEvery:   time.Minute,
		staleAfter:     90 * time.Second,
		connectTimeout: 10 * time.Second,
		logger:         zap.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run drives the state machine until the context ends or Stop is called.
// Every path back to Connecting goes through Backoff, so a sleeping or
// out-of-range peripheral is never hammered.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer s.setState(StateIdle)
	defer cancel()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setState(StateConnecting)
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, s.connectTimeout)
		disconnects, err := s.link.Connect(attemptCtx)
		cancelAttempt()
		if ctx.Err() != nil {
			_ = s.link.Close()
			return ctx.Err()
		}
		if err == nil {
			s.setState(StateConnected)
			s.watchLink(ctx, disconnects)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		} else {
			s.logger.Warn("connect attempt failed", zap.Error(err))
		}

		s.setState(StateBackoff)
		delay := s.policy.Next()
		s.logger.Info("waiting before reconnect", zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
	}
}

// watchLink owns the Connected state: it issues the periodic fallback
// refresh, enforces the staleness window and reacts to drops. The backoff
// policy only rewinds once the link has proven itself by surviving a full
// refresh interval, so a flapping peripheral still sees growing delays.
func (s *Supervisor) watchLink(ctx context.Context, disconnects <-chan error) {
	connectedAt := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			_ = s.link.Close()
			return
		case err := <-disconnects:
			s.logger.Warn("link dropped", zap.Error(err))
			_ = s.link.Close()
			return
		case <-s.clock.After(s.refreshEvery):
			lastSeen := s.link.LastUpdated()
			if lastSeen.Before(connectedAt) {
				lastSeen = connectedAt
			}
			if s.clock.Now().Sub(lastSeen) > s.staleAfter {
				s.logger.Warn("no data inside staleness window, recycling link",
					zap.Time("last_seen", lastSeen))
				_ = s.link.Close()
				return
			}
			s.policy.Reset()
			if err := s.link.Refresh(ctx); err != nil {
				s.logger.Warn("fallback refresh failed", zap.Error(err))
			}
		}
	}
}

// Stop interrupts an in-progress backoff wait or connect attempt and
// parks the supervisor in Idle.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	changed := s.st != st
	s.st = st
	s.mu.Unlock()
	if changed && s.onTransition != nil {
		s.onTransition(st)
	}
}
