package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/ble"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/protocol"
)

// Outcome classifies what happened to a submitted command. The transport
// is write-without-response, so completion is inferred from the state
// refresh the command provokes rather than from a reply.
type Outcome string

const (
	// OutcomeConfirmed means a frame landed inside the response window
	// after the write, refreshing the state model.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeUnacknowledged means the write went out but nothing came
	// back in time. The command is never retried automatically, a second
	// start could double-trigger the blades.
	OutcomeUnacknowledged Outcome = "unacknowledged"
	// OutcomeFailed means the write itself failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeNotReady means no write was attempted because the link is
	// not ready. Callers retry after the next reconnect.
	OutcomeNotReady Outcome = "not_ready"
)

// Result reports the fate of one Submit call.
type Result struct {
	ID       uuid.UUID        `json:"id"`
	Command  protocol.Command `json:"command"`
	Outcome  Outcome          `json:"outcome"`
	IssuedAt time.Time        `json:"issued_at"`
	Err      error            `json:"-"`
}

// link is the slice of the transport the dispatcher needs.
type link interface {
	State() ble.ConnectionState
	Write(ctx context.Context, frame []byte) error
}

// stateModel lets the dispatcher observe the refresh a command provokes.
type stateModel interface {
	Subscribe() (<-chan model.ChangeSet, func())
}

type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Dispatcher struct {
	mu     sync.Mutex
	link   link
	states stateModel
	clock  clock
	window time.Duration
	logger *zap.Logger
}

type Option func(*Dispatcher)

// WithResponseWindow overrides how long Submit waits for a confirming
// frame before returning Unacknowledged.
func WithResponseWindow(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.window = d
	}
}

func withClock(c clock) Option {
	return func(disp *Dispatcher) {
		disp.clock = c
	}
}

func New(link link, states stateModel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		link:   link,
		states: states,
		clock:  systemClock{},
		window: 10 * time.Second,
		logger: zap.L(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Submit writes one command to the mower and waits for the state refresh
// it provokes. Calls are serialized, concurrent writes to the same
// characteristic corrupt frames on this peripheral. There is no queuing
// across disconnects: a command submitted while the link is down comes
// back NotReady immediately.
func (d *Dispatcher) Submit(ctx context.Context, cmd protocol.Command) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := Result{
		ID:       uuid.New(),
		Command:  cmd,
		IssuedAt: d.clock.Now(),
	}
	logger := d.logger.With(
		zap.String("command_id", res.ID.String()),
		zap.String("command", string(cmd)),
	)

	// Kind validation comes before the link check so garbage input is
	// always rejected as such, connected or not.
	frame, err := protocol.Encode(cmd)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		logger.Error("command could not be encoded", zap.Error(err))
		return res
	}

	if d.link.State() != ble.StateReady {
		res.Outcome = OutcomeNotReady
		res.Err = ble.ErrNotConnected
		logger.Warn("command rejected, link not ready",
			zap.String("connection_state", string(d.link.State())))
		return res
	}

	// Subscribe before the write so a fast response cannot slip past.
	events, cancel := d.states.Subscribe()
	defer cancel()

	if err := d.link.Write(ctx, frame); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		logger.Error("command write failed", zap.Error(err))
		return res
	}

	d.expediteRefresh(ctx, cmd, logger)

	select {
	case <-events:
		res.Outcome = OutcomeConfirmed
		logger.Info("command confirmed",
			zap.Duration("latency", d.clock.Now().Sub(res.IssuedAt)))
	case <-d.clock.After(d.window):
		res.Outcome = OutcomeUnacknowledged
		logger.Warn("command unacknowledged",
			zap.Duration("response_window", d.window))
	case <-ctx.Done():
		res.Outcome = OutcomeUnacknowledged
		res.Err = ctx.Err()
		logger.Warn("gave up waiting for confirmation", zap.Error(ctx.Err()))
	}
	return res
}

// expediteRefresh nudges the mower to report its status right away so
// confirmation does not depend on a spontaneous frame. Best effort, the
// original write already happened.
func (d *Dispatcher) expediteRefresh(ctx context.Context, cmd protocol.Command, logger *zap.Logger) {
	if cmd == protocol.CommandRequestStatus {
		return
	}
	frame, err := protocol.Encode(protocol.CommandRequestStatus)
	if err != nil {
		return
	}
	if err := d.link.Write(ctx, frame); err != nil {
		logger.Warn("expedited refresh write failed", zap.Error(err))
	}
}
