package mower

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/ble"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/metrics"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/protocol"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/publisher"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/state"
)

// initialQueries is written on every fresh link so the optional fields
// of the state model populate without waiting for spontaneous frames.
var initialQueries = []protocol.Command{
	protocol.CommandRequestFirmware,
	protocol.CommandRequestSerial,
	protocol.CommandRequestBattery,
	protocol.CommandRequestSignal,
	protocol.CommandRequestTrimming,
	protocol.CommandRequestUltrasonic,
	protocol.CommandRequestRainDelay,
	protocol.CommandRequestWorkingHours,
	protocol.CommandRequestFaultLog,
}

// session is the slice of the transport the orchestrator drives. One
// fresh instance per connect cycle.
type session interface {
	Connect(ctx context.Context, address string) error
	Write(data []byte) error
	State() ble.ConnectionState
	Close() error
}

type sessionFactory func(onNotification func([]byte), onDisconnect func(error)) (session, error)

type service struct {
	device  *model.Device
	states  *state.Model
	metrics *metrics.Metrics
	logger  *zap.Logger

	newSession sessionFactory
	queryGap   time.Duration

	mu       sync.Mutex
	sess     session
	sessStop context.CancelFunc

	changes chan model.ChangeSet
}

type Option func(*service)

// WithSessionFactory substitutes the transport constructor.
func WithSessionFactory(f sessionFactory) Option {
	return func(s *service) {
		s.newSession = f
	}
}

// WithQueryGap overrides the spacing between the initial query writes.
func WithQueryGap(d time.Duration) Option {
	return func(s *service) {
		s.queryGap = d
	}
}

func New(device *model.Device, states *state.Model, m *metrics.Metrics, opts ...Option) *service {
	s := &service{
		device:  device,
		states:  states,
		metrics: m,
		logger:  zap.L(),
		newSession: func(onNotification func([]byte), onDisconnect func(error)) (session, error) {
			return ble.NewSession(ble.OnNotification(onNotification), ble.OnDisconnect(onDisconnect))
		},
		queryGap: 250 * time.Millisecond,
		changes:  make(chan model.ChangeSet, 64),
	}
	for _, o := range opts {
		o(s)
	}
	go s.publishLoop()
	return s
}

// Connect opens a fresh session against the configured device. The state
// model is reset first so nothing from a prior link is attributed to this
// one. The returned channel yields the session's disconnect event.
func (s *service) Connect(ctx context.Context) (<-chan error, error) {
	s.states.Reset()
	s.metrics.Reconnects.Inc()

	disconnects := make(chan error, 1)
	sess, err := s.newSession(s.handleNotification, func(err error) {
		disconnects <- err
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Connect(ctx, s.device.Address); err != nil {
		return nil, err
	}

	// ctx only bounds the connect attempt; the query burst lives with the
	// session and is cut short by Close.
	sessCtx, sessStop := context.WithCancel(context.Background())
	s.mu.Lock()
	s.sess = sess
	s.sessStop = sessStop
	s.mu.Unlock()

	if err := publisher.PublishAvailability(ctx, s.device, true); err != nil {
		s.logger.Warn("failed to publish availability", zap.Error(err))
	}
	go s.runInitialQueries(sessCtx)
	return disconnects, nil
}

// Close tears the current session down and marks the device offline. Safe
// to call with no session open.
func (s *service) Close() error {
	s.mu.Lock()
	sess := s.sess
	stop := s.sessStop
	s.sess = nil
	s.sessStop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	if sess == nil {
		return nil
	}
	if err := publisher.PublishAvailability(context.Background(), s.device, false); err != nil {
		s.logger.Warn("failed to publish availability", zap.Error(err))
	}
	return sess.Close()
}

// Refresh asks the mower for its status and battery. The supervisor calls
// this on its fallback cadence to bound staleness.
func (s *service) Refresh(ctx context.Context) error {
	for _, cmd := range []protocol.Command{protocol.CommandRequestStatus, protocol.CommandRequestBattery} {
		frame, err := protocol.Encode(cmd)
		if err != nil {
			return err
		}
		if err := s.Write(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// SyncClock pushes the host date and time to the mower.
func (s *service) SyncClock(ctx context.Context, now time.Time) error {
	frames, err := protocol.ClockSyncFrames(now)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := s.Write(ctx, frame); err != nil {
			return err
		}
	}
	s.logger.Info("clock sync sent", zap.Time("now", now))
	return nil
}

func (s *service) LastUpdated() time.Time {
	return s.states.LastUpdatedAt()
}

func (s *service) Snapshot() model.MowerState {
	return s.states.Snapshot()
}

func (s *service) Subscribe() (<-chan model.ChangeSet, func()) {
	return s.states.Subscribe()
}

// State reports the current session's connection state, Disconnected when
// no session is open.
func (s *service) State() ble.ConnectionState {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return ble.StateDisconnected
	}
	return sess.State()
}

func (s *service) Write(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return ble.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sess.Write(frame)
}

// handleNotification is the transport's delivery path, it must stay fast.
// Decode failures drop the one frame and keep the link up. Downstream
// publishing is handed off so a slow MQTT broker cannot stall delivery.
func (s *service) handleNotification(payload []byte) {
	frame, err := protocol.Decode(payload)
	if err != nil {
		s.metrics.FrameDecodeErrors.WithLabelValues(decodeErrorReason(err)).Inc()
		s.logger.Warn("dropping undecodable frame",
			zap.Error(err),
			zap.Binary("payload", payload))
		return
	}
	s.metrics.FramesDecoded.Inc()

	changes := s.states.Apply(frame)
	if len(changes) == 0 {
		return
	}
	select {
	case s.changes <- changes:
	default:
		s.logger.Warn("publish queue full, dropping change set")
	}
}

func (s *service) publishLoop() {
	for changes := range s.changes {
		if err := publisher.PublishChanges(context.Background(), s.device, changes); err != nil {
			s.logger.Error("failed to publish changes", zap.Error(err))
		}
	}
}

func (s *service) runInitialQueries(ctx context.Context) {
	for _, cmd := range initialQueries {
		frame, err := protocol.Encode(cmd)
		if err != nil {
			s.logger.Error("initial query could not be encoded", zap.Error(err))
			continue
		}
		if err := s.Write(ctx, frame); err != nil {
			s.logger.Warn("initial query burst aborted",
				zap.String("command", string(cmd)),
				zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.queryGap):
		}
	}
}

func decodeErrorReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, protocol.ErrUnrecognizedFrameShape):
		return "unrecognized_shape"
	default:
		return "other"
	}
}
