package ble

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ConnectionState is the lifecycle position of one transport session. It
// only moves forward (Disconnected → Ready); any failure or peripheral
// disconnect forces it back to Disconnected.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateSubscribing  ConnectionState = "subscribing"
	StateReady        ConnectionState = "ready"
)

var (
	ErrDeviceUnreachable  = errors.New("device unreachable")
	ErrServiceMismatch    = errors.New("expected gatt service not present")
	ErrSubscriptionFailed = errors.New("notify subscription failed")
	ErrNotConnected       = errors.New("not connected")
	ErrTransport          = errors.New("transport write failed")
)

// gatt abstracts the BlueZ link so the session lifecycle can be tested
// without a radio.
type gatt interface {
	Connect(ctx context.Context, address string) error
	ResolveService(ctx context.Context, serviceUUID, writeUUID, notifyUUID string) error
	Subscribe(ctx context.Context) error
	Write(data []byte) error
	Notifications() <-chan []byte
	Disconnects() <-chan error
	Close() error
}

// Session owns exactly one BLE peripheral connection. Notifications are
// forwarded to a single handler in arrival order; the disconnect callback
// fires at most once per session. A session is single-use: after a
// disconnect or Close the owner builds a new one.
type Session struct {
	mu      sync.Mutex
	gatt    gatt
	st      ConnectionState
	lastErr error

	handler      func([]byte)
	onDisconnect func(error)

	closed    chan struct{}
	closeOnce sync.Once
	discOnce  sync.Once
	logger    *zap.Logger
}

type SessionOption func(*Session)

// OnNotification registers the single inbound payload handler.
func OnNotification(fn func([]byte)) SessionOption {
	return func(s *Session) {
		s.handler = fn
	}
}

// OnDisconnect registers the handler fired once when the peripheral drops
// the link. Close does not fire it: teardown requested by the owner is
// not a disconnect event.
func OnDisconnect(fn func(error)) SessionOption {
	return func(s *Session) {
		s.onDisconnect = fn
	}
}

func withGatt(g gatt) SessionOption {
	return func(s *Session) {
		s.gatt = g
	}
}

// NewSession builds a session over the system BlueZ bus.
func NewSession(opts ...SessionOption) (*Session, error) {
	s := &Session{
		st:     StateDisconnected,
		closed: make(chan struct{}),
		logger: zap.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.gatt == nil {
		g, err := newBluezGatt()
		if err != nil {
			return nil, err
		}
		s.gatt = g
	}
	return s, nil
}

// Connect opens the link to the peripheral at address, resolves the mower
// GATT service and subscribes to the notify characteristic. On any failure
// the partially-opened link is released.
func (s *Session) Connect(ctx context.Context, address string) error {
	s.setState(StateConnecting)
	if err := s.gatt.Connect(ctx, address); err != nil {
		s.abort(err)
		return err
	}
	s.setState(StateConnected)
	if err := s.gatt.ResolveService(ctx, ServiceUUID, WriteCharUUID, NotifyCharUUID); err != nil {
		s.abort(err)
		return err
	}
	s.setState(StateSubscribing)
	if err := s.gatt.Subscribe(ctx); err != nil {
		s.abort(err)
		return err
	}
	s.setState(StateReady)
	go s.pump()
	return nil
}

// Write performs a write-without-response to the command characteristic.
func (s *Session) Write(data []byte) error {
	if s.State() != StateReady {
		return ErrNotConnected
	}
	if err := s.gatt.Write(data); err != nil {
		return errors.Join(ErrTransport, err)
	}
	return nil
}

// State returns the current lifecycle position.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// LastError reports what forced the session back to Disconnected, if
// anything did.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close releases the radio resource. Idempotent and safe in any state,
// including mid-connect.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.gatt.Close()
		s.mu.Lock()
		s.st = StateDisconnected
		s.mu.Unlock()
	})
	return err
}

// pump forwards notifications in arrival order on a single goroutine, so
// delivery order matches BLE delivery order.
func (s *Session) pump() {
	for {
		select {
		case <-s.closed:
			return
		case data, ok := <-s.gatt.Notifications():
			if !ok {
				return
			}
			if s.handler != nil {
				s.handler(data)
			}
		case err := <-s.gatt.Disconnects():
			s.dropped(err)
			return
		}
	}
}

func (s *Session) setState(st ConnectionState) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

// abort unwinds a failed connect attempt, releasing whatever was acquired.
func (s *Session) abort(err error) {
	s.mu.Lock()
	s.st = StateDisconnected
	s.lastErr = err
	s.mu.Unlock()
	_ = s.Close()
}

func (s *Session) dropped(err error) {
	s.discOnce.Do(func() {
		s.mu.Lock()
		s.st = StateDisconnected
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn("ble link dropped", zap.Error(err))
		if s.onDisconnect != nil {
			s.onDisconnect(err)
		}
	})
}
