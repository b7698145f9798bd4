package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/ble"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/protocol"
)

type fakeLink struct {
	mu        sync.Mutex
	state     ble.ConnectionState
	writes    [][]byte
	writeFunc func(ctx context.Context, frame []byte) error
}

func (l *fakeLink) State() ble.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) Write(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	l.writes = append(l.writes, append([]byte(nil), frame...))
	fn := l.writeFunc
	l.mu.Unlock()
	if fn != nil {
		return fn(ctx, frame)
	}
	return nil
}

func (l *fakeLink) written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.writes...)
}

type fakeModel struct {
	events chan model.ChangeSet
}

func newFakeModel() *fakeModel {
	return &fakeModel{events: make(chan model.ChangeSet, 4)}
}

func (m *fakeModel) Subscribe() (<-chan model.ChangeSet, func()) {
	return m.events, func() {}
}

type fakeClock struct {
	now   time.Time
	after chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.Date(2026, time.April, 12, 9, 0, 0, 0, time.UTC),
		after: make(chan time.Time, 1),
	}
}

func (c *fakeClock) Now() time.Time                         { return c.now }
func (c *fakeClock) After(d time.Duration) <-chan time.Time { return c.after }

func TestSubmit_NotReadyWithoutLink(t *testing.T) {
	link := &fakeLink{state: ble.StateDisconnected}
	d := New(link, newFakeModel(), withClock(newFakeClock()))

	res := d.Submit(context.Background(), protocol.CommandStop)

	assert.Equal(t, OutcomeNotReady, res.Outcome)
	require.ErrorIs(t, res.Err, ble.ErrNotConnected)
	assert.Empty(t, link.written(), "no write may reach the radio while disconnected")
}

func TestSubmit_ConfirmedByStateRefresh(t *testing.T) {
	link := &fakeLink{state: ble.StateReady}
	states := newFakeModel()
	states.events <- model.ChangeSet{model.SlugStatus: "mowing"}

	d := New(link, states, withClock(newFakeClock()))
	res := d.Submit(context.Background(), protocol.CommandStartMowing)

	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.NoError(t, res.Err)
	assert.NotEqual(t, res.ID.String(), "00000000-0000-0000-0000-000000000000")

	writes := link.written()
	require.Len(t, writes, 2, "command write plus expedited status request")
	assert.Equal(t, byte(0x05), writes[0][2])
	assert.Equal(t, byte(0x81), writes[1][2])
}

func TestSubmit_UnacknowledgedAfterWindowWithoutRetry(t *testing.T) {
	link := &fakeLink{state: ble.StateReady}
	states := newFakeModel()
	clock := newFakeClock()

	d := New(link, states, withClock(clock), WithResponseWindow(10*time.Second))

	done := make(chan Result, 1)
	go func() { done <- d.Submit(context.Background(), protocol.CommandStop) }()

	// No frame arrives; expire the response window.
	clock.after <- clock.now.Add(10 * time.Second)

	res := <-done
	assert.Equal(t, OutcomeUnacknowledged, res.Outcome)
	assert.NoError(t, res.Err)

	// One write for the command, one for the expedited refresh, nothing more.
	writes := link.written()
	require.Len(t, writes, 2)
	assert.Equal(t, byte(0x29), writes[0][2])
	assert.Equal(t, byte(0x81), writes[1][2])
}

func TestSubmit_WriteFailure(t *testing.T) {
	link := &fakeLink{state: ble.StateReady}
	wantErr := errors.New("gatt write rejected")
	link.writeFunc = func(ctx context.Context, frame []byte) error { return wantErr }

	d := New(link, newFakeModel(), withClock(newFakeClock()))
	res := d.Submit(context.Background(), protocol.CommandDock)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.ErrorIs(t, res.Err, wantErr)
	assert.Len(t, link.written(), 1, "failed writes trigger no expedited refresh")
}

func TestSubmit_UnknownCommandFails(t *testing.T) {
	link := &fakeLink{state: ble.StateReady}
	d := New(link, newFakeModel(), withClock(newFakeClock()))

	res := d.Submit(context.Background(), protocol.Command("self-destruct"))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.ErrorIs(t, res.Err, protocol.ErrInvalidCommand)
	assert.Empty(t, link.written())
}

// An unknown kind is bad input, not a link problem; it must fail the same
// way with the link down as up.
func TestSubmit_UnknownCommandFailsEvenWhileDisconnected(t *testing.T) {
	link := &fakeLink{state: ble.StateDisconnected}
	d := New(link, newFakeModel(), withClock(newFakeClock()))

	res := d.Submit(context.Background(), protocol.Command("self-destruct"))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.ErrorIs(t, res.Err, protocol.ErrInvalidCommand)
	assert.Empty(t, link.written())
}

func TestSubmit_StatusRequestSkipsExpeditedRefresh(t *testing.T) {
	link := &fakeLink{state: ble.StateReady}
	states := newFakeModel()
	states.events <- model.ChangeSet{}

	d := New(link, states, withClock(newFakeClock()))
	res := d.Submit(context.Background(), protocol.CommandRequestStatus)

	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Len(t, link.written(), 1)
}

func TestSubmit_CanceledContext(t *testing.T) {
	link := &fakeLink{state: ble.StateReady}
	d := New(link, newFakeModel(), withClock(newFakeClock()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- d.Submit(ctx, protocol.CommandEdgeCut) }()

	// Writes succeed, then the caller gives up before the window expires.
	require.Eventually(t, func() bool { return len(link.written()) == 2 },
		time.Second, time.Millisecond)
	cancel()

	res := <-done
	assert.Equal(t, OutcomeUnacknowledged, res.Outcome)
	require.ErrorIs(t, res.Err, context.Canceled)
}
