package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/dispatcher"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/protocol"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/supervisor"
)

type fakeMower struct {
	snapshot model.MowerState
	events   chan model.ChangeSet
}

func (m *fakeMower) Snapshot() model.MowerState { return m.snapshot }

func (m *fakeMower) Subscribe() (<-chan model.ChangeSet, func()) {
	return m.events, func() {}
}

type fakeCommands struct {
	submitted []protocol.Command
	result    dispatcher.Result
}

func (c *fakeCommands) Submit(ctx context.Context, cmd protocol.Command) dispatcher.Result {
	c.submitted = append(c.submitted, cmd)
	res := c.result
	res.Command = cmd
	return res
}

type fakeSupervisor struct {
	state supervisor.State
}

func (s *fakeSupervisor) State() supervisor.State { return s.state }

func newTestServer(outcome dispatcher.Outcome, err error) (*server, *fakeCommands) {
	battery := 87
	commands := &fakeCommands{result: dispatcher.Result{Outcome: outcome, Err: err}}
	mower := &fakeMower{
		snapshot: model.MowerState{Status: model.StatusMowing, BatteryPercent: &battery},
		events:   make(chan model.ChangeSet, 4),
	}
	s := New(mower, commands, &fakeSupervisor{state: supervisor.StateConnected},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	return s, commands
}

func TestHandleState(t *testing.T) {
	s, _ := newTestServer(dispatcher.OutcomeConfirmed, nil)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snap model.MowerState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, model.StatusMowing, snap.Status)
	require.NotNil(t, snap.BatteryPercent)
	assert.Equal(t, 87, *snap.BatteryPercent)
}

func TestHandleCommand_StatusMapping(t *testing.T) {
	tests := map[string]struct {
		outcome    dispatcher.Outcome
		err        error
		wantStatus int
	}{
		"confirmed":      {outcome: dispatcher.OutcomeConfirmed, wantStatus: http.StatusOK},
		"unacknowledged": {outcome: dispatcher.OutcomeUnacknowledged, wantStatus: http.StatusAccepted},
		"not ready":      {outcome: dispatcher.OutcomeNotReady, wantStatus: http.StatusConflict},
		"failed":         {outcome: dispatcher.OutcomeFailed, wantStatus: http.StatusBadGateway},
		"invalid kind":   {outcome: dispatcher.OutcomeFailed, err: protocol.ErrInvalidCommand, wantStatus: http.StatusBadRequest},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s, commands := newTestServer(tc.outcome, tc.err)

			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/command/stop", nil))

			assert.Equal(t, tc.wantStatus, rec.Code)
			require.Len(t, commands.submitted, 1)
			assert.Equal(t, protocol.CommandStop, commands.submitted[0])

			var res dispatcher.Result
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			assert.Equal(t, tc.outcome, res.Outcome)
		})
	}
}

func TestHandleHealthz(t *testing.T) {
	s, _ := newTestServer(dispatcher.OutcomeConfirmed, nil)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["connection"])
}

// Clients joining while broadcasts are in full flight must still get the
// snapshot as their first message, and no write may hit a connection from
// two goroutines at once (gorilla panics on a second concurrent writer).
func TestHandleEvents_ClientsJoinDuringBroadcastStorm(t *testing.T) {
	s, _ := newTestServer(dispatcher.OutcomeConfirmed, nil)
	mower := s.mower.(*fakeMower)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case mower.events <- model.ChangeSet{model.SlugStatus: "mowing", "seq": i}:
			}
		}
	}()

	ts := httptest.NewServer(s.Router())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"

	for i := 0; i < 5; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		var first Event
		require.NoError(t, conn.ReadJSON(&first))
		assert.Equal(t, "state_snapshot", first.Type)

		for j := 0; j < 20; j++ {
			var ev Event
			require.NoError(t, conn.ReadJSON(&ev))
			assert.Equal(t, "state_changed", ev.Type)
		}
		conn.Close()
	}
}

func TestHandleEvents_SnapshotThenChanges(t *testing.T) {
	s, _ := newTestServer(dispatcher.OutcomeConfirmed, nil)
	mower := s.mower.(*fakeMower)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot Event
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "state_snapshot", snapshot.Type)

	mower.events <- model.ChangeSet{model.SlugStatus: "docked"}

	var changed Event
	require.NoError(t, conn.ReadJSON(&changed))
	assert.Equal(t, "state_changed", changed.Type)
	payload, ok := changed.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "docked", payload[model.SlugStatus])
}
