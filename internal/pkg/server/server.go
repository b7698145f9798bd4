package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/dispatcher"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/protocol"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/supervisor"
)

type mowerService interface {
	Snapshot() model.MowerState
	Subscribe() (<-chan model.ChangeSet, func())
}

type commandService interface {
	Submit(ctx context.Context, cmd protocol.Command) dispatcher.Result
}

type linkSupervisor interface {
	State() supervisor.State
}

type server struct {
	mower       mowerService
	commands    commandService
	supervisor  linkSupervisor
	metricsPage http.Handler
	hub         *Hub
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

func New(m mowerService, commands commandService, sup linkSupervisor, metricsPage http.Handler) *server {
	return &server{
		mower:       m,
		commands:    commands,
		supervisor:  sup,
		metricsPage: metricsPage,
		hub:         NewHub(),
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:      zap.L(),
	}
}

func (s *server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metricsPage)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/command/{kind}", s.handleCommand)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Run streams state changes to the websocket clients until ctx ends.
func (s *server) Run(ctx context.Context) error {
	events, cancel := s.mower.Subscribe()
	defer cancel()
	defer s.hub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case changes := <-events:
			if len(changes) == 0 {
				continue
			}
			s.hub.Broadcast(Event{Type: "state_changed", Payload: changes})
		}
	}
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"connection": string(s.supervisor.State()),
	})
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mower.Snapshot())
}

func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	kind := protocol.Command(chi.URLParam(r, "kind"))

	res := s.commands.Submit(r.Context(), kind)
	status := http.StatusOK
	switch res.Outcome {
	case dispatcher.OutcomeConfirmed:
		status = http.StatusOK
	case dispatcher.OutcomeUnacknowledged:
		status = http.StatusAccepted
	case dispatcher.OutcomeNotReady:
		status = http.StatusConflict
	case dispatcher.OutcomeFailed:
		status = http.StatusBadGateway
		if errors.Is(res.Err, protocol.ErrInvalidCommand) {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, res)
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	// Every new client gets the full picture before incremental events.
	// The snapshot must go out before the hub learns about the conn: once
	// registered, the broadcasting goroutine is the only allowed writer.
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Event{Type: "state_snapshot", Payload: s.mower.Snapshot()}); err != nil {
		conn.Close()
		return
	}
	s.hub.Add(conn)

	// Reads are discarded, the socket exists so we notice the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Remove(conn)
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("failed to encode response", zap.Error(err))
	}
}
