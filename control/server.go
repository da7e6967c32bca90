package control

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"directlink/network"
	"directlink/node"
	"directlink/session"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Node is the lifecycle and peer surface the control server drives.
type Node interface {
	Start() error
	Stop()
	Running() bool
	Connect(ctx context.Context, peerID string) error
	Disconnect(peerID string)
	Peers() []node.PeerStatus
	StateChanges() (<-chan network.StateChange, func())
	ChatEvents() (<-chan session.ChatEvent, func())
}

// Envelope is one frame of the /events stream.
type Envelope struct {
	Type  string               `json:"type"`
	State *network.StateChange `json:"state,omitempty"`
	Chat  *session.ChatEvent   `json:"chat,omitempty"`
}

// Envelope types.
const (
	EnvelopeState = "state"
	EnvelopeChat  = "chat"
)

// Server exposes a Node over HTTP.
type Server struct {
	node           Node
	logger         *log.Logger
	connectTimeout time.Duration
	upgrader       websocket.Upgrader
}

// NewServer creates a control server. connectTimeout bounds POST
// /peers/{peerID}/connect.
func NewServer(n Node, connectTimeout time.Duration, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if connectTimeout <= 0 {
		connectTimeout = network.DefaultConnectTimeout
	}
	return &Server{
		node:           n,
		logger:         logger,
		connectTimeout: connectTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/status", s.handleStatus)
	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Get("/peers", s.handlePeers)
	r.Post("/peers/{peerID}/connect", s.handleConnect)
	r.Delete("/peers/{peerID}", s.handleDisconnect)
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, map[string]bool{"running": s.node.Running()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Start(); err != nil {
		s.respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.node.Stop()
	s.respondWithJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, s.node.Peers())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	ctx, cancel := context.WithTimeout(r.Context(), s.connectTimeout)
	defer cancel()

	err := s.node.Connect(ctx, peerID)
	switch {
	case err == nil:
		s.respondWithJSON(w, http.StatusOK, map[string]any{"peerId": peerID, "connected": true})
	case errors.Is(err, network.ErrUnknownPeer):
		s.respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, node.ErrStopped):
		s.respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, network.ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		s.respondWithError(w, http.StatusGatewayTimeout, err.Error())
	default:
		var incompatible *network.IncompatibleProtocolError
		if errors.As(err, &incompatible) {
			s.respondWithError(w, http.StatusConflict, err.Error())
			return
		}
		s.respondWithError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.node.Disconnect(chi.URLParam(r, "peerID"))
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams connection state and chat events until the client
// goes away or the node stops.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("control: websocket upgrade failed err=%v", err)
		return
	}
	defer conn.Close()

	states, cancelStates := s.node.StateChanges()
	defer cancelStates()
	chats, cancelChats := s.node.ChatEvents()
	defer cancelChats()

	// The read side only watches for the client closing the socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		var envelope Envelope
		select {
		case <-closed:
			return
		case change, ok := <-states:
			if !ok {
				s.closeStream(conn)
				return
			}
			envelope = Envelope{Type: EnvelopeState, State: &change}
		case ev, ok := <-chats:
			if !ok {
				s.closeStream(conn)
				return
			}
			envelope = Envelope{Type: EnvelopeChat, Chat: &ev}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(envelope); err != nil {
			s.logger.Printf("control: websocket write failed err=%v", err)
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn) {
	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "node stopped")
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
}

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("control: marshal response failed err=%v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
