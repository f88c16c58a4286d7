package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/roomsync/go/internal/roomsync/engine"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/mcdev12/roomsync/go/internal/roomsync/vote"
	"github.com/rs/zerolog/log"
)

// command is an inbound client message.
type command struct {
	Action   string    `json:"action"` // "join" | "vote"
	OptionID uuid.UUID `json:"option_id,omitempty"`
}

// reply is an outbound per-connection result message. Snapshots go out
// separately on the room broadcast path.
type reply struct {
	Type  string `json:"type"` // "ack" | "error"
	Op    string `json:"op"`
	Error string `json:"error,omitempty"`
}

// Service exposes rooms over WebSocket plus a read-only state endpoint.
type Service struct {
	manager           *engine.Manager
	connectionManager *ConnectionManager

	mu     sync.Mutex
	pumped map[uuid.UUID]bool
}

// NewService creates the gateway over an engine manager.
func NewService(manager *engine.Manager, config ConnectionConfig) *Service {
	return &Service{
		manager:           manager,
		connectionManager: NewConnectionManager(config),
		pumped:            make(map[uuid.UUID]bool),
	}
}

// Start runs the broadcast dispatcher until the context ends.
func (s *Service) Start(ctx context.Context) {
	s.connectionManager.Start(ctx)
}

// RegisterRoutes attaches the gateway's HTTP surface.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /rooms/{code}/state", s.handleState)
	mux.HandleFunc("GET /rooms/{code}/ws", s.handleWebSocket)
	log.Info().Msg("gateway routes registered")
}

// handleState returns the latest snapshot for a room.
func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	eng, err := s.manager.Engine(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}

	snap := eng.Latest()
	if snap == nil {
		http.Error(w, "room state not loaded yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Error().Err(err).Msg("failed to encode snapshot")
	}
}

// handleWebSocket attaches a client to a room's snapshot stream.
// participant_id is a client-generated pseudonymous identity used for
// vote dedup, not authentication.
func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	participantID := r.URL.Query().Get("participant_id")
	if participantID == "" {
		http.Error(w, "participant_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	eng, err := s.manager.Engine(ctx, code)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := eng.Join(ctx, participantID); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("join failed, continuing")
	}

	s.ensureSnapshotPump(eng)

	onCommand := func(conn *Connection, message []byte) {
		s.handleCommand(eng, conn, message)
	}
	if err := s.connectionManager.UpgradeConnection(w, r, participantID, eng.RoomID(), onCommand); err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
	}
}

// ensureSnapshotPump starts, once per room, the goroutine that forwards
// engine snapshots to the room's connections. The subscription channel
// closes with the engine, at which point the pump exits and the room is
// pruned so a restarted engine gets a fresh pump.
func (s *Service) ensureSnapshotPump(eng *engine.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID := eng.RoomID()
	if s.pumped[roomID] {
		return
	}
	s.pumped[roomID] = true

	sub := eng.Snapshots()
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.pumped, roomID)
			s.mu.Unlock()
		}()
		for snap := range sub.C {
			payload, err := json.Marshal(map[string]any{"type": "snapshot", "snapshot": snap})
			if err != nil {
				log.Error().Err(err).Msg("failed to marshal snapshot")
				continue
			}
			s.connectionManager.BroadcastToRoom(snap.Room.ID, payload)
		}
	}()
}

func (s *Service) handleCommand(eng *engine.Engine, conn *Connection, message []byte) {
	var cmd command
	if err := json.Unmarshal(message, &cmd); err != nil {
		conn.sendJSON(reply{Type: "error", Op: "parse", Error: "malformed command"})
		return
	}

	switch cmd.Action {
	case "join":
		if err := eng.Join(context.Background(), conn.ParticipantID); err != nil {
			conn.sendJSON(reply{Type: "error", Op: "join", Error: err.Error()})
			return
		}
		conn.sendJSON(reply{Type: "ack", Op: "join"})

	case "vote":
		_, err := eng.SubmitVote(context.Background(), cmd.OptionID, conn.ParticipantID)
		if err != nil {
			conn.sendJSON(reply{Type: "error", Op: "vote", Error: voteErrorMessage(err)})
			return
		}
		conn.sendJSON(reply{Type: "ack", Op: "vote"})

	default:
		conn.sendJSON(reply{Type: "error", Op: cmd.Action, Error: "unknown action"})
	}
}

// voteErrorMessage maps domain outcomes onto stable client-facing codes.
func voteErrorMessage(err error) string {
	switch {
	case errors.Is(err, vote.ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, vote.ErrVotingLocked):
		return "voting_locked"
	case errors.Is(err, vote.ErrNotAccepting):
		return "not_accepting"
	case errors.Is(err, vote.ErrUnknownOption):
		return "unknown_option"
	default:
		return err.Error()
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// Stats returns gateway connection statistics.
func (s *Service) Stats() map[string]int {
	return s.connectionManager.Stats()
}
