// Package gateway is the presentation transport: it fans room snapshots
// out to WebSocket clients (presenter consoles, voters, display screens)
// and accepts their join/vote commands. It consumes the engine's snapshot
// stream and never participates in synchronization correctness.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionManager manages WebSocket connections grouped by room.
type ConnectionManager struct {
	roomConnections map[uuid.UUID]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcastMessage
}

// Connection is one WebSocket client attached to a room.
type Connection struct {
	ID            string
	ParticipantID string
	RoomID        uuid.UUID
	Conn          *websocket.Conn
	Send          chan []byte
	Manager       *ConnectionManager

	ConnectedAt time.Time

	onCommand func(*Connection, []byte)
}

// ConnectionConfig holds WebSocket connection settings.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	RoomID  uuid.UUID
	Payload []byte
}

// DefaultConnectionConfig returns the standard WebSocket settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		roomConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 256),
	}
}

// Start processes broadcast messages until the context ends.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("gateway connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection
// attached to a room. onCommand handles inbound client messages.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, participantID string, roomID uuid.UUID, onCommand func(*Connection, []byte)) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		RoomID:        roomID,
		Conn:          conn,
		Send:          make(chan []byte, 64),
		Manager:       cm,
		ConnectedAt:   time.Now(),
		onCommand:     onCommand,
	}

	cm.register(connection)
	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("participant_id", participantID).
		Str("room_id", roomID.String()).
		Msg("websocket connection established")
	return nil
}

func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.roomConnections[conn.RoomID] == nil {
		cm.roomConnections[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.RoomID][conn] = true
}

func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if connections, exists := cm.roomConnections[conn.RoomID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)
			if len(connections) == 0 {
				delete(cm.roomConnections, conn.RoomID)
			}
		}
	}
}

// BroadcastToRoom queues a payload for every connection in a room.
func (cm *ConnectionManager) BroadcastToRoom(roomID uuid.UUID, payload []byte) {
	select {
	case cm.broadcastCh <- broadcastMessage{RoomID: roomID, Payload: payload}:
	default:
		log.Warn().Str("room_id", roomID.String()).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	connections := cm.roomConnections[message.RoomID]
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.Send <- message.Payload:
		default:
			// Slow or dead client; drop it rather than stall the room.
			log.Warn().Str("connection_id", conn.ID).Msg("send buffer full, closing connection")
			cm.unregister(conn)
			conn.Conn.Close()
		}
	}
}

// Stats returns connection counts per room.
func (cm *ConnectionManager) Stats() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make(map[string]int, len(cm.roomConnections))
	for roomID, connections := range cm.roomConnections {
		out[roomID.String()] = len(connections)
	}
	return out
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			break
		}
		if c.onCommand != nil {
			c.onCommand(c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// sendJSON marshals and queues a message for this connection only.
func (c *Connection) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal connection message")
		return
	}
	select {
	case c.Send <- payload:
	default:
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full, dropping message")
	}
}
