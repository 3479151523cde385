package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/flowvault/pkg/messaging"
)

// WSClient represents a connected WebSocket client.
type WSClient struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Conn   *websocket.Conn
	Send   chan []byte
	Done   chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeEvents wires the NATS vault subjects into the WebSocket
// fan-out. Events that carry an owner are routed to that owner's
// connections; pause toggles go to everyone.
func (g *Gateway) subscribeEvents() {
	if g.events == nil {
		return
	}

	routed := []string{
		messaging.SubjectVaultCreated,
		messaging.SubjectBatchSettled,
		messaging.SubjectWithdrawn,
	}
	for _, subject := range routed {
		g.events.Subscribe(subject, func(msg *nats.Msg) {
			g.routeEvent(msg.Data)
		})
	}

	g.events.Subscribe(messaging.SubjectPauseToggled, func(msg *nats.Msg) {
		g.broadcast(msg.Data)
	})
}

func (g *Gateway) routeEvent(raw []byte) {
	var evt messaging.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return
	}

	var payload struct {
		Owner uuid.UUID `json:"owner"`
	}
	if err := evt.ParseData(&payload); err != nil || payload.Owner == uuid.Nil {
		return
	}

	g.broadcastToUser(payload.Owner, raw)
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	callerID := c.MustGet("caller_id").(uuid.UUID)

	client := &WSClient{
		ID:     uuid.New(),
		UserID: callerID,
		Conn:   conn,
		Send:   make(chan []byte, 16),
		Done:   make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
		// The stream is one-way; inbound messages are ignored.
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

func (g *Gateway) broadcastToUser(userID uuid.UUID, message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		if client.UserID == userID {
			select {
			case client.Send <- message:
			default:
				// Slow consumer, drop the message.
			}
		}
	}
}

func (g *Gateway) broadcast(message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.Send <- message:
		default:
		}
	}
}
