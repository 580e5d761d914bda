// Package stream pushes order, position and execution updates to WebSocket
// clients.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ksred/klear-fix/internal/observability"
	"github.com/ksred/klear-fix/internal/types"
	"github.com/rs/zerolog/log"
)

// Channels a client can subscribe to
const (
	ChannelOrders        = "orders"
	ChannelPositions     = "positions"
	ChannelExecutions    = "executions"
	ChannelSubscriptions = "subscriptions"
)

var channelFor = map[types.EventKind]string{
	types.EventOrderUpdate:    ChannelOrders,
	types.EventPositionUpdate: ChannelPositions,
	types.EventExecution:      ChannelExecutions,
	types.EventSymbolHeld:     ChannelSubscriptions,
}

func knownChannel(name string) bool {
	for _, c := range channelFor {
		if c == name {
			return true
		}
	}
	return false
}

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	sendBuffer  = 256
	readLimit   = 4096
	hubBacklog  = 1024
	snapshotMsg = "PORTFOLIO_SNAPSHOT"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type message struct {
	channel string
	data    []byte
}

// Hub manages the connected clients and broadcasts published updates to the
// ones subscribed to the update's channel.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	snapshot func() any
	metrics  *observability.Metrics
}

// NewHub creates a hub. snapshot, when set, is sent to every client on
// connect and on a getPortfolio action.
func NewHub(snapshot func() any, metrics *observability.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan message, hubBacklog),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		snapshot:   snapshot,
		metrics:    metrics,
	}
}

// Run is the hub's event loop; it owns the client map.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.metrics.WSClients.Set(0)
			return
		case client := <-h.register:
			h.clients[client] = true
			h.metrics.WSClients.Set(float64(len(h.clients)))
			log.Info().Str("remote", client.remote).Int("clients", len(h.clients)).Msg("websocket client connected")
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.WSClients.Set(float64(len(h.clients)))
				log.Info().Str("remote", client.remote).Int("clients", len(h.clients)).Msg("websocket client disconnected")
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				if !client.subscribed(msg.channel) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// too slow to keep up
					close(client.send)
					delete(h.clients, client)
					h.metrics.WSClients.Set(float64(len(h.clients)))
					log.Warn().Str("remote", client.remote).Msg("dropping slow websocket client")
				}
			}
		}
	}
}

// Publish implements the reconciliation publisher. It never blocks: when the
// hub is backlogged the update is dropped for WebSocket clients only.
func (h *Hub) Publish(kind types.EventKind, payload any) {
	channel, ok := channelFor[kind]
	if !ok {
		return
	}
	data, err := json.Marshal(types.Envelope{Type: kind, Data: payload, Timestamp: time.Now()})
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("failed to encode update")
		return
	}
	select {
	case h.broadcast <- message{channel: channel, data: data}:
		h.metrics.PublishedEvents.WithLabelValues(string(kind)).Inc()
	default:
		log.Warn().Str("kind", string(kind)).Msg("websocket hub backlogged, update dropped")
	}
}

// Handler upgrades the request and serves the client until it disconnects
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		client := newClient(h, conn, c.Request.RemoteAddr)
		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		if h.snapshot != nil {
			client.reply(reply{Type: snapshotMsg, Data: h.snapshot()})
		}

		go client.writePump()
		client.readPump()
	}
}

// Fanout publishes every update to each of its publishers in order
type Fanout []interface {
	Publish(kind types.EventKind, payload any)
}

func (f Fanout) Publish(kind types.EventKind, payload any) {
	for _, p := range f {
		p.Publish(kind, payload)
	}
}
