package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client is one WebSocket connection. Only writePump writes to conn.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte // broadcasts, closed by the hub
	direct chan []byte // replies to this client's own requests
	remote string

	mu       sync.RWMutex
	channels map[string]bool
}

func newClient(hub *Hub, conn *websocket.Conn, remote string) *Client {
	channels := make(map[string]bool, len(channelFor))
	for _, name := range channelFor {
		channels[name] = true
	}
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		direct:   make(chan []byte, 16),
		remote:   remote,
		channels: channels,
	}
}

func (c *Client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[channel]
}

func (c *Client) setChannel(channel string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = on
}

type request struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

type reply struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// reply queues a direct answer to this client. It gives up rather than block
// when the send buffer is full.
func (c *Client) reply(r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode websocket reply")
		return
	}
	select {
	case c.direct <- data:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("remote", c.remote).Msg("websocket read failed")
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(reply{Type: "error", Message: "invalid message"})
		return
	}

	switch req.Action {
	case "subscribe", "unsubscribe":
		if !knownChannel(req.Channel) {
			c.reply(reply{Type: "error", Message: "unknown channel: " + req.Channel})
			return
		}
		on := req.Action == "subscribe"
		c.setChannel(req.Channel, on)
		kind := "unsubscribed"
		if on {
			kind = "subscribed"
		}
		log.Debug().Str("remote", c.remote).Str("channel", req.Channel).Str("action", req.Action).Msg("websocket subscription changed")
		c.reply(reply{Type: kind, Channel: req.Channel})
	case "getPortfolio":
		if c.hub.snapshot != nil {
			c.reply(reply{Type: snapshotMsg, Data: c.hub.snapshot()})
		}
	case "ping":
		c.reply(reply{Type: "pong", Timestamp: time.Now().UnixMilli()})
	default:
		c.reply(reply{Type: "error", Message: "unknown action: " + req.Action})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case data := <-c.direct:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
