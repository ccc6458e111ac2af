package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"realtime-chat/internal/config"
	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"

	"github.com/gorilla/websocket"
)

// Client is the websocket transport of one session. It implements Sink:
// events are encoded and queued on a bounded channel drained by WritePump.
// A client whose queue is full is considered too slow and is dropped.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	cfg     config.GatewayConfig

	mu      sync.Mutex
	closed  bool
	session *Session
}

func NewClient(gateway *Gateway, conn *websocket.Conn, cfg config.GatewayConfig) *Client {
	return &Client{
		gateway: gateway,
		conn:    conn,
		send:    make(chan []byte, cfg.SendBuffer),
		cfg:     cfg,
	}
}

func (c *Client) Send(event models.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("Error marshaling %s event: %v", event.Type, err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		logger.Warn("Send buffer full, dropping slow client")
		c.closeLocked()
		return false
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Attach binds the session created for this connection.
func (c *Client) Attach(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) ReadPump() {
	ctx := context.Background()
	defer func() {
		if s := c.currentSession(); s != nil {
			c.gateway.Disconnect(ctx, s)
		} else {
			c.Close()
		}
		c.conn.Close()
	}()

	if c.cfg.MaxReadSize > 0 {
		c.conn.SetReadLimit(c.cfg.MaxReadSize)
	}

	// Set read deadline and pong handler for connection health
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if s := c.currentSession(); s != nil {
			c.gateway.Touch(ctx, s)
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error: %v", err)
			}
			break
		}

		s := c.currentSession()
		if s == nil {
			continue
		}

		var cmd models.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.send(models.NewErrorEvent(fmt.Errorf("%w: malformed command: %v", models.ErrInvalidCommand, err), ""))
			continue
		}

		if err := s.Handle(ctx, cmd); err != nil {
			logger.Debug("Command %s from %s rejected: %v", cmd.Type, s.UserID(), err)
		}
		if cmd.Type == models.CommandLogout {
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
