package relay

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/pelusa-v/pelusa-chat/internal/protocol"
)

// Client is one websocket connection. Name stays empty until login and is
// only written by the connection's own request worker.
type Client struct {
	Id   string
	Name string
	Conn ConnLike
	Send chan []byte

	inbox chan *protocol.Envelope // requests, handled in order by Manager.serve

	sendMu     sync.Mutex
	sendClosed bool
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

func NewClient(id string, conn ConnLike) *Client {
	return &Client{
		Id:    id,
		Conn:  conn,
		Send:  make(chan []byte, 64),
		inbox: make(chan *protocol.Envelope, 16),
	}
}

// ReadPump queues every decodable envelope for the client's request worker
// until the connection fails. Undecodable frames are answered with an error
// and skipped.
func (c *Client) ReadPump(m *Manager) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			m.logger.Warn("bad frame", "client", c.Id, "err", err)
			c.push(errorEnvelope("", protocol.ErrCodeInvalidMsg, err.Error()))
			continue
		}
		select {
		case c.inbox <- env:
		case <-m.done:
			return
		}
	}
}

// WritePump drains Send until it is closed.
func (c *Client) WritePump() {
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	for range c.Send {
	}
}

func (c *Client) push(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

// CloseSend closes Send once; later pushes are dropped.
func (c *Client) CloseSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}
