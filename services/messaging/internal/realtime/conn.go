package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"motochat/pkg/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBufferSize = 256
)

// Conn is one authenticated websocket. Outbound frames go through a bounded
// buffer drained by a single writer goroutine.
type Conn struct {
	ID        string
	Principal domain.Principal

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(p domain.Principal, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:        uuid.NewString(),
		Principal: p,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
	}
}

// Send enqueues a frame. A connection whose buffer is full is closed as a
// slow consumer and the frame is dropped.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.Close(websocket.ClosePolicyViolation, "slow consumer")
		return false
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}
