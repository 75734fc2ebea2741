package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clipsync/internal/hub"
)

const writeWait = 10 * time.Second

// Conn owns the write side of one WebSocket. Writes go through a bounded
// queue drained by a single goroutine, so a sibling's messages arrive in the
// order they were queued and a slow reader never blocks the sender.
type Conn struct {
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
}

func newConn(ws *websocket.Conn, buffer int, pingInterval time.Duration) *Conn {
	return &Conn{
		ws:           ws,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}
}

// Send queues data without blocking.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return hub.ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return hub.ErrSendQueueFull
	}
}

// Close stops the connection after flushing what is already queued.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				log.Printf("Write error: %v", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}
