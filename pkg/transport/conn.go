package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"socialchat/pkg/protocol"
)

// link is one physical WebSocket connection. The client replaces it on
// every reconnect.
type link struct {
	conn *websocket.Conn
	send chan protocol.Envelope // buffered to absorb bursts
	done chan struct{}
	once sync.Once
}

func newLink(conn *websocket.Conn) *link {
	return &link{
		conn: conn,
		send: make(chan protocol.Envelope, 32),
		done: make(chan struct{}),
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// readLoop reads frames until the connection fails, then hands off to
// reconnection.
func (c *Client) readLoop(l *link) {
	var cause error
	defer func() { c.lost(l, cause) }()

	_ = l.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	for {
		var env protocol.Envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			cause = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read_failed", zap.Error(err))
			}
			return
		}
		// any frame proves the peer is alive
		_ = l.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		c.route(env)
	}
}

// writeLoop is the only writer of data frames and pings on the connection.
func (c *Client) writeLoop(l *link) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return

		case env := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := l.conn.WriteJSON(env); err != nil {
				c.log.Warn("write_failed", zap.String("event", env.Event), zap.Error(err))
				l.close()
				return
			}

		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("ping_failed", zap.Error(err))
				l.close()
				return
			}
		}
	}
}
