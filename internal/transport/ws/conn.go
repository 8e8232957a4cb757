package ws

import (
	"sync"
	"time"

	"github.com/cwrk-planet/chat-service/internal/gateway"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla connection to gateway.Conn. WriteFrame has a
// single caller, the session writer; pings and close frames go through
// WriteControl, which gorilla allows concurrently.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pingEvery    time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func newWsConn(c *websocket.Conn, maxFrame int64, pingEvery, writeTimeout time.Duration) *wsConn {
	wc := &wsConn{
		conn:         c,
		writeTimeout: writeTimeout,
		pingEvery:    pingEvery,
		closed:       make(chan struct{}),
	}

	c.SetReadLimit(maxFrame)
	_ = c.SetReadDeadline(time.Now().Add(2 * pingEvery))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(2 * pingEvery))
	})

	go wc.pingLoop()
	return wc
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close(reason gateway.CloseReason) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		code, text := closeCode(reason)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(c.writeTimeout))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func closeCode(reason gateway.CloseReason) (int, string) {
	switch reason {
	case gateway.CloseGoingAway:
		return websocket.CloseGoingAway, "server shutting down"
	case gateway.ClosePolicyViolation:
		return websocket.ClosePolicyViolation, "not allowed in this chat"
	case gateway.CloseInternalError:
		return websocket.CloseInternalServerErr, "internal error"
	case gateway.CloseTryAgainLater:
		return websocket.CloseTryAgainLater, "too slow"
	default:
		return websocket.CloseNormalClosure, ""
	}
}
