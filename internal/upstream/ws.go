package upstream

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wsPingInterval keeps idle WebSocket connections alive.
const wsPingInterval = 30 * time.Second

// wsConn frames one message per text frame over a WebSocket.
type wsConn struct {
	tag    string
	url    string
	apiKey string

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
	cancel context.CancelFunc
}

func newWSConn(tag, url, apiKey string) *wsConn {
	return &wsConn{tag: tag, url: url, apiKey: apiKey}
}

func (c *wsConn) start(ctx context.Context, onMessage func([]byte), onClosed func(error)) error {
	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.apiKey}}
	}
	ws, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return fmt.Errorf("upstream: dial %s: %w", c.url, err)
	}
	ws.SetReadLimit(maxLineSize)

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ws = ws
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(connCtx, ws, onMessage, onClosed)
	go c.pingLoop(connCtx, ws)
	return nil
}

func (c *wsConn) readLoop(ctx context.Context, ws *websocket.Conn, onMessage func([]byte), onClosed func(error)) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Printf("[Upstream:%s] WebSocket read: %v", c.tag, err)
			}
			onClosed(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		onMessage(data)
	}
}

func (c *wsConn) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	ws := c.ws
	closed := c.closed
	c.mu.Unlock()
	if closed || ws == nil {
		return ErrConnectionClosed
	}
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("upstream: write frame: %w", err)
	}
	return nil
}

func (c *wsConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.ws != nil {
		c.ws.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}
