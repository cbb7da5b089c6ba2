package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
)

// sseConn speaks MCP over HTTP: every outgoing message is POSTed to
// the endpoint, and server-originated messages arrive as data: lines
// on a long-lived GET stream.
type sseConn struct {
	tag     string
	baseURL string
	apiKey  string
	client  *http.Client

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

func newSSEConn(tag, baseURL, apiKey string) *sseConn {
	return &sseConn{
		tag:     tag,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (c *sseConn) start(ctx context.Context, onMessage func([]byte), onClosed func(error)) error {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/sse", nil)
	if err != nil {
		cancel()
		return fmt.Errorf("upstream: build SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("upstream: open SSE stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("upstream: SSE stream returned %s", resp.Status)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(resp.Body, onMessage, onClosed)
	return nil
}

// readLoop parses the event stream: only data: lines carry messages.
func (c *sseConn) readLoop(body io.ReadCloser, onMessage func([]byte), onClosed func(error)) {
	defer body.Close()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data != "" {
				onMessage([]byte(data))
			}
		}
	}
	err := scanner.Err()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed && err != nil {
		log.Printf("[Upstream:%s] SSE stream error: %v", c.tag, err)
	}
	onClosed(err)
}

// send POSTs one message; responses come back on the SSE stream, so
// the POST itself only has to be accepted.
func (c *sseConn) send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("upstream: build POST: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: POST message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upstream: POST message returned %s", resp.Status)
	}
	return nil
}

func (c *sseConn) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *sseConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	c.client.CloseIdleConnections()
	return nil
}
