// Package upstream implements the MCP client side: framed JSON-RPC
// transports (stdio, HTTP+SSE, WebSocket), the per-server client with
// its initialisation handshake, the client manager, proxy tool naming,
// and the upstream tool cache.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotConnected     = errors.New("upstream: not connected")
	ErrRequestTimeout   = errors.New("upstream: request timed out")
	ErrConnectionClosed = errors.New("upstream: connection closed")
)

// DefaultRequestTimeout bounds a single JSON-RPC request.
const DefaultRequestTimeout = 60 * time.Second

const (
	codeInvalidRequest = -32600
	codeInternalError  = -32603
)

// rpcMessage is the wire shape of every JSON-RPC 2.0 message. ID stays
// raw so server-chosen ids are echoed back verbatim.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("upstream: rpc error %d: %s", e.Code, e.Message)
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// RequestHandler answers a server→client request such as roots/list.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// conn is one framed bidirectional message channel. start delivers
// every inbound message to onMessage until the connection dies, at
// which point onClosed fires exactly once.
type conn interface {
	start(ctx context.Context, onMessage func([]byte), onClosed func(error)) error
	send(ctx context.Context, payload []byte) error
	close() error
}

// rpcCore multiplexes requests over one conn: monotonic id allocation,
// the id→waiter table, and inbound routing. The read loop owns the
// channel send side; callers own the receive side.
type rpcCore struct {
	tag  string // log prefix, usually the server id
	conn conn

	nextID atomic.Int64

	mu      sync.Mutex
	waiters map[int64]chan rpcResult
	closed  bool

	handlersMu sync.RWMutex
	handlers   map[string]RequestHandler
}

func newRPCCore(tag string, c conn) *rpcCore {
	return &rpcCore{
		tag:      tag,
		conn:     c,
		waiters:  make(map[int64]chan rpcResult),
		handlers: make(map[string]RequestHandler),
	}
}

func (r *rpcCore) setHandler(method string, h RequestHandler) {
	r.handlersMu.Lock()
	r.handlers[method] = h
	r.handlersMu.Unlock()
}

// call sends one request and waits for its response, the context, or
// the timeout, whichever comes first.
func (r *rpcCore) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	id := r.nextID.Add(1)
	waiter := make(chan rpcResult, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	r.waiters[id] = waiter
	r.mu.Unlock()

	payload, err := marshalRequest(id, method, params)
	if err != nil {
		r.dropWaiter(id)
		return nil, err
	}
	if err := r.conn.send(ctx, payload); err != nil {
		r.dropWaiter(id)
		return nil, fmt.Errorf("upstream: send %q: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-waiter:
		return res.result, res.err
	case <-timer.C:
		r.dropWaiter(id)
		return nil, fmt.Errorf("%w: %q after %s", ErrRequestTimeout, method, timeout)
	case <-ctx.Done():
		r.dropWaiter(id)
		return nil, ctx.Err()
	}
}

// notify sends a request without an id; no response is expected.
func (r *rpcCore) notify(ctx context.Context, method string, params any) error {
	msg := rpcMessage{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("upstream: marshal %q params: %w", method, err)
		}
		msg.Params = raw
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("upstream: marshal %q: %w", method, err)
	}
	if err := r.conn.send(ctx, payload); err != nil {
		return fmt.Errorf("upstream: send %q: %w", method, err)
	}
	return nil
}

func marshalRequest(id int64, method string, params any) ([]byte, error) {
	msg := rpcMessage{JSONRPC: "2.0", Method: method}
	rawID, _ := json.Marshal(id)
	msg.ID = rawID
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("upstream: marshal %q params: %w", method, err)
		}
		msg.Params = raw
	}
	return json.Marshal(msg)
}

func (r *rpcCore) dropWaiter(id int64) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// handleMessage routes one inbound message: response to a waiter,
// server request to a handler, notification to the log.
func (r *rpcCore) handleMessage(raw []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[Upstream:%s] Dropping unparseable message: %v (%.200s)", r.tag, err, raw)
		return
	}

	if msg.Method == "" {
		r.deliverResponse(&msg)
		return
	}

	if msg.ID != nil {
		r.handleServerRequest(&msg)
		return
	}

	// notification
	switch msg.Method {
	case "notifications/message":
		log.Printf("[Upstream:%s] Server message: %s", r.tag, msg.Params)
	default:
		log.Printf("[Upstream:%s] Ignoring notification %q", r.tag, msg.Method)
	}
}

func (r *rpcCore) deliverResponse(msg *rpcMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		log.Printf("[Upstream:%s] Response with non-integer id %s", r.tag, msg.ID)
		return
	}
	r.mu.Lock()
	waiter, ok := r.waiters[id]
	delete(r.waiters, id)
	r.mu.Unlock()
	if !ok {
		log.Printf("[Upstream:%s] Response for unknown request id %d", r.tag, id)
		return
	}
	if msg.Error != nil {
		waiter <- rpcResult{err: msg.Error}
		return
	}
	waiter <- rpcResult{result: msg.Result}
}

func (r *rpcCore) handleServerRequest(msg *rpcMessage) {
	if string(msg.ID) == "null" {
		// a request id must not be null; answer and keep running
		r.respondError(msg.ID, codeInvalidRequest, "request id must not be null")
		return
	}

	r.handlersMu.RLock()
	handler, ok := r.handlers[msg.Method]
	r.handlersMu.RUnlock()
	if !ok {
		r.respondError(msg.ID, codeInternalError, fmt.Sprintf("no handler for %q", msg.Method))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
		defer cancel()
		result, err := handler(ctx, msg.Params)
		if err != nil {
			r.respondError(msg.ID, codeInternalError, err.Error())
			return
		}
		r.respondResult(msg.ID, result)
	}()
}

func (r *rpcCore) respondResult(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		r.respondError(id, codeInternalError, err.Error())
		return
	}
	payload, err := json.Marshal(rpcMessage{JSONRPC: "2.0", ID: id, Result: raw})
	if err != nil {
		log.Printf("[Upstream:%s] Marshal response: %v", r.tag, err)
		return
	}
	if err := r.conn.send(context.Background(), payload); err != nil {
		log.Printf("[Upstream:%s] Send response: %v", r.tag, err)
	}
}

func (r *rpcCore) respondError(id json.RawMessage, code int, message string) {
	payload, err := json.Marshal(rpcMessage{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
	if err != nil {
		log.Printf("[Upstream:%s] Marshal error response: %v", r.tag, err)
		return
	}
	if err := r.conn.send(context.Background(), payload); err != nil {
		log.Printf("[Upstream:%s] Send error response: %v", r.tag, err)
	}
}

// drain fails every pending waiter, typically on connection loss.
func (r *rpcCore) drain(cause error) {
	if cause == nil {
		cause = ErrConnectionClosed
	}
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = make(map[int64]chan rpcResult)
	r.closed = true
	r.mu.Unlock()
	for _, w := range waiters {
		w <- rpcResult{err: fmt.Errorf("%w: %v", ErrConnectionClosed, cause)}
	}
}
