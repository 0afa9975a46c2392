// Package gateway implements component F (spec.md §4.F): the WebSocket
// multiplexer. One Hub owns every live connection; each Connection runs
// a read pump and a write pump exactly as the teacher's deleted
// internal/gateway/websocket/client.go did (ping/pong keep-alive,
// bounded outbound queue, batched writes), generalized here to a
// multi-session-per-connection, coalescing-backpressure design per
// spec.md §4.F and §6.1/§6.2.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/streamgate/agentgw/internal/approval"
	"github.com/streamgate/agentgw/internal/common/appctx"
	"github.com/streamgate/agentgw/internal/common/constants"
	"github.com/streamgate/agentgw/internal/common/logger"
	"github.com/streamgate/agentgw/internal/protocol"
	"github.com/streamgate/agentgw/internal/session"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

var pingPeriod = (constants.WebSocketReadIdleTimeout * 9) / 10

// connState is the connection's auth state machine (spec.md §4.F).
type connState int

const (
	stateNew connState = iota
	stateAwaitingAuth
	stateReady
	stateClosed
)

// TokenValidator verifies a client-presented auth token.
type TokenValidator func(token string) bool

// Hub owns every live connection and is the FrameSink + approval.Emitter
// the session manager and approval broker push frames through.
type Hub struct {
	logger    *logger.Logger
	manager   *session.Manager
	broker    *approval.Broker
	validator TokenValidator

	queueDepth   int
	hardCapMult  int

	mu        sync.RWMutex
	bySession map[string]map[*Connection]bool
	conns     map[*Connection]bool
}

// NewHub creates a Hub. queueDepth/hardCapMultiplier come from
// config.StreamingConfig (spec.md §4.F backpressure thresholds).
func NewHub(manager *session.Manager, broker *approval.Broker, validator TokenValidator, queueDepth, hardCapMultiplier int, log *logger.Logger) *Hub {
	h := &Hub{
		logger:      log.WithFields(zap.String("component", "gateway_hub")),
		manager:     manager,
		broker:      broker,
		validator:   validator,
		queueDepth:  queueDepth,
		hardCapMult: hardCapMultiplier,
		bySession:   make(map[string]map[*Connection]bool),
		conns:       make(map[*Connection]bool),
	}
	broker.SetEmitter(h)
	return h
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Connection{
		hub:     h,
		conn:    conn,
		logger:  h.logger,
		state:   stateNew,
		queue:   newOutboundQueue(h.queueDepth, h.queueDepth*h.hardCapMult),
		owned:   make(map[string]bool),
		stopCh:  make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()

	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bySession[sessionID] == nil {
		h.bySession[sessionID] = make(map[*Connection]bool)
	}
	h.bySession[sessionID][c] = true
}

func (h *Hub) unregisterConn(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	for sessionID := range c.owned {
		if conns, ok := h.bySession[sessionID]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.bySession, sessionID)
			}
		}
	}
}

// EmitFrame implements session.FrameSink: broadcast to every connection
// that owns sessionID.
func (h *Hub) EmitFrame(sessionID string, env *protocol.Envelope) error {
	h.mu.RLock()
	conns := h.bySession[sessionID]
	targets := make([]*Connection, 0, len(conns))
	for c := range conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(env)
	}
	return nil
}

// EmitApprovalRequest implements approval.Emitter.
func (h *Hub) EmitApprovalRequest(sessionID string, req approval.Request) error {
	env, err := protocol.NewEnvelope(protocol.TypeApprovalRequest, protocol.ApprovalRequestFrame{
		ID:      req.ID,
		Prompt:  req.Prompt,
		Options: req.Options,
		Timeout: int(req.Timeout.Seconds()),
		Default: req.Default,
	})
	if err != nil {
		return err
	}
	env.SessionID = sessionID
	return h.EmitFrame(sessionID, env)
}

// Connection is one client WebSocket connection, which may own several
// concurrent sessions (spec.md §4.F: "a connection multiplexes many
// sessions; every targeted frame names its session").
type Connection struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *logger.Logger

	mu    sync.Mutex
	state connState
	owned map[string]bool // sessionIDs this connection created

	queue *outboundQueue

	closeOnce sync.Once
	stopCh    chan struct{}
}

func (c *Connection) readPump() {
	defer c.close("read pump exited")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketReadIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketReadIdleTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("protocol", "malformed frame")
			continue
		}

		if err := c.dispatch(&env); err != nil {
			c.logger.Warn("frame dispatch error", zap.String("type", string(env.Type)), zap.Error(err))
			c.sendError("internal", err.Error())
		}
	}
}

func (c *Connection) dispatch(env *protocol.Envelope) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	if st != stateReady {
		if env.Type != protocol.TypeAuth {
			c.closeWithCode(websocket.ClosePolicyViolation, "auth required")
			return nil
		}
		return c.handleAuth(env)
	}

	switch env.Type {
	case protocol.TypeCreateSession:
		return c.handleCreateSession(env)
	case protocol.TypePrompt:
		return c.handlePrompt(env)
	case protocol.TypeApprovalResponse:
		return c.handleApprovalResponse(env)
	case protocol.TypeCancel:
		return c.handleCancel(env)
	case protocol.TypeCommand:
		return c.handleCommand(env)
	case protocol.TypePing:
		return c.handlePing()
	default:
		c.sendError("protocol", fmt.Sprintf("unknown frame type %q", env.Type))
		return nil
	}
}

func (c *Connection) handleAuth(env *protocol.Envelope) error {
	var auth protocol.AuthFrame
	if err := env.Decode(&auth); err != nil {
		c.closeWithCode(4001, "malformed auth frame")
		return nil
	}
	if !c.hub.validator(auth.Token) {
		c.closeWithCode(4001, "invalid token")
		return nil
	}
	c.mu.Lock()
	c.state = stateReady
	c.mu.Unlock()

	resp, err := protocol.NewEnvelope(protocol.TypeAuthSuccess, protocol.AuthSuccessFrame{})
	if err != nil {
		return err
	}
	c.enqueue(resp)
	return nil
}

func (c *Connection) handleCreateSession(env *protocol.Envelope) error {
	var f protocol.CreateSessionFrame
	if err := env.Decode(&f); err != nil {
		return fmt.Errorf("decode create_session: %w", err)
	}

	ctx, cancel := appctx.Detached(context.Background(), c.stopCh, constants.SessionCreateTimeout)
	defer cancel()

	created, err := c.hub.manager.Create(ctx, session.CreateConfig{
		Bundle:          f.Config.Bundle,
		Behaviors:       f.Config.Behaviors,
		Provider:        f.Config.Provider,
		Cwd:             f.Config.Cwd,
		ResumeSessionID: f.Config.ResumeSessionID,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.owned[created.SessionID] = true
	c.mu.Unlock()
	c.hub.register(c, created.SessionID)
	return nil
}

func (c *Connection) handlePrompt(env *protocol.Envelope) error {
	var f protocol.PromptFrame
	if err := env.Decode(&f); err != nil {
		return fmt.Errorf("decode prompt: %w", err)
	}
	if env.SessionID == "" {
		return errors.New("prompt frame missing session_id")
	}
	go func() {
		ctx, cancel := appctx.Detached(context.Background(), c.stopCh, constants.MaxTurnDuration)
		defer cancel()
		if err := c.hub.manager.Prompt(ctx, env.SessionID, f.Content, f.Images, f.Attachments); err != nil {
			c.sendErrorForSession(env.SessionID, "runtime", err.Error())
		}
	}()
	return nil
}

func (c *Connection) handleApprovalResponse(env *protocol.Envelope) error {
	var f protocol.ApprovalResponseFrame
	if err := env.Decode(&f); err != nil {
		return fmt.Errorf("decode approval_response: %w", err)
	}
	// A response for a request that already resolved is dropped without
	// an error frame to the client.
	if err := c.hub.broker.Respond(f.ID, f.Choice); err != nil {
		c.logger.Debug("approval_response dropped", zap.String("id", f.ID), zap.Error(err))
	}
	return nil
}

func (c *Connection) handleCancel(env *protocol.Envelope) error {
	var f protocol.CancelFrame
	if err := env.Decode(&f); err != nil {
		return fmt.Errorf("decode cancel: %w", err)
	}
	if env.SessionID == "" {
		return errors.New("cancel frame missing session_id")
	}
	go func() {
		if err := c.hub.manager.Cancel(context.Background(), env.SessionID, f.Immediate); err != nil {
			c.sendErrorForSession(env.SessionID, "runtime", err.Error())
		}
	}()
	return nil
}

func (c *Connection) handleCommand(env *protocol.Envelope) error {
	var f protocol.CommandFrame
	if err := env.Decode(&f); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	// Command dispatch beyond built-ins is a runtime concern; the
	// gateway just echoes an unsupported-command result for now.
	resp, err := protocol.NewEnvelope(protocol.TypeCommandResult, protocol.CommandResultFrame{
		Name:  f.Name,
		Error: fmt.Sprintf("unsupported command %q", f.Name),
	})
	if err != nil {
		return err
	}
	resp.SessionID = env.SessionID
	c.enqueue(resp)
	return nil
}

func (c *Connection) handlePing() error {
	resp, err := protocol.NewEnvelope(protocol.TypePong, protocol.PongFrame{})
	if err != nil {
		return err
	}
	c.enqueue(resp)
	return nil
}

func (c *Connection) sendError(code, message string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorFrame{Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(env)
}

func (c *Connection) sendErrorForSession(sessionID, code, message string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorFrame{Code: code, Message: message})
	if err != nil {
		return
	}
	env.SessionID = sessionID
	c.enqueue(env)
}

// enqueue pushes a frame onto the connection's outbound queue, applying
// coalescing backpressure for content_delta frames and closing the
// connection as a slow consumer if the hard cap is exceeded (spec.md
// §4.F).
func (c *Connection) enqueue(env *protocol.Envelope) {
	overCap := c.queue.push(env)
	if overCap {
		c.logger.Warn("slow consumer, closing connection", zap.Int("queued", c.queue.len()))
		c.closeWithCode(websocket.CloseMessageTooBig, "slow consumer")
		c.cancelOwnedSessions()
	}
}

func (c *Connection) cancelOwnedSessions() {
	c.mu.Lock()
	sessions := make([]string, 0, len(c.owned))
	for id := range c.owned {
		sessions = append(sessions, id)
	}
	c.mu.Unlock()

	for _, id := range sessions {
		go func(sessionID string) {
			ctx, cancel := context.WithTimeout(context.Background(), constants.CancelDrainTimeout)
			defer cancel()
			if err := c.hub.manager.CancelTree(ctx, sessionID, true); err != nil {
				c.logger.Warn("cancel owned session after slow-consumer close failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}(id)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.queue.notify:
			for {
				env, ok := c.queue.pop()
				if !ok {
					break
				}
				data, err := json.Marshal(env)
				if err != nil {
					continue
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Connection) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.close(reason)
}

func (c *Connection) close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		c.queue.close()
		close(c.stopCh)
		c.hub.unregisterConn(c)
		_ = c.conn.Close()
	})
}

// outboundQueue is a mutex-guarded FIFO that coalesces consecutive
// content_delta frames for the same block when the connection cannot
// keep up, instead of dropping frames outright (spec.md §4.F). All
// other frame types are always preserved in full.
type outboundQueue struct {
	mu      sync.Mutex
	items   []*protocol.Envelope
	depth   int
	hardCap int
	closed  bool
	notify  chan struct{}
}

func newOutboundQueue(depth, hardCap int) *outboundQueue {
	return &outboundQueue{depth: depth, hardCap: hardCap, notify: make(chan struct{}, 1)}
}

// push appends env, coalescing it into the most recently queued
// content_delta frame for the same (session, child session, block
// index) once the queue has reached its soft depth. It returns true if
// the queue is now over its hard cap, signaling the caller to close the
// connection as a slow consumer.
func (q *outboundQueue) push(env *protocol.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	if len(q.items) >= q.depth && env.Type == protocol.TypeContentDelta {
		if q.coalesceLocked(env) {
			q.signal()
			return len(q.items) > q.hardCap
		}
	}

	q.items = append(q.items, env)
	q.signal()
	return len(q.items) > q.hardCap
}

func (q *outboundQueue) coalesceLocked(env *protocol.Envelope) bool {
	var incoming protocol.ContentDeltaFrame
	if err := env.Decode(&incoming); err != nil {
		return false
	}
	for i := len(q.items) - 1; i >= 0; i-- {
		it := q.items[i]
		if it.Type != protocol.TypeContentDelta || it.SessionID != env.SessionID || it.ChildSessionID != env.ChildSessionID {
			continue
		}
		var existing protocol.ContentDeltaFrame
		if err := it.Decode(&existing); err != nil {
			return false
		}
		if existing.Index != incoming.Index {
			return false
		}
		existing.Delta += incoming.Delta
		raw, err := json.Marshal(existing)
		if err != nil {
			return false
		}
		it.Payload = raw
		return true
	}
	return false
}

func (q *outboundQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outboundQueue) pop() (*protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env, true
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
