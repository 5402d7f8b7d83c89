package mcpcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState tracks the handshake progress of a Session.
type SessionState int

// Session states, in the order they are reached.
const (
	SessionUnestablished SessionState = iota
	SessionInitializing
	SessionReady
	SessionClosed
)

// ErrNotReady is returned by Call when the session's handshake has not
// reached Ready.
var ErrNotReady = errors.New("session is not ready")

// ErrRequestTimeout is returned by Call when no response with the matching
// correlation ID arrives before the session's read timeout.
var ErrRequestTimeout = errors.New("request timeout")

// SessionOption configures a Session.
type SessionOption func(*Session)

// Session binds one Transport to protocol state: the handshake status and a
// table of in-flight request IDs awaiting their responses. No application
// request may be sent before Initialize succeeds, and Initialize runs at most
// once per session.
//
// A Session must be created with NewSession, initialized with Initialize, and
// closed with Close by whoever opened its transport.
type Session struct {
	name      string
	transport Transport
	info      Info
	logger    *slog.Logger

	readTimeout time.Duration

	serverInfo         Info
	serverCapabilities ServerCapabilities

	mu    sync.Mutex
	state SessionState

	waitForResults chan waitForResultReq
	cancelRequests chan string
	routeDone      chan struct{}
}

type waitForResultReq struct {
	msgID   string
	resChan chan chan JSONRPCMessage
}

var defaultSessionReadTimeout = 30 * time.Second

// WithSessionReadTimeout sets how long a call waits for its response frame.
func WithSessionReadTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.readTimeout = timeout
	}
}

// NewSession creates a Session over the given transport. The info identifies
// this client during the handshake. The session takes ownership of the
// transport: it is the only reader and closes it in Close.
func NewSession(name string, transport Transport, info Info, options ...SessionOption) *Session {
	s := &Session{
		name:           name,
		transport:      transport,
		info:           info,
		logger:         slog.Default(),
		waitForResults: make(chan waitForResultReq),
		cancelRequests: make(chan string),
		routeDone:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.readTimeout == 0 {
		s.readTimeout = defaultSessionReadTimeout
	}

	return s
}

// Name returns the configured server name this session is bound to.
func (s *Session) Name() string { return s.name }

// State returns the session's current handshake state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerInfo returns the server identification reported in the handshake.
func (s *Session) ServerInfo() Info { return s.serverInfo }

// ServerCapabilities returns the capabilities reported in the handshake.
func (s *Session) ServerCapabilities() ServerCapabilities { return s.serverCapabilities }

// Initialize performs the protocol handshake: it sends the initialize
// request, validates the protocol version of the response, and acknowledges
// with the initialized notification. On success the session is Ready and
// Call may be used. It fails when the response is malformed, reports an
// unexpected protocol version, or does not arrive before the read timeout,
// and can be attempted at most once per session.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionUnestablished {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("initialize called in state %s", state)
	}
	s.state = SessionInitializing
	s.mu.Unlock()

	go s.route()

	res, err := s.request(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      s.info,
	})
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(res, &result); err != nil {
		return fmt.Errorf("handshake failed: malformed initialize result: %w", err)
	}
	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("handshake failed: protocol version mismatch: %s != %s",
			result.ProtocolVersion, protocolVersion)
	}

	s.serverInfo = result.ServerInfo
	s.serverCapabilities = result.Capabilities

	if err := s.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	s.mu.Lock()
	// Close may have raced the handshake; never resurrect a closed session.
	if s.state == SessionInitializing {
		s.state = SessionReady
	}
	s.mu.Unlock()

	return nil
}

// Call sends one request and blocks until the response carrying the same
// correlation ID is read back, the read timeout expires, or ctx is done.
// Responses for other in-flight calls read in the interim are routed to their
// own waiters; notifications not awaited by any call are dropped. Calling
// before the handshake reaches Ready fails immediately with ErrNotReady. A
// server-reported error member is returned as a *JSONRPCError wrapped error.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.State() != SessionReady {
		return nil, fmt.Errorf("session %s: %w", s.name, ErrNotReady)
	}
	return s.request(ctx, method, params)
}

// Close closes the underlying transport, bounded by the ctx deadline. It is
// idempotent: the second and later calls return nil without touching the
// transport again.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionClosed
	s.mu.Unlock()

	return s.transport.Close(ctx)
}

// route is the single owner of the pending-request table. It registers
// waiters and matches incoming response frames to them by correlation ID,
// exiting when the transport's message sequence ends.
func (s *Session) route() {
	pending := make(map[string]chan JSONRPCMessage) // map[msgID]chan JSONRPCMessage

	defer func() {
		close(s.routeDone)
		// Wake every waiter still blocked on a response; they report
		// ErrTransportClosed.
		for _, ch := range pending {
			close(ch)
		}
	}()

	msgs := make(chan JSONRPCMessage)
	go func() {
		defer close(msgs)
		for msg := range s.transport.Messages() {
			msgs <- msg
		}
	}()

	for {
		select {
		case req := <-s.waitForResults:
			resChan := make(chan JSONRPCMessage, 1)
			pending[req.msgID] = resChan
			req.resChan <- resChan
		case msgID := <-s.cancelRequests:
			// The waiter gave up; a late response is then dropped like any
			// unknown ID instead of filling an orphaned channel.
			delete(pending, msgID)
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.routeIncoming(pending, msg)
		}
	}
}

func (s *Session) routeIncoming(pending map[string]chan JSONRPCMessage, msg JSONRPCMessage) {
	if msg.JSONRPC != JSONRPCVersion {
		s.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
		return
	}

	switch {
	case msg.Method == MethodPing && msg.ID != "":
		// Server-initiated liveness check; answer off the routing loop so a
		// slow write never stalls response matching.
		go s.answerPing(msg.ID)
	case msg.Method != "":
		// A notification (or server request) no call is waiting for.
		s.logger.Debug("dropping unawaited message", "method", msg.Method)
	default:
		resChan, ok := pending[string(msg.ID)]
		if !ok {
			s.logger.Debug("dropping response with unknown id", "id", string(msg.ID))
			return
		}
		resChan <- msg
		delete(pending, string(msg.ID))
	}
}

func (s *Session) answerPing(id MustString) {
	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()

	err := s.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage("{}"),
	})
	if err != nil {
		s.logger.Error("failed to answer ping", "err", err)
	}
}

func (s *Session) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	msgID := uuid.New().String()

	// Register the waiter before sending, so the response cannot slip past
	// the routing loop unmatched.
	resChannels := make(chan chan JSONRPCMessage, 1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.routeDone:
		return nil, ErrTransportClosed
	case s.waitForResults <- waitForResultReq{msgID: msgID, resChan: resChannels}:
	}
	results := <-resChannels

	// An abandoned call must remove its routing entry, otherwise the table
	// grows for the life of the session.
	unregister := func() {
		select {
		case s.cancelRequests <- msgID:
		case <-s.routeDone:
		}
	}

	err := s.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(msgID),
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		unregister()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timeout := time.NewTimer(s.readTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	case <-timeout.C:
		unregister()
		return nil, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case res, ok := <-results:
		if !ok {
			return nil, ErrTransportClosed
		}
		if res.Error != nil {
			return nil, fmt.Errorf("result error: %w", res.Error)
		}
		return res.Result, nil
	}
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	if err := s.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	return nil
}

func (s SessionState) String() string {
	switch s {
	case SessionUnestablished:
		return "unestablished"
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}
