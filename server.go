package mcp

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

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that hosts a ToolServer. It manages
// the session lifecycle, negotiates capabilities with each client and routes nested requests the
// ToolServer sends to the client back to the waiting caller.
type Server struct {
	info Info

	instructions               string
	capabilities               ServerCapabilities
	requiredClientCapabilities ClientCapabilities
	transport                  ServerTransport

	requireSamplingClient bool

	toolServer ToolServer

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup
	shutdownOnce      *sync.Once
	done              chan struct{}
}

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverCap         ServerCapabilities
	requiredClientCap ClientCapabilities
	serverInfo        Info
	instructions      string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	toolServer        ToolServer
	onClientConnected func(string, Info)

	// Cancel functions of the client requests in flight, keyed by request ID.
	inflight *sync.Map
	// Result channels of the nested requests sent to the client, keyed by request ID.
	pendingRequests *sync.Map
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		shutdownOnce:      &sync.Once{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}
	if s.requireSamplingClient {
		s.requiredClientCapabilities.Sampling = &SamplingCapability{}
	}

	return s
}

// WithRequireSamplingClient returns a ServerOption that requires the client to support sampling capability.
func WithRequireSamplingClient() ServerOption {
	return func(s *Server) {
		s.requireSamplingClient = true
	}
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive failed pings exceeds the threshold, the server closes the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client completes initialization.
// The callback's parameters are the session ID and the client's Info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client session ends.
// The callback's parameter is the session ID.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve accepts sessions from the transport and handles each of them in its own goroutine.
//
// Serve blocks until the transport stops yielding sessions, which happens after Shutdown.
func (s Server) Serve() {
	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := &serverSession{
			session:              sess,
			logger:               s.logger.With(slog.String("sessionID", sess.ID())),
			serverCap:            s.capabilities,
			requiredClientCap:    s.requiredClientCapabilities,
			serverInfo:           s.info,
			instructions:         s.instructions,
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			sendTimeout:          s.sendTimeout,
			toolServer:           s.toolServer,
			onClientConnected:    s.onClientConnected,
			inflight:             &sync.Map{},
			pendingRequests:      &sync.Map{},
		}

		s.sessionsWaitGroup.Add(1)

		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}
		}()
	}
}

// Shutdown gracefully shuts down the server by stopping all active sessions and the transport.
// It returns an error if the context is cancelled before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	sessionsClosed := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsClosed)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions to close: %w", ctx.Err())
	case <-sessionsClosed:
	}

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

func (s *serverSession) start(done <-chan struct{}) {
	defer s.session.Stop()

	// This channel is used to feed the ping goroutine the response IDs we received from the client.
	pingMessageIDs := make(chan MustString, 10)
	loopDone := make(chan struct{})
	pingClosed := make(chan struct{})
	go func() {
		defer close(pingClosed)
		s.ping(pingMessageIDs, done, loopDone)
	}()

	// Every request handed to the tool server derives from this context, so they are all
	// cancelled with ErrSessionClosed as the cause when the loop below ends.
	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	// Before this flag is set, messages other than ping and initialize are rejected.
	initialized := false

	// This loop breaks when the session is closed.
	for msg := range s.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}
		switch msg.Method {
		case methodPing:
			go s.sendResult(msg.ID, struct{}{})
		case methodInitialize:
			go s.handleInitializeRequest(msg)
		case methodNotificationsInitialized:
			initialized = true
		case methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Warn("failed to unmarshal cancelled params", slog.String("err", err.Error()))
				continue
			}
			if cancel, ok := s.inflight.Load(params.RequestID); ok {
				s.logger.Info("client cancelled request",
					slog.String("requestID", string(params.RequestID)),
					slog.String("reason", params.Reason))
				cancel.(context.CancelFunc)()
			}
		case MethodToolsList, MethodToolsCall:
			if !initialized {
				go s.sendError(msg.ID, JSONRPCError{
					Code:    jsonRPCInvalidRequestCode,
					Message: "session not initialized",
				})
				continue
			}
			// Tool calls may block on nested client requests, so each of them runs in its own
			// goroutine and stays cancellable through notifications/cancelled.
			ctx, cancel := context.WithCancel(baseCtx)
			s.inflight.Store(msg.ID, cancel)
			go s.handleToolMessage(ctx, cancel, msg)
		case "":
			// A response from the client: a ping result or the answer to a nested request.
			if msg.ID == "" {
				continue
			}
			select {
			case pingMessageIDs <- msg.ID:
			default:
			}
			results, ok := s.pendingRequests.LoadAndDelete(msg.ID)
			if !ok {
				continue
			}
			// The channel is buffered, so this never blocks the loop.
			results.(chan JSONRPCMessage) <- msg
		default:
			if msg.ID == "" {
				s.logger.Debug("ignoring unsupported notification", slog.String("method", msg.Method))
				continue
			}
			go s.sendError(msg.ID, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: fmt.Sprintf("method not found: %s", msg.Method),
			})
		}
	}

	baseCancel(ErrSessionClosed)
	close(loopDone)
	<-pingClosed
}

func (s *serverSession) handleInitializeRequest(msg JSONRPCMessage) {
	res, clientInfo, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		var jsonErr JSONRPCError
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		s.sendError(msg.ID, jsonErr)
		return
	}

	s.sendResult(msg.ID, res)

	s.logger.Info("client initialized",
		slog.String("clientName", clientInfo.Name),
		slog.String("clientVersion", clientInfo.Version))
	if s.onClientConnected != nil {
		s.onClientConnected(s.session.ID(), clientInfo)
	}
}

func (s *serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, Info, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, Info{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if params.ProtocolVersion != ProtocolVersion {
		return initializeResult{}, Info{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, ProtocolVersion),
		}
	}

	if s.requiredClientCap.Sampling != nil && params.Capabilities.Sampling == nil {
		return initializeResult{}, Info{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: "insufficient client capabilities: missing required capability 'sampling'",
		}
	}

	return initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, params.ClientInfo, nil
}

func (s *serverSession) ping(messageIDs <-chan MustString, done, loopDone <-chan struct{}) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	awaiting := false
	var msgID MustString

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			s.session.Stop()
			return
		}

		select {
		case <-done:
			s.session.Stop()
			return
		case <-loopDone:
			return
		case id := <-messageIDs:
			if id != msgID {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			awaiting = false
			continue
		case <-pingTicker.C:
		}

		// The previous ping is still unanswered.
		if awaiting {
			failedPings++
		}

		msgID = MustString(uuid.New().String())

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)
		err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  methodPing,
		})
		cancel()
		if err != nil {
			s.logger.Warn("failed to send ping to client", slog.String("err", err.Error()))
			failedPings++
			awaiting = false
			continue
		}
		awaiting = true
	}
}

func (s *serverSession) handleToolMessage(ctx context.Context, cancel context.CancelFunc, msg JSONRPCMessage) {
	defer func() {
		s.inflight.Delete(msg.ID)
		cancel()
	}()

	var result any
	var err error

	switch msg.Method {
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	default:
		return
	}

	// The client no longer waits for a cancelled request, and the session is gone when the
	// cause is ErrSessionClosed.
	if ctx.Err() != nil {
		s.logger.Info("request cancelled, dropping response",
			slog.String("method", msg.Method),
			slog.String("requestID", string(msg.ID)),
			slog.Any("cause", context.Cause(ctx)))
		return
	}

	if err != nil {
		var jsonErr JSONRPCError
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		s.logger.Error("failed to call tool server",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		s.sendError(msg.ID, jsonErr)
		return
	}

	s.sendResult(msg.ID, result)
}

func (s *serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListToolsResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	ts, err := s.toolServer.ListTools(ctx, params, s.progressReporter(params.Meta.ProgressToken), s.clientRequester())
	if err != nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Errorf("failed to list tools: %w", err).Error(),
		}
	}

	return ts, nil
}

func (s *serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	result, err := s.toolServer.CallTool(ctx, params, s.progressReporter(params.Meta.ProgressToken), s.clientRequester())
	if err != nil {
		s.logger.Error("tool call failed",
			slog.String("tool", params.Name),
			slog.String("requestID", string(msg.ID)),
			slog.String("err", err.Error()))
		result = CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}
	}

	return result, nil
}

func (s *serverSession) progressReporter(token MustString) ProgressReporter {
	return func(params ProgressParams) {
		if token == "" {
			return
		}
		params.ProgressToken = token

		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal progress params", slog.String("err", err.Error()))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()

		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsProgress,
			Params:  paramsBs,
		}); err != nil {
			s.logger.Error("failed to send progress", slog.String("err", err.Error()))
		}
	}
}

func (s *serverSession) clientRequester() RequestClientFunc {
	return func(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
		// A fresh ID per nested request keeps concurrent tool calls on one session apart.
		msg.JSONRPC = JSONRPCVersion
		msg.ID = MustString(uuid.New().String())

		results := make(chan JSONRPCMessage, 1)
		s.pendingRequests.Store(msg.ID, results)
		defer s.pendingRequests.Delete(msg.ID)

		sCtx, sCancel := context.WithTimeout(ctx, s.sendTimeout)
		err := s.session.Send(sCtx, msg)
		sCancel()
		if err != nil {
			return JSONRPCMessage{}, &TransportError{Op: "send " + msg.Method, Err: err}
		}

		select {
		case res := <-results:
			return res, nil
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, ErrSessionClosed) {
				return JSONRPCMessage{}, &TransportError{Op: "wait " + msg.Method, Err: cause}
			}
			return JSONRPCMessage{}, ctx.Err()
		}
	}
}

func (s *serverSession) sendResult(id MustString, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		s.sendError(id, JSONRPCError{Code: jsonRPCInternalErrorCode, Message: "failed to marshal result"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s *serverSession) sendError(id MustString, jsonErr JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &jsonErr,
	}); err != nil {
		s.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}
