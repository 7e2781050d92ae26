package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client. It manages the connection lifecycle,
// calls the tools the server exposes and answers the server's nested sampling requests with its
// SamplingHandler.
//
// A Client must be created using NewClient() and requires Connect() to be called before any
// operations can be performed. The client should be closed using Close() when it's no longer
// needed.
type Client struct {
	capabilities       ClientCapabilities
	info               Info
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string
	transport          ClientTransport
	session            Session

	samplingHandler  SamplingHandler
	progressListener ProgressListener

	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	initialized atomic.Bool
	logger      *slog.Logger

	waitForResults chan waitForResultReq
	cancelWaits    chan string
	results        chan JSONRPCMessage

	// Cancel functions of the server requests in flight, keyed by request ID.
	inflight *sync.Map

	baseCtx    context.Context
	baseCancel context.CancelFunc

	done          chan struct{}
	sessionClosed chan struct{}
	closeOnce     *sync.Once
	closeWait     *sync.WaitGroup
}

type waitForResultReq struct {
	msgID   string
	resChan chan chan JSONRPCMessage
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithSamplingHandler sets the sampling handler for the client. A client with a sampling
// handler advertises the "sampling" capability.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets how long the client waits for the response of a request. A zero
// or negative timeout makes requests wait until the response arrives, the context is done or
// the session closes.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientPingInterval enables periodic pings to the server. Pings are disabled by default.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping failures exceeds the threshold, the client stops the session.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a new Model Context Protocol (MCP) client with the specified configuration.
//
// The info parameter provides client identification and version information. The transport
// parameter defines how the client communicates with the server. The client will not be
// connected until Connect() is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &Client{
		info:           info,
		transport:      transport,
		logger:         slog.Default(),
		readTimeout:    defaultClientReadTimeout,
		waitForResults: make(chan waitForResultReq),
		cancelWaits:    make(chan string),
		results:        make(chan JSONRPCMessage),
		inflight:       &sync.Map{},
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
		done:           make(chan struct{}),
		sessionClosed:  make(chan struct{}),
		closeOnce:      &sync.Once{},
		closeWait:      &sync.WaitGroup{},
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	if c.samplingHandler != nil {
		c.capabilities.Sampling = &SamplingCapability{}
	}

	return c
}

// Connect establishes a session with the MCP server and performs the initialization handshake.
// It starts the background routines for message handling and, when enabled, server health
// checks through periodic pings.
//
// Connect returns a *TransportError if the session cannot be established, and an error if the
// server rejects the initialization or answers with an unsupported protocol version. The client
// is unusable after a failed Connect and should be closed.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	session, err := c.transport.StartSession(ctx)
	if err != nil {
		return &TransportError{Op: "start session", Err: err}
	}
	c.session = session

	c.closeWait.Add(2)
	go func() {
		defer c.closeWait.Done()
		c.start()
	}()
	go func() {
		defer c.closeWait.Done()
		c.listenMessages()
	}()

	paramsBs, err := json.Marshal(initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodInitialize,
		Params:  paramsBs,
	})
	if err != nil {
		return fmt.Errorf("failed to send initialize request: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("initialize error: %w", res.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, ProtocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions

	if err := c.sendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	c.initialized.Store(true)

	c.logger.Info("connected to server",
		slog.String("serverName", c.serverInfo.Name),
		slog.String("serverVersion", c.serverInfo.Version))

	if c.pingInterval > 0 {
		c.closeWait.Add(1)
		go func() {
			defer c.closeWait.Done()
			c.pings()
		}()
	}

	return nil
}

// Ping checks the liveness of the server.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.checkReady(); err != nil {
		return err
	}

	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodPing,
	})
	if err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("error response: %w", res.Error)
	}

	return nil
}

// ListTools retrieves a paginated list of available tools from the server.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification is sent to the server to stop processing.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.checkReady(); err != nil {
		return ListToolsResult{}, err
	}
	if c.serverCapabilities.Tools == nil {
		return ListToolsResult{}, errors.New("tools not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodToolsList,
		Params:  paramsBs,
	})
	if err != nil {
		return ListToolsResult{}, err
	}

	if res.Error != nil {
		return ListToolsResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, err
	}

	return result, nil
}

// CallTool executes a specific tool and returns its result. A tool that failed is reported
// through the IsError field of the result, not through the returned error.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification is sent to the server to stop processing.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.checkReady(); err != nil {
		return CallToolResult{}, err
	}
	if c.serverCapabilities.Tools == nil {
		return CallToolResult{}, errors.New("tools not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodToolsCall,
		Params:  paramsBs,
	})
	if err != nil {
		return CallToolResult{}, err
	}

	if res.Error != nil {
		return CallToolResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, err
	}

	return result, nil
}

// ServerInfo returns the server's info.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// Instructions returns the instructions the server sent during initialization.
func (c *Client) Instructions() string {
	return c.instructions
}

// ToolServerSupported returns true if the server supports tool management.
func (c *Client) ToolServerSupported() bool {
	return c.serverCapabilities.Tools != nil
}

// Close stops the session and the background routines of the client. Requests still waiting
// for a response return ErrClientClosed. It is safe to call Close more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.baseCancel()
		if c.session != nil {
			c.session.Stop()
		}
		c.closeWait.Wait()
	})
	return nil
}

func (c *Client) checkReady() error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// start owns the table of requests waiting for a response.
func (c *Client) start() {
	waitForResults := make(map[string]chan JSONRPCMessage) // map[msgID]chan JSONRPCMessage

	for {
		select {
		case <-c.done:
			return
		case req := <-c.waitForResults:
			// Buffered so delivering a result never blocks this loop.
			resChan := make(chan JSONRPCMessage, 1)
			waitForResults[req.msgID] = resChan
			req.resChan <- resChan
		case msgID := <-c.cancelWaits:
			delete(waitForResults, msgID)
		case msg := <-c.results:
			resChan, ok := waitForResults[string(msg.ID)]
			if !ok {
				c.logger.Debug("dropping response without waiting request", slog.String("id", string(msg.ID)))
				continue
			}
			resChan <- msg
			delete(waitForResults, string(msg.ID))
		}
	}
}

func (c *Client) listenMessages() {
	defer close(c.sessionClosed)

	for msg := range c.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", slog.String("version", msg.JSONRPC))
			continue
		}

		switch msg.Method {
		case methodPing:
			go c.sendResult(msg.ID, struct{}{})
		case MethodSamplingCreateMessage:
			ctx, cancel := context.WithCancel(c.baseCtx)
			c.inflight.Store(msg.ID, cancel)
			go c.handleSamplingMessages(ctx, cancel, msg)
		case methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal cancelled params", slog.String("err", err.Error()))
				continue
			}
			if cancel, ok := c.inflight.Load(params.RequestID); ok {
				cancel.(context.CancelFunc)()
			}
		case methodNotificationsProgress:
			if c.progressListener == nil {
				continue
			}

			var params ProgressParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal progress params", slog.String("err", err.Error()))
				continue
			}
			c.progressListener.OnProgress(params)
		case "":
			select {
			case c.results <- msg:
			case <-c.done:
				return
			}
		default:
			if msg.ID == "" {
				continue
			}
			go c.sendError(msg.ID, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: fmt.Sprintf("method not found: %s", msg.Method),
			})
		}
	}
}

func (c *Client) pings() {
	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0

	for {
		select {
		case <-c.done:
			return
		case <-c.sessionClosed:
			return
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(c.baseCtx, c.writeTimeout)
		err := c.Ping(ctx)
		cancel()
		if err == nil {
			failedPings = 0
			continue
		}

		c.logger.Warn("failed to ping server", slog.String("err", err.Error()))
		failedPings++
		if failedPings > c.pingTimeoutThreshold {
			c.logger.Error("too many ping failures, stopping session", slog.Int("failedPings", failedPings))
			c.session.Stop()
			return
		}
	}
}

func (c *Client) handleSamplingMessages(ctx context.Context, cancel context.CancelFunc, msg JSONRPCMessage) {
	defer func() {
		c.inflight.Delete(msg.ID)
		cancel()
	}()

	if c.samplingHandler == nil {
		c.sendError(msg.ID, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "sampling not supported by client",
		})
		return
	}

	var params SamplingParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.logger.Error("failed to unmarshal sampling params", slog.String("err", err.Error()))
		c.sendError(msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		})
		return
	}

	result, err := c.samplingHandler.CreateSampleMessage(ctx, params)
	if err != nil {
		c.logger.Error("failed to create sample message", slog.String("err", err.Error()))
		c.sendError(msg.ID, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: err.Error(),
		})
		return
	}

	c.sendResult(msg.ID, result)
}

func (c *Client) sendRequest(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	msgID := uuid.New().String()
	msg.ID = MustString(msgID)

	resChannels := make(chan chan JSONRPCMessage, 1)
	select {
	case <-c.done:
		return JSONRPCMessage{}, ErrClientClosed
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case c.waitForResults <- waitForResultReq{msgID: msgID, resChan: resChannels}:
	}
	results := <-resChannels

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	err := c.session.Send(sCtx, msg)
	sCancel()
	if err != nil {
		c.cancelWait(msgID)
		return JSONRPCMessage{}, &TransportError{Op: "send " + msg.Method, Err: err}
	}

	var timeout <-chan time.Time
	if c.readTimeout > 0 {
		timer := time.NewTimer(c.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-results:
		return res, nil
	case <-timeout:
		c.cancelWait(msgID)
		c.notifyCancelled(msgID, "request timeout")
		return JSONRPCMessage{}, ErrRequestTimeout
	case <-ctx.Done():
		c.cancelWait(msgID)
		c.notifyCancelled(msgID, userCancelledReason)
		return JSONRPCMessage{}, ctx.Err()
	case <-c.sessionClosed:
		return JSONRPCMessage{}, &TransportError{Op: "wait " + msg.Method, Err: ErrSessionClosed}
	case <-c.done:
		return JSONRPCMessage{}, ErrClientClosed
	}
}

func (c *Client) cancelWait(msgID string) {
	select {
	case c.cancelWaits <- msgID:
	case <-c.done:
	}
}

func (c *Client) notifyCancelled(msgID, reason string) {
	// The caller's context may already be done, so the notification gets its own deadline.
	if err := c.sendNotification(context.Background(), methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: MustString(msgID),
		Reason:    reason,
	}); err != nil {
		c.logger.Warn("failed to notify cancellation", slog.String("err", err.Error()))
	}
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		return &TransportError{Op: "send " + method, Err: err}
	}

	return nil
}

func (c *Client) sendResult(id MustString, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		c.sendError(id, JSONRPCError{Code: jsonRPCInternalErrorCode, Message: "failed to marshal result"})
		return
	}

	sCtx, sCancel := context.WithTimeout(c.baseCtx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}); err != nil {
		c.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (c *Client) sendError(id MustString, jsonErr JSONRPCError) {
	sCtx, sCancel := context.WithTimeout(c.baseCtx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &jsonErr,
	}); err != nil {
		c.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}
