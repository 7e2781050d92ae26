package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server transport. It
// handles server-to-client streaming through SSE and client-to-server messaging via HTTP POST
// endpoints.
//
// The server provides connection management, message distribution, and session tracking
// capabilities through its HandleSSE and HandleMessage http.Handlers. These handlers can
// be integrated with any HTTP framework.
//
// Instances should be created using NewSSEServer and shut down using Shutdown when no longer
// needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan sseSessionRegistration
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done         chan struct{}
	closed       chan struct{}
	shutdownOnce *sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client transport. It reads server messages
// from the SSE stream and posts client messages to the endpoint the server announces.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	done     chan struct{}
	stopOnce *sync.Once
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	maxPayloadSize int

	messages   chan JSONRPCMessage
	cancelRead context.CancelFunc
	done       chan struct{}
	readClosed chan struct{}
	stopOnce   *sync.Once
}

type sseSessionRegistration struct {
	sess       *sseServerSession
	registered chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
	errs   chan<- error
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}

	errServerClosed = errors.New("sse server closed")
)

// NewSSEServer creates and initializes a new SSE server that tells its clients to post
// messages to messageURL. The server is immediately operational upon creation. The returned
// SSEServer must be shut down using Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan sseSessionRegistration, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
		shutdownOnce:     &sync.Once{},
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server and its sessions.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "sse-server"),
		)
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. The client must call StartSession to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the session ends.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client and its sessions.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "sse-client"),
		)
	}
}

// Sessions returns an iterator over active client sessions. The iterator yields new
// Session instances as clients connect to the server, and ends after Shutdown is called.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Store all active sessions in a map for easy lookup when we receive a new message.
		sessionsMap := make(map[string]*sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case reg := <-s.sessions:
				sessionsMap[reg.sess.id] = reg.sess
				// The handler announces the endpoint only after this point, so the first
				// POST of the client always finds its session.
				close(reg.registered)

				if !yield(reg.sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					msg.errs <- errSessionNotFound
					continue
				}

				select {
				case <-session.done:
					msg.errs <- ErrSessionClosed
					continue
				default:
				}

				select {
				case <-s.done:
					msg.errs <- errServerClosed
					return
				case <-session.done:
					msg.errs <- ErrSessionClosed
				case session.receivedMsgs <- msg.msg:
					msg.errs <- nil
				}
			}
		}
	}
}

// Shutdown stops the Sessions loop and waits until it returns. Message posts that arrive
// afterwards are rejected.
func (s SSEServer) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the session is stopped.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "" {
			if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
				s.logger.Warn("client does not accept event streams", slog.String("accept", r.Header.Get("Accept")))
				http.Error(w, "client must accept text/event-stream", http.StatusNotAcceptable)
				return
			}
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		srvSession := &sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg, 5),
			receivedMsgs: make(chan JSONRPCMessage, 10),
			done:         make(chan struct{}),
			stopOnce:     &sync.Once{},
		}

		reg := sseSessionRegistration{sess: srvSession, registered: make(chan struct{})}
		select {
		case s.sessions <- reg:
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}
		// Once queued, the Sessions loop registers the session unless the server shuts down.
		select {
		case <-reg.registered:
		case <-s.done:
			return
		}

		// Use the type "endpoint" to tell the client where to post its messages.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID))
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write endpoint event", slog.String("err", err.Error()))
			s.removeSession(srvSession)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event", slog.String("err", err.Error()))
			s.removeSession(srvSession)
			return
		}

		// The go-sse session is not safe for concurrent writes, so every message is written
		// from this goroutine until the client disconnects or the session is stopped.
		srvSession.processSendMessages(r.Context())
		s.removeSession(srvSession)
	})
}

func (s SSEServer) removeSession(sess *sseServerSession) {
	sess.Stop()

	select {
	case s.removedSessions <- sess.id:
	case <-s.done:
	}
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects an application/json body and a sessionID query parameter.
// Valid messages are routed to their corresponding Session's message stream and acknowledged
// with 202 Accepted.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			s.logger.Warn("unsupported content type", slog.String("contentType", r.Header.Get("Content-Type")))
			http.Error(w, errUnsupportedMessage.Error(), http.StatusUnsupportedMediaType)
			return
		}

		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		errs := make(chan error, 1)
		select {
		case <-s.done:
			http.Error(w, errServerClosed.Error(), http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg, errs: errs}:
		}

		select {
		case err = <-errs:
		case <-r.Context().Done():
			return
		}

		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, errSessionNotFound), errors.Is(err, ErrSessionClosed):
			s.logger.Warn("message for unknown session", slog.String("sessionID", sessID))
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	})
}

// StartSession connects to the SSE endpoint and waits for the server to announce the URL
// that client messages are posted to. The stream stays open after ctx is done; it ends when
// the session is stopped or the server closes the connection.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	connectURL, err := url.Parse(s.connectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connect URL: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stopAfter := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, connectURL.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		httpClient:     s.httpClient,
		logger:         s.logger,
		maxPayloadSize: s.maxPayloadSize,
		messages:       make(chan JSONRPCMessage),
		cancelRead:     cancel,
		done:           make(chan struct{}),
		readClosed:     make(chan struct{}),
		stopOnce:       &sync.Once{},
	}

	endpoints := make(chan *url.URL, 1)
	go sess.listenSSEMessages(resp.Body, connectURL, endpoints)

	select {
	case endpoint := <-endpoints:
		if !stopAfter() {
			// ctx was done while the endpoint arrived, and the stream is already cancelled.
			sess.Stop()
			return nil, ctx.Err()
		}
		sess.messageURL = endpoint.String()
		sess.id = endpoint.Query().Get("sessionID")
		if sess.id == "" {
			sess.id = sess.messageURL
		}
		return sess, nil
	case <-sess.readClosed:
		sess.Stop()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New("SSE stream closed before endpoint event")
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	}
}

func (s *sseClientSession) listenSSEMessages(body io.ReadCloser, base *url.URL, endpoints chan<- *url.URL) {
	defer func() {
		body.Close()
		close(s.readClosed)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	endpointReceived := false

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if endpointReceived {
				s.logger.Warn("ignoring repeated endpoint event")
				continue
			}
			ref, err := url.Parse(ev.Data)
			if err != nil || ev.Data == "" {
				s.logger.Error("invalid endpoint URL", slog.String("data", ev.Data))
				return
			}
			endpointReceived = true
			// The endpoint may be relative to the URL the stream was opened on.
			endpoints <- base.ResolveReference(ref)
		case "message", "":
			if !endpointReceived {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}
}

func (s *sseClientSession) ID() string { return s.id }

// Send transmits a JSON-encoded message to the server through an HTTP POST request. Any 2xx
// status is accepted.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.readClosed:
				return
			case msg := <-s.messages:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancelRead()
		<-s.readClosed
	})
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	select {
	case s.sendMsgs <- sseServerSessionSendMsg{msg: sseMsg, errs: errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *sseServerSession) processSendMessages(ctx context.Context) {
	for {
		select {
		case sm := <-s.sendMsgs:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-ctx.Done():
			s.logger.Info("client disconnected")
			return
		case <-s.done:
			return
		}
	}
}
