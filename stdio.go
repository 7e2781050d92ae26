package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
)

// StdIO implements a standard input/output transport layer for MCP communication using
// newline-delimited JSON-RPC messages over stdin/stdout or similar io.Reader/io.Writer pairs.
// It provides a single persistent session and can be used as either ServerTransport or
// ClientTransport. Instances should be created using NewStdIO.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	received      chan JSONRPCMessage

	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}
	startOnce   *sync.Once
	stopOnce    *sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

const stdIOSessionID = "stdio"

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess: &stdIOSession{
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			received:      make(chan JSONRPCMessage),
			done:          make(chan struct{}),
			readClosed:    make(chan struct{}),
			writeClosed:   make(chan struct{}),
			startOnce:     &sync.Once{},
			stopOnce:      &sync.Once{},
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "stdio"),
		)
	}
}

// Sessions implements the ServerTransport interface by providing an iterator that yields
// a single persistent session. The iteration ends once that session is stopped.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		s.sess.start()

		// StdIO only supports a single session, so we yield it and wait until it's done.
		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface. It waits for the Sessions loop to end,
// which happens once the session is stopped.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface. The session is ready immediately.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	s.sess.start()
	return s.sess, nil
}

func (s *stdIOSession) ID() string {
	return stdIOSessionID
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Writes are serialized through the write loop, so messages never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.readClosed:
				return
			case msg := <-s.received:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Stop ends the session. A read blocked on the underlying reader is left to return on its
// own, since an io.Reader cannot be interrupted.
func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		// A session that was never started has no loops to wait for.
		s.startOnce.Do(func() {
			close(s.writeClosed)
			close(s.readClosed)
		})
		<-s.writeClosed
	})
}

func (s *stdIOSession) start() {
	s.startOnce.Do(func() {
		go s.processWriteMessages()
		go s.readMessages()
	})
}

func (s *stdIOSession) readMessages() {
	defer close(s.readClosed)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.Error("failed to read message", slog.String("err", err.Error()))
			return
		}
		eof := err != nil

		line = strings.TrimSpace(line)
		if line != "" {
			var msg JSONRPCMessage
			if uErr := json.Unmarshal([]byte(line), &msg); uErr != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", uErr.Error()))
			} else {
				select {
				case s.received <- msg:
				case <-s.done:
					return
				}
			}
		}

		if eof {
			return
		}
	}
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
