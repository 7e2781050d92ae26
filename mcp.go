package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown releases the transport resources. Sessions already yielded are stopped by the
	// caller before this method is called. The caller calls this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession establishes a session with the server. It returns once the session is ready
	// to send messages, or with an error when the connection could not be established or ctx
	// is cancelled first. The returned Session outlives ctx and must be stopped by the caller.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The iteration ends when the session is stopped or the underlying connection is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. It is safe to call Stop more than once.
	Stop()
}

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns a paginated list of available tools. The ProgressReporter
	// can be used to report operation progress, and RequestClientFunc enables
	// nested requests to the client during execution.
	ListTools(context.Context, ListToolsParams, ProgressReporter, RequestClientFunc) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. The ProgressReporter
	// can be used to report operation progress, and RequestClientFunc enables nested
	// requests to the client during execution, such as sampling.
	//
	// A returned error is reported to the client as a tool result with IsError set.
	CallTool(context.Context, CallToolParams, ProgressReporter, RequestClientFunc) (CallToolResult, error)
}

// SamplingHandler generates model responses on behalf of the server. A client that sets a
// SamplingHandler advertises the "sampling" capability during initialization.
type SamplingHandler interface {
	// CreateSampleMessage generates a response message for the provided conversation.
	// A returned error is sent back to the server as a JSON-RPC error response.
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// ProgressListener receives progress updates for requests sent with a progress token.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(params ProgressParams)
}

// ProgressReporter is a function type used to report progress updates for long-running operations.
// Server implementations use this callback to inform clients about operation progress. Updates are
// dropped when the originating request carried no progress token.
type ProgressReporter func(progress ProgressParams)

// RequestClientFunc sends a request to the client that initiated the current operation and waits
// for its response. The ID of msg is assigned by the server session, so concurrent nested requests
// are correlated independently of the outer request.
//
// The call blocks until the client responds, ctx is cancelled, or the session closes. A response
// carrying a JSON-RPC error is returned as a message, not as an error; the returned error only
// reports transport and cancellation failures.
type RequestClientFunc func(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error)
