// Package mcp implements the parts of the Model Context Protocol (MCP) needed to host tools that
// delegate language-model work back to the connected client. It follows the 2024-11-05 revision
// of the specification at https://spec.modelcontextprotocol.io/specification/.
//
// A Server exposes a ToolServer over a ServerTransport. While a tool call is being handled the
// ToolServer may issue nested requests to the client, most notably "sampling/createMessage",
// through the RequestClientFunc it receives. The Client answers those requests with its
// SamplingHandler, so the server never needs a model client of its own.
//
// Two transports are provided: Server-Sent Events (SSEServer, SSEClient) and newline-delimited
// JSON over standard input/output (StdIO).
package mcp
