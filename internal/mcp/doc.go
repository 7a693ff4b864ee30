// Package mcp implements the client side of MCP-style tool servers:
// JSON-RPC 2.0 messages exchanged one object per line over a
// subprocess's stdin and stdout.
//
// The package is layered. [Message] is the wire envelope. A [Transport]
// frames messages over a stream; [StdioTransport] is the subprocess
// implementation. A [Connection] owns one transport and adds the
// protocol session on top: the initialize handshake, connect retry with
// a circuit breaker, request correlation by id under a concurrency
// limit, a TTL cache of the tool listing, and advisory health pings.
//
// This package covers the host side only; it never acts as a server
// beyond answering the peer's ping requests.
package mcp
