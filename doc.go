// Package mcpcli implements the core of a multi-server MCP command-line
// client: transports for stdio subprocesses and SSE endpoints, sessions with
// handshake state and request/response correlation, concurrent fan-out of
// commands across a session set, and a lifecycle runner that guarantees
// bounded-deadline teardown of every opened transport.
package mcpcli
