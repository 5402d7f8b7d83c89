package mcpcli

import (
	"context"
	"errors"
	"iter"
)

// ErrTransportClosed is returned by Send, and by calls waiting on a response,
// once the underlying transport has been closed.
var ErrTransportClosed = errors.New("transport is closed")

// Transport is an open duplex channel to a single MCP server. A Transport is
// owned exclusively by its Session: one consumer iterates Messages, and writes
// are serialized internally so concurrent Sends never interleave frames.
type Transport interface {
	// Messages returns an iterator that yields frames decoded from the server.
	// The sequence is lazy and not restartable: it ends when the channel
	// reaches end-of-stream or the transport is closed. A frame that fails to
	// decode is logged and skipped, so one corrupt frame never ends the
	// session.
	Messages() iter.Seq[JSONRPCMessage]

	// Send encodes msg and writes it to the server, flushing before it
	// returns. It fails with ErrTransportClosed once the transport is closed.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Close releases the underlying process or connection. It is idempotent,
	// and it never blocks past the context deadline: when the deadline
	// expires the resources are forcibly released (process kill, stream
	// abort) rather than waited for.
	Close(ctx context.Context) error
}
