package mcpcli_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcpcli"
)

func TestStdIOBidirectionalMessageFlow(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := mcpcli.NewStdIO(serverReader, serverWriter)
	clientTransport := mcpcli.NewStdIO(clientReader, clientWriter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer serverTransport.Close(ctx)
	defer clientTransport.Close(ctx)

	clientReceived := make(chan mcpcli.JSONRPCMessage, 2)
	go func() {
		for msg := range clientTransport.Messages() {
			clientReceived <- msg
		}
	}()

	serverReceived := make(chan mcpcli.JSONRPCMessage, 1)
	go func() {
		for msg := range serverTransport.Messages() {
			serverReceived <- msg
		}
	}()

	outbound := []mcpcli.JSONRPCMessage{
		{JSONRPC: mcpcli.JSONRPCVersion, ID: "1", Method: "request1"},
		{JSONRPC: mcpcli.JSONRPCVersion, ID: "2", Method: "request2"},
	}
	for _, msg := range outbound {
		if err := serverTransport.Send(ctx, msg); err != nil {
			t.Fatalf("failed to send server message: %v", err)
		}
	}

	for _, want := range outbound {
		select {
		case got := <-clientReceived:
			if got.ID != want.ID || got.Method != want.Method {
				t.Errorf("client received %+v, want %+v", got, want)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for client message")
		}
	}

	reply := mcpcli.JSONRPCMessage{JSONRPC: mcpcli.JSONRPCVersion, ID: "1", Method: "response"}
	if err := clientTransport.Send(ctx, reply); err != nil {
		t.Fatalf("failed to send client message: %v", err)
	}

	select {
	case got := <-serverReceived:
		if got.Method != reply.Method {
			t.Errorf("server received %+v, want %+v", got, reply)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for server message")
	}
}

func TestStdIOSkipsMalformedFrames(t *testing.T) {
	r, w := io.Pipe()
	transport := mcpcli.NewStdIO(r, io.Discard)

	go func() {
		io.WriteString(w, "this is not json\n")
		io.WriteString(w, "\n")
		io.WriteString(w, `{"jsonrpc":"2.0","id":"1","method":"survivor"}`+"\n")
		w.Close()
	}()

	var got []mcpcli.JSONRPCMessage
	for msg := range transport.Messages() {
		got = append(got, msg)
	}

	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	if got[0].Method != "survivor" {
		t.Errorf("received method %q, want %q", got[0].Method, "survivor")
	}
}

func TestStdIOSendAfterClose(t *testing.T) {
	r, w := io.Pipe()
	transport := mcpcli.NewStdIO(r, w)

	ctx := context.Background()
	if err := transport.Close(ctx); err != nil {
		t.Fatalf("failed to close transport: %v", err)
	}

	err := transport.Send(ctx, mcpcli.JSONRPCMessage{JSONRPC: mcpcli.JSONRPCVersion, Method: "ping"})
	if !errors.Is(err, mcpcli.ErrTransportClosed) {
		t.Errorf("send after close = %v, want ErrTransportClosed", err)
	}

	// Close is idempotent.
	if err := transport.Close(ctx); err != nil {
		t.Errorf("second close = %v, want nil", err)
	}
}

func TestOpenStdIOMissingExecutable(t *testing.T) {
	_, err := mcpcli.OpenStdIO(mcpcli.ServerConfig{Command: "/nonexistent/not-a-binary"})
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func TestOpenStdIOSubprocessRoundTrip(t *testing.T) {
	transport, err := mcpcli.OpenStdIO(mcpcli.ServerConfig{Command: "cat"})
	if err != nil {
		t.Fatalf("failed to open transport: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan mcpcli.JSONRPCMessage, 1)
	go func() {
		for msg := range transport.Messages() {
			received <- msg
			return
		}
	}()

	want := mcpcli.JSONRPCMessage{JSONRPC: mcpcli.JSONRPCVersion, ID: "1", Method: "ping"}
	if err := transport.Send(ctx, want); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != want.ID || got.Method != want.Method {
			t.Errorf("received %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for echoed message")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	if err := transport.Close(closeCtx); err != nil {
		t.Errorf("failed to close transport: %v", err)
	}
}

func TestOpenStdIOEnvPassedToSubprocess(t *testing.T) {
	transport, err := mcpcli.OpenStdIO(mcpcli.ServerConfig{
		Command: "sh",
		Args:    []string{"-c", `echo "{\"jsonrpc\":\"2.0\",\"method\":\"$GREETING\"}"`},
		Env:     map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatalf("failed to open transport: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer transport.Close(ctx)

	for msg := range transport.Messages() {
		if msg.Method != "hello" {
			t.Errorf("received method %q, want %q", msg.Method, "hello")
		}
		return
	}
	t.Fatal("no message received from subprocess")
}

func TestStdIOCloseUnblocksStuckWritePump(t *testing.T) {
	// A pipe writer with no reader: the write pump parks inside Write as soon
	// as a frame reaches it. Close must still return within its deadline.
	idleReader, _ := io.Pipe()
	_, stuckWriter := io.Pipe()
	transport := mcpcli.NewStdIO(idleReader, stuckWriter)

	go transport.Send(context.Background(),
		mcpcli.JSONRPCMessage{JSONRPC: mcpcli.JSONRPCVersion, Method: "ping"})

	// Give the frame time to reach the pump.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	closed := make(chan error, 1)
	go func() { closed <- transport.Close(ctx) }()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return while the write pump was blocked")
	}
}

// blockingReader blocks every Read indefinitely and is deliberately not an
// io.Closer.
type blockingReader struct {
	never chan struct{}
}

func (b blockingReader) Read([]byte) (int, error) {
	<-b.never
	return 0, io.EOF
}

func TestStdIOCloseWithBlockedReader(t *testing.T) {
	// The reader never yields a byte and cannot be closed: Close must still
	// return promptly and the message sequence must end.
	transport := mcpcli.NewStdIO(blockingReader{never: make(chan struct{})}, io.Discard)

	ended := make(chan struct{})
	go func() {
		for range transport.Messages() {
		}
		close(ended)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := transport.Close(ctx); err != nil {
		t.Fatalf("failed to close transport: %v", err)
	}

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("message sequence did not end after close")
	}
}

func TestOpenStdIOCloseKillsStuckProcess(t *testing.T) {
	transport, err := mcpcli.OpenStdIO(mcpcli.ServerConfig{Command: "sleep", Args: []string{"60"}})
	if err != nil {
		t.Fatalf("failed to open transport: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = transport.Close(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("close of stuck process = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("close took %v, expected it to be bounded by the deadline", elapsed)
	}
}
