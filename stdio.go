package mcpcli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// StdIO implements Transport over newline-delimited JSON documents, either on
// the standard streams of a spawned subprocess (see OpenStdIO) or on an
// arbitrary io.Reader/io.Writer pair. Messages are written through an internal
// queue so that writes are flushed one frame at a time, and read through a
// single background loop so the frame sequence is consumed exactly once.
//
// Instances must be created with NewStdIO or OpenStdIO, and released with
// Close when no longer needed.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	// cmd is the spawned subprocess, nil when running over plain streams.
	cmd *exec.Cmd

	incoming      chan JSONRPCMessage
	writeMessages chan stdIOMessage

	done        chan struct{}
	writeClosed chan struct{}
	closeOnce   sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a StdIO transport over the provided reader and writer. The
// returned transport is live immediately: the read and write pumps start here,
// so Messages and Send can be used right away.
func NewStdIO(reader io.Reader, writer io.Writer) *StdIO {
	s := &StdIO{
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		incoming:      make(chan JSONRPCMessage),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}

	go s.processReadMessages()
	go s.processWriteMessages()

	return s
}

// OpenStdIO spawns the subprocess described by cfg and binds its standard
// input and output as the transport's write and read sides. The child's
// stderr passes through to this process' stderr. It fails if the executable
// cannot be launched.
func OpenStdIO(cfg ServerConfig) (*StdIO, error) {
	if cfg.Command == "" {
		return nil, errors.New("command is empty")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", cfg.Command, err)
	}

	s := NewStdIO(stdout, stdin)
	s.cmd = cmd
	return s, nil
}

// Messages implements Transport. The iteration ends when the underlying
// stream reaches end-of-stream or the transport is closed.
func (s *StdIO) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.incoming:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Send implements Transport by queueing the encoded frame on the write pump
// and waiting for the write to flush.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol.
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrTransportClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrTransportClosed
	}
}

// Close implements Transport. It stops both pumps, closes the write side so a
// subprocess reading stdin sees EOF, and waits for the subprocess to exit. A
// subprocess that does not exit before the context deadline is killed, so
// Close never hangs.
func (s *StdIO) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		// The write pump may be parked inside a Write nobody drains (a
		// subprocess that stopped reading its stdin); wait for it only up to
		// the deadline. Closing the write side below unwinds the blocked
		// Write either way.
		select {
		case <-s.writeClosed:
		case <-ctx.Done():
		}

		if c, ok := s.writer.(io.Closer); ok {
			c.Close()
		}

		if s.cmd == nil {
			if c, ok := s.reader.(io.Closer); ok {
				c.Close()
			}
			return
		}

		waited := make(chan error, 1)
		go func() { waited <- s.cmd.Wait() }()

		select {
		case werr := <-waited:
			if werr != nil {
				err = fmt.Errorf("process exited with error: %w", werr)
			}
		case <-ctx.Done():
			if kerr := s.cmd.Process.Kill(); kerr != nil {
				err = fmt.Errorf("failed to kill process: %w", kerr)
				return
			}
			// Wait returns promptly once the process is killed; reap it so no
			// zombie is left behind.
			<-waited
			err = fmt.Errorf("process did not exit before deadline: %w", ctx.Err())
		}
	})
	return err
}

func (s *StdIO) processReadMessages() {
	defer close(s.incoming)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		lines := make(chan lineWithErr, 1)

		// Run the blocking read on its own goroutine, so a close is observed
		// even while no input arrives.
		go func() {
			line, err := reader.ReadString('\n')
			lines <- lineWithErr{line: line, err: err}
		}()

		var lwe lineWithErr
		select {
		case <-s.done:
			return
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if !errors.Is(lwe.err, io.EOF) && !s.closed() {
				s.logger.Error("failed to read message", "err", lwe.err)
			}
			return
		}

		line := strings.TrimSuffix(lwe.line, "\n")
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// A malformed frame is recoverable; skip it and keep reading.
			s.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		select {
		case <-s.done:
			return
		case s.incoming <- msg:
		}
	}
}

func (s *StdIO) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process the write queue one frame at a time until the transport is
		// closed, so concurrent Sends never interleave on the wire.
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

func (s *StdIO) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
