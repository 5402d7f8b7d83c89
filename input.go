package mcpcli

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// LineReader turns a blocking input stream into a cancellable line source.
// Reading user input is a suspension point like any transport read: an
// interrupted run must not stay stuck on a terminal read, so the blocking
// scan happens on a pump goroutine and ReadLine observes the context.
type LineReader struct {
	lines chan string
}

// NewLineReader starts the pump over r. The pump exits on end-of-input.
func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{lines: make(chan string)}

	go func() {
		defer close(lr.lines)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lr.lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	return lr
}

// ReadLine blocks for the next input line. It returns io.EOF when the input
// is exhausted and ctx.Err() when the run is cancelled first.
func (lr *LineReader) ReadLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-lr.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
}
