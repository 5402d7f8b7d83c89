package mcpcli

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

	"github.com/tmaxmax/go-sse"
)

// SSE implements Transport over a Server-Sent Events channel: server-to-client
// frames arrive as "message" events on a long-lived GET stream, and
// client-to-server frames are POSTed to the message endpoint the server
// announces in its initial "endpoint" event.
//
// Instances must be created with OpenSSE and released with Close.
type SSE struct {
	httpClient *http.Client
	connectURL string
	messageURL string
	logger     *slog.Logger

	// cancel aborts the streaming GET request on Close.
	cancel context.CancelFunc

	incoming chan JSONRPCMessage

	done       chan struct{}
	readClosed chan struct{}
	closeOnce  sync.Once
}

// OpenSSE establishes the SSE stream to cfg.Endpoint and negotiates the
// message endpoint. The optional httpClient allows custom HTTP configuration;
// if nil, the default client is used. It fails on connection refusal, a
// non-200 response, or when the stream ends before the server announces its
// endpoint. The ctx bounds the negotiation only; the stream itself stays open
// until Close.
func OpenSSE(ctx context.Context, cfg ServerConfig, httpClient *http.Client) (*SSE, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is empty")
	}

	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}

	s := &SSE{
		httpClient: cli,
		connectURL: cfg.Endpoint,
		logger:     slog.Default(),
		incoming:   make(chan JSONRPCMessage),
		done:       make(chan struct{}),
		readClosed: make(chan struct{}),
	}

	// The stream must outlive the negotiation ctx, so it gets its own
	// cancellation tied to Close.
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, cfg.Endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := cli.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ready := make(chan error, 1)
	go s.listenSSEMessages(resp.Body, ready)

	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case err := <-ready:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to negotiate stream: %w", err)
		}
	}

	return s, nil
}

// Messages implements Transport. The iteration ends when the stream ends or
// the transport is closed.
func (s *SSE) Messages() iter.Seq[JSONRPCMessage] {
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

// Send implements Transport by POSTing the JSON-encoded frame to the
// negotiated message endpoint. Returns an error if encoding fails, the
// request cannot be created, or the server responds with a non-2xx status.
func (s *SSE) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrTransportClosed
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Close implements Transport by aborting the streaming request. Aborting the
// request releases the connection immediately, so the context deadline only
// bounds the wait for the read loop to observe the abort.
func (s *SSE) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()

		select {
		case <-s.readClosed:
		case <-ctx.Done():
			err = fmt.Errorf("stream did not close before deadline: %w", ctx.Err())
		}
	})
	return err
}

func (s *SSE) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.incoming)
		close(s.readClosed)
	}()

	endpointSeen := false

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if !endpointSeen {
				ready <- fmt.Errorf("stream failed before endpoint event: %w", err)
			} else if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if endpointSeen {
				s.logger.Error("duplicate endpoint event")
				continue
			}
			// The endpoint event carries the URL all subsequent POSTs must
			// target; it may be relative to the connect URL.
			u, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				ready <- err
				return
			}
			s.messageURL = u
			endpointSeen = true
			ready <- nil
		case "message":
			// No frame is valid before the endpoint negotiation completed.
			if !endpointSeen {
				s.logger.Error("received message before endpoint event")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				// A malformed frame is recoverable; skip it and keep reading.
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			select {
			case <-s.done:
				return
			case s.incoming <- msg:
			}
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}

	if !endpointSeen {
		ready <- errors.New("stream ended before endpoint event")
	}
}

func (s *SSE) resolveEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	if u.String() == "" {
		return "", errors.New("empty endpoint URL")
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return "", fmt.Errorf("parse connect URL: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}
