package mcpcli

import (
	"context"
	"encoding/json"
	"sync"
)

// CommandResult is the outcome of one dispatched command against one session:
// either a structured success payload (shape depends on the command kind) or
// a failure with its cause. Results are produced per invocation and handed
// straight to the presentation layer.
type CommandResult struct {
	// Server is the 1-based index of the session in configuration order,
	// matching the "server N" numbering in user-facing output.
	Server int
	// Name is the configured server name.
	Name string
	// Value holds the structured success payload.
	Value any
	// Err is set when the operation failed for this server only.
	Err error
}

// Operation is one logical request dispatched against a single session during
// a fan-out.
type Operation func(ctx context.Context, s *Session) (any, error)

// SessionSet is an ordered sequence of sessions, index-stable for the
// lifetime of a run. It is appended to while connecting and treated as
// read-only afterward. The set does not own its sessions: closing them is the
// lifecycle runner's job, never the set's.
type SessionSet struct {
	sessions []*Session
}

// Add appends a session. Only the lifecycle runner calls this, and only
// during the connecting phase.
func (ss *SessionSet) Add(sess *Session) {
	ss.sessions = append(ss.sessions, sess)
}

// Len returns the number of sessions in the set.
func (ss *SessionSet) Len() int { return len(ss.sessions) }

// Sessions returns the sessions in configuration order.
func (ss *SessionSet) Sessions() []*Session {
	out := make([]*Session, len(ss.sessions))
	copy(out, ss.sessions)
	return out
}

// ForEach invokes op against every session concurrently and assembles exactly
// one CommandResult per session, in configuration order regardless of
// completion order. A failing session yields a failure result without
// disturbing its siblings: servers are independent, and a stalled one must
// not block reporting from the healthy ones.
func (ss *SessionSet) ForEach(ctx context.Context, op Operation) []CommandResult {
	results := make([]CommandResult, len(ss.sessions))

	var wg sync.WaitGroup
	for i, sess := range ss.sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := op(ctx, sess)
			results[i] = CommandResult{Server: i + 1, Name: sess.Name(), Value: value, Err: err}
		}()
	}
	wg.Wait()

	return results
}

// The operations below are the per-request-kind codec: each pairs a method
// constant with its params marshaling and result unmarshaling. The session
// core treats all of them as opaque payloads.

func opPing(ctx context.Context, s *Session) (any, error) {
	if _, err := s.Call(ctx, MethodPing, nil); err != nil {
		return nil, err
	}
	return "pong", nil
}

func opListTools(ctx context.Context, s *Session) (any, error) {
	res, err := s.Call(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func opListResources(ctx context.Context, s *Session) (any, error) {
	res, err := s.Call(ctx, MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	var result ListResourcesResult
	if err := json.Unmarshal(res, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func opListPrompts(ctx context.Context, s *Session) (any, error) {
	res, err := s.Call(ctx, MethodPromptsList, nil)
	if err != nil {
		return nil, err
	}
	var result ListPromptsResult
	if err := json.Unmarshal(res, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func opCallTool(params CallToolParams) Operation {
	return func(ctx context.Context, s *Session) (any, error) {
		res, err := s.Call(ctx, MethodToolsCall, params)
		if err != nil {
			return nil, err
		}
		var result CallToolResult
		if err := json.Unmarshal(res, &result); err != nil {
			return nil, err
		}
		return result, nil
	}
}
