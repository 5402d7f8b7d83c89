package mcpcli_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcpcli"
)

func TestForEachPreservesConfigurationOrder(t *testing.T) {
	set := &mcpcli.SessionSet{}
	names := []string{"alpha", "beta", "gamma"}
	for _, name := range names {
		sess, _ := newReadySession(t, name, nil)
		set.Add(sess)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Later sessions finish first; the result order must still follow the
	// configuration order, not the completion order.
	op := func(_ context.Context, s *mcpcli.Session) (any, error) {
		switch s.Name() {
		case "alpha":
			time.Sleep(60 * time.Millisecond)
		case "beta":
			time.Sleep(30 * time.Millisecond)
		}
		return s.Name(), nil
	}

	results := set.ForEach(ctx, op)
	if len(results) != len(names) {
		t.Fatalf("got %d results, want %d", len(results), len(names))
	}

	for i, res := range results {
		if res.Server != i+1 {
			t.Errorf("result %d has server index %d, want %d", i, res.Server, i+1)
		}
		if res.Name != names[i] {
			t.Errorf("result %d has name %q, want %q", i, res.Name, names[i])
		}
		if res.Value != names[i] {
			t.Errorf("result %d has value %v, want %q", i, res.Value, names[i])
		}
	}
}

func TestForEachIsolatesFailures(t *testing.T) {
	set := &mcpcli.SessionSet{}
	for _, name := range []string{"good", "bad"} {
		sess, _ := newReadySession(t, name, nil)
		set.Add(sess)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("boom")
	op := func(_ context.Context, s *mcpcli.Session) (any, error) {
		if s.Name() == "bad" {
			return nil, boom
		}
		return "ok", nil
	}

	results := set.ForEach(ctx, op)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	if results[0].Err != nil {
		t.Errorf("healthy session reported error: %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Errorf("failing session error = %v, want boom", results[1].Err)
	}
	if results[1].Value != nil {
		t.Errorf("failing session value = %v, want nil", results[1].Value)
	}
}

func TestForEachEmptySet(t *testing.T) {
	set := &mcpcli.SessionSet{}

	results := set.ForEach(context.Background(), func(context.Context, *mcpcli.Session) (any, error) {
		t.Error("operation invoked on empty set")
		return nil, nil
	})
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestDispatchListTools(t *testing.T) {
	toolsJSON := `{"tools":[{"name":"echo","description":"Echo a message"}]}`
	sess, _ := newReadySession(t, "srv", map[string]string{mcpcli.MethodToolsList: toolsJSON})

	set := &mcpcli.SessionSet{}
	set.Add(sess)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := mcpcli.NewDispatcher(set, mcpcli.NewLineReader(strings.NewReader("")), io.Discard, nil)
	dispatched, err := d.Dispatch(ctx, mcpcli.ParseCommand("list-tools"))
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(dispatched) != 1 {
		t.Fatalf("got %d results, want 1", len(dispatched))
	}

	lt, ok := dispatched[0].Value.(mcpcli.ListToolsResult)
	if !ok {
		t.Fatalf("result value has type %T, want ListToolsResult", dispatched[0].Value)
	}

	var want mcpcli.ListToolsResult
	if err := json.Unmarshal([]byte(toolsJSON), &want); err != nil {
		t.Fatalf("failed to unmarshal expected tools: %v", err)
	}
	if len(lt.Tools) != 1 || lt.Tools[0].Name != want.Tools[0].Name {
		t.Errorf("tools = %+v, want %+v", lt.Tools, want.Tools)
	}
}
