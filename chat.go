package mcpcli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ChatAgent drives a conversational sub-mode over an established session set,
// blocking until the user ends the chat.
type ChatAgent interface {
	Chat(ctx context.Context, set *SessionSet, in *LineReader, out io.Writer) error
}

// LLMAgent implements ChatAgent against an OpenAI-compatible chat-completions
// endpoint (OpenAI itself, a local Ollama, or any compatible gateway). It
// aggregates the tools of every session, advertises them to the model,
// executes the tool calls the model requests against the session that owns
// each tool, and feeds the results back until the model answers in plain
// text.
type LLMAgent struct {
	Model   string
	BaseURL string
	APIKey  string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// MaxToolTurns caps tool-call round trips per user message. Defaults
	// to 10.
	MaxToolTurns int

	Logger *slog.Logger
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatToolDef struct {
	Type     string          `json:"type"`
	Function chatFunctionDef `json:"function"`
}

type chatFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatToolDef `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const chatSystemPrompt = "You are a helpful assistant with access to tools " +
	"provided by one or more MCP servers. Use them when they help answer the user."

// Chat implements ChatAgent. It returns when the user types exit/quit,
// end-of-input is reached, or the context is cancelled. Completions-API
// failures are reported to the user and the chat continues.
func (a *LLMAgent) Chat(ctx context.Context, set *SessionSet, in *LineReader, out io.Writer) error {
	tools, index := a.collectTools(ctx, set)

	fmt.Fprintf(out, "Chat mode (model %s, %d tools). Type 'exit' to quit.\n", a.Model, len(tools))

	messages := []chatMessage{{Role: "system", Content: chatSystemPrompt}}

	for {
		fmt.Fprint(out, "\nyou> ")

		line, err := in.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		messages = append(messages, chatMessage{Role: "user", Content: line})

		for turn := 0; ; turn++ {
			if turn >= a.maxToolTurns() {
				fmt.Fprintln(out, "tool-call limit reached for this message")
				break
			}

			reply, err := a.complete(ctx, messages, tools)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fmt.Fprintf(out, "chat error: %v\n", err)
				break
			}
			messages = append(messages, reply)

			if len(reply.ToolCalls) == 0 {
				fmt.Fprintf(out, "\n%s\n", reply.Content)
				break
			}

			for _, tc := range reply.ToolCalls {
				result := a.execToolCall(ctx, index, tc, out)
				messages = append(messages, chatMessage{
					Role:       "tool",
					Content:    result,
					ToolCallID: tc.ID,
				})
			}
		}
	}
}

// collectTools aggregates tools/list across the set. A server that fails to
// list is skipped with a log entry; on a tool-name collision the first server
// wins.
func (a *LLMAgent) collectTools(ctx context.Context, set *SessionSet) ([]chatToolDef, map[string]*Session) {
	var defs []chatToolDef
	index := make(map[string]*Session)

	for _, sess := range set.Sessions() {
		res, err := sess.Call(ctx, MethodToolsList, nil)
		if err != nil {
			a.logger().Error("failed to list tools for chat", "server", sess.Name(), "err", err)
			continue
		}

		var lt ListToolsResult
		if err := json.Unmarshal(res, &lt); err != nil {
			a.logger().Error("malformed tools list", "server", sess.Name(), "err", err)
			continue
		}

		for _, t := range lt.Tools {
			if _, ok := index[t.Name]; ok {
				a.logger().Warn("duplicate tool name, keeping first", "tool", t.Name, "server", sess.Name())
				continue
			}
			index[t.Name] = sess
			defs = append(defs, chatToolDef{
				Type: "function",
				Function: chatFunctionDef{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}

	return defs, index
}

// execToolCall runs one tool call against its owning session. Failures are
// folded into the tool-result text so the model can react to them; they never
// abort the chat.
func (a *LLMAgent) execToolCall(ctx context.Context, index map[string]*Session, tc chatToolCall, out io.Writer) string {
	sess, ok := index[tc.Function.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", tc.Function.Name)
	}

	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return fmt.Sprintf("error: invalid tool arguments: %v", err)
		}
	}

	fmt.Fprintf(out, "[calling %s on %s]\n", tc.Function.Name, sess.Name())

	res, err := sess.Call(ctx, MethodToolsCall, CallToolParams{Name: tc.Function.Name, Arguments: args})
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}

	var result CallToolResult
	if err := json.Unmarshal(res, &result); err != nil {
		return fmt.Sprintf("error: malformed tool result: %v", err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
			sb.WriteString("\n")
		}
	}
	if result.IsError {
		return "tool reported error: " + sb.String()
	}
	return sb.String()
}

func (a *LLMAgent) complete(ctx context.Context, messages []chatMessage, tools []chatToolDef) (chatMessage, error) {
	body, err := json.Marshal(chatRequest{
		Model:    a.Model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return chatMessage{}, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	url := strings.TrimSuffix(a.baseURL(), "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return chatMessage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return chatMessage{}, fmt.Errorf("failed to reach completions endpoint: %w", err)
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return chatMessage{}, fmt.Errorf("failed to decode completions response: %w", err)
	}
	if cr.Error != nil {
		return chatMessage{}, fmt.Errorf("completions endpoint error: %s", cr.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return chatMessage{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if len(cr.Choices) == 0 {
		return chatMessage{}, errors.New("completions response has no choices")
	}

	return cr.Choices[0].Message, nil
}

func (a *LLMAgent) baseURL() string {
	if a.BaseURL != "" {
		return a.BaseURL
	}
	return "https://api.openai.com/v1"
}

func (a *LLMAgent) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return http.DefaultClient
}

func (a *LLMAgent) maxToolTurns() int {
	if a.MaxToolTurns > 0 {
		return a.MaxToolTurns
	}
	return 10
}

func (a *LLMAgent) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
