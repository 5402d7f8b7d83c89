package mcpcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// CommandKind enumerates the closed vocabulary of user commands. Dispatch
// switches on this tag, so an unrecognized string can never reach the
// dispatch core: parsing folds it into CommandUnknown.
type CommandKind int

// The command vocabulary.
const (
	CommandUnknown CommandKind = iota
	CommandPing
	CommandListTools
	CommandListResources
	CommandListPrompts
	CommandCallTool
	CommandChat
	CommandClear
	CommandHelp
	CommandQuit
)

// Command is one parsed user command together with the data it carries.
type Command struct {
	Kind CommandKind

	// Raw is the original token, kept for unknown-command reporting.
	Raw string
}

// ParseCommand folds one input line into the closed command vocabulary.
// Unrecognized input parses to CommandUnknown, which is informational, not an
// error.
func ParseCommand(line string) Command {
	token := strings.ToLower(strings.TrimSpace(line))
	switch token {
	case "ping":
		return Command{Kind: CommandPing}
	case "list-tools":
		return Command{Kind: CommandListTools}
	case "list-resources":
		return Command{Kind: CommandListResources}
	case "list-prompts":
		return Command{Kind: CommandListPrompts}
	case "call-tool":
		return Command{Kind: CommandCallTool}
	case "chat":
		return Command{Kind: CommandChat}
	case "clear":
		return Command{Kind: CommandClear}
	case "help":
		return Command{Kind: CommandHelp}
	case "quit", "exit":
		return Command{Kind: CommandQuit}
	default:
		return Command{Kind: CommandUnknown, Raw: token}
	}
}

const helpText = `Available commands:

  ping             Check if every server is responsive
  list-tools       Display available tools per server
  list-resources   Display available resources per server
  list-prompts     Display available prompts per server
  call-tool        Invoke a tool (prompts for name and JSON arguments)
  chat             Enter chat mode
  clear            Clear the screen
  help             Show this help message
  quit / exit      Exit the program

Commands use dashes (list-tools, not "list tools").
`

// Dispatcher maps parsed commands to fan-out operations against a session
// set, to the interactive call-tool flow, or to local commands that touch no
// session at all.
type Dispatcher struct {
	set   *SessionSet
	in    *LineReader
	out   io.Writer
	agent ChatAgent
}

// NewDispatcher builds a dispatcher over the given set. The in reader feeds
// the call-tool and chat flows; agent may be nil when chat mode is not
// available.
func NewDispatcher(set *SessionSet, in *LineReader, out io.Writer, agent ChatAgent) *Dispatcher {
	return &Dispatcher{set: set, in: in, out: out, agent: agent}
}

// Dispatch executes cmd. Fan-out commands return one CommandResult per
// session in configuration order; local commands, chat, and unknown input
// return a nil result slice. A returned error is local to this dispatch (for
// example, invalid call-tool arguments) and never ends the interactive loop.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) ([]CommandResult, error) {
	switch cmd.Kind {
	case CommandPing:
		return d.set.ForEach(ctx, opPing), nil
	case CommandListTools:
		return d.set.ForEach(ctx, opListTools), nil
	case CommandListResources:
		return d.set.ForEach(ctx, opListResources), nil
	case CommandListPrompts:
		return d.set.ForEach(ctx, opListPrompts), nil
	case CommandCallTool:
		return d.dispatchCallTool(ctx)
	case CommandChat:
		if d.agent == nil {
			return nil, fmt.Errorf("chat mode is not available")
		}
		return nil, d.agent.Chat(ctx, d.set, d.in, d.out)
	case CommandClear:
		// ANSI clear-screen plus cursor home.
		fmt.Fprint(d.out, "\033[2J\033[H")
		return nil, nil
	case CommandHelp:
		fmt.Fprint(d.out, helpText)
		return nil, nil
	case CommandQuit:
		return nil, nil
	default:
		fmt.Fprintf(d.out, "Unknown command: %s\nType 'help' for available commands\n", cmd.Raw)
		return nil, nil
	}
}

// dispatchCallTool collects a tool name and a JSON argument object from the
// user, and fans out the invocation only after the arguments validate
// locally: malformed JSON never touches any session.
func (d *Dispatcher) dispatchCallTool(ctx context.Context) ([]CommandResult, error) {
	fmt.Fprint(d.out, "Tool name: ")
	name, err := d.in.ReadLine(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("tool name cannot be empty")
	}

	fmt.Fprint(d.out, `Tool arguments as JSON (e.g. {"key": "value"}): `)
	argsStr, err := d.in.ReadLine(ctx)
	if err != nil {
		return nil, err
	}

	args := map[string]any{}
	if argsStr != "" {
		if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
			return nil, fmt.Errorf("invalid JSON arguments: %w", err)
		}
	}

	return d.set.ForEach(ctx, opCallTool(CallToolParams{Name: name, Arguments: args})), nil
}
