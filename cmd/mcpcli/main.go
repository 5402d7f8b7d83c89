// Command mcpcli is a command-line MCP client. It connects to one or more
// configured servers over stdio subprocesses or SSE streams, and runs a single
// command or an interactive loop against all of them at once.
//
// Usage:
//
//	mcpcli [flags] [command]
//
// Without a command argument it enters interactive mode. With one (ping,
// list-tools, list-resources, list-prompts) it executes that command against
// every selected server and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MegaGrindStone/mcpcli"
)

type serverList []string

func (s *serverList) String() string { return strings.Join(*s, ",") }

func (s *serverList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var servers serverList
	configFile := flag.String("config-file", "server_config.json", "path to the server configuration file")
	flag.Var(&servers, "server", "configured server to connect to (repeatable; default: all)")
	provider := flag.String("provider", "openai", "LLM provider for chat mode (openai or ollama)")
	model := flag.String("model", "", "LLM model for chat mode (default depends on provider)")
	baseURL := flag.String("base-url", "", "base URL of the chat-completions API (default depends on provider)")
	allowPartial := flag.Bool("allow-partial", false, "continue when some servers fail their handshake")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configFile, servers, flag.Arg(0), *provider, *model, *baseURL, *allowPartial, logger); err != nil {
		logger.Error("run failed", "err", err)
		os.Exit(1)
	}
}

func run(configFile string, servers []string, command, provider, model, baseURL string,
	allowPartial bool, logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := mcpcli.LoadConfig(configFile)
	if err != nil {
		return err
	}

	names := servers
	if len(names) == 0 {
		names = cfg.ServerNames()
	}
	if len(names) == 0 {
		return errors.New("no servers configured")
	}

	agent, err := newAgent(provider, model, baseURL, logger)
	if err != nil {
		return err
	}

	runner := &mcpcli.Runner{
		Config:      cfg,
		ServerNames: names,
		OneShot:     command,
		In:          os.Stdin,
		Out:         os.Stdout,
		Render: func(results []mcpcli.CommandResult) {
			renderResults(os.Stdout, results)
		},
		Agent:        agent,
		AllowPartial: allowPartial,
		Logger:       logger,
	}

	return runner.Run(ctx)
}

func newAgent(provider, model, baseURL string, logger *slog.Logger) (*mcpcli.LLMAgent, error) {
	agent := &mcpcli.LLMAgent{
		Model:   model,
		BaseURL: baseURL,
		Logger:  logger,
	}

	switch provider {
	case "openai":
		agent.APIKey = os.Getenv("OPENAI_API_KEY")
		if agent.Model == "" {
			agent.Model = "gpt-4o-mini"
		}
	case "ollama":
		if agent.BaseURL == "" {
			agent.BaseURL = "http://localhost:11434/v1"
		}
		if agent.Model == "" {
			agent.Model = "qwen2.5-coder"
		}
	default:
		return nil, fmt.Errorf("unsupported provider %q (want openai or ollama)", provider)
	}

	return agent, nil
}

// renderResults prints one batch of per-server command results, one block per
// server in configuration order.
func renderResults(w io.Writer, results []mcpcli.CommandResult) {
	for _, res := range results {
		fmt.Fprintf(w, "\nServer %d (%s):\n", res.Server, res.Name)
		if res.Err != nil {
			fmt.Fprintf(w, "  error: %v\n", res.Err)
			continue
		}

		switch v := res.Value.(type) {
		case string:
			fmt.Fprintf(w, "  %s\n", v)
		case mcpcli.ListToolsResult:
			renderTools(w, v)
		case mcpcli.ListResourcesResult:
			renderResources(w, v)
		case mcpcli.ListPromptsResult:
			renderPrompts(w, v)
		case mcpcli.CallToolResult:
			renderToolResult(w, v)
		default:
			fmt.Fprintf(w, "  %v\n", v)
		}
	}
}

func renderTools(w io.Writer, result mcpcli.ListToolsResult) {
	if len(result.Tools) == 0 {
		fmt.Fprintln(w, "  no tools available")
		return
	}
	for _, t := range result.Tools {
		fmt.Fprintf(w, "  %s\n", t.Name)
		if t.Description != "" {
			fmt.Fprintf(w, "    %s\n", t.Description)
		}
	}
}

func renderResources(w io.Writer, result mcpcli.ListResourcesResult) {
	if len(result.Resources) == 0 {
		fmt.Fprintln(w, "  no resources available")
		return
	}
	for _, r := range result.Resources {
		fmt.Fprintf(w, "  %s (%s)\n", r.Name, r.URI)
		if r.Description != "" {
			fmt.Fprintf(w, "    %s\n", r.Description)
		}
	}
}

func renderPrompts(w io.Writer, result mcpcli.ListPromptsResult) {
	if len(result.Prompts) == 0 {
		fmt.Fprintln(w, "  no prompts available")
		return
	}
	for _, p := range result.Prompts {
		fmt.Fprintf(w, "  %s\n", p.Name)
		if p.Description != "" {
			fmt.Fprintf(w, "    %s\n", p.Description)
		}
		for _, arg := range p.Arguments {
			required := ""
			if arg.Required {
				required = " (required)"
			}
			fmt.Fprintf(w, "    - %s%s\n", arg.Name, required)
		}
	}
}

func renderToolResult(w io.Writer, result mcpcli.CallToolResult) {
	if result.IsError {
		fmt.Fprintln(w, "  tool reported an error:")
	}
	for _, c := range result.Content {
		switch c.Type {
		case "text":
			fmt.Fprintf(w, "  %s\n", c.Text)
		default:
			fmt.Fprintf(w, "  [%s content, %s]\n", c.Type, c.MimeType)
		}
	}
}
