package mcpcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Runner drives one run end to end: resolve the requested server
// configurations, open a transport per server, handshake every session,
// execute one command or an interactive loop, and close every opened
// transport under a per-transport deadline. Close is attempted for every
// transport that was opened, on every exit path, so a stuck subprocess or
// stalled stream can never keep the process alive.
type Runner struct {
	// Config is the loaded configuration file.
	Config Config

	// ServerNames selects which configured servers to use, in order. A name
	// absent from Config is a fatal configuration error.
	ServerNames []string

	// OneShot is an optional single command token ("ping", "list-tools",
	// ...). When empty, the runner enters the interactive loop.
	OneShot string

	// In and Out are the interactive surfaces. Out also receives local
	// command output (help, unknown-command notices).
	In  io.Reader
	Out io.Writer

	// Render presents one batch of per-server results; the runner itself
	// only produces structured data. Nil means results are discarded.
	Render func([]CommandResult)

	// Agent handles chat mode. Nil disables the chat command.
	Agent ChatAgent

	// AllowPartial controls the policy when one session fails its handshake
	// in a multi-server run: false (the default) aborts the whole run, true
	// continues with the sessions that reached Ready. Either way a failed
	// session never receives a call.
	AllowPartial bool

	// CloseTimeout bounds the close of each transport during teardown.
	// Defaults to one second.
	CloseTimeout time.Duration

	// ClientInfo identifies this client in handshakes. Defaults to the
	// mcpcli name and version.
	ClientInfo Info

	// ReadTimeout is passed through to every session. Zero keeps the session
	// default.
	ReadTimeout time.Duration

	Logger *slog.Logger
}

// Run executes the full lifecycle and returns nil on graceful completion or
// user-initiated quit. Any returned error is fatal to the run; the caller
// maps it to a non-zero exit code. Whatever happens, every transport opened
// here has been closed (or forcibly released) by the time Run returns.
func (r *Runner) Run(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Configuring: resolve every requested name before opening anything.
	configs := make([]ServerConfig, 0, len(r.ServerNames))
	for _, name := range r.ServerNames {
		sc, err := r.Config.Server(name)
		if err != nil {
			return err
		}
		configs = append(configs, sc)
	}

	// Connecting: open transports in configured order. The deferred teardown
	// covers every exit path from here on, including a failed open partway
	// through the list.
	set := &SessionSet{}
	defer r.closeAll(set, logger)

	for i, sc := range configs {
		transport, err := sc.Open(ctx)
		if err != nil {
			return fmt.Errorf("failed to open transport for %q: %w", r.ServerNames[i], err)
		}

		var opts []SessionOption
		if r.ReadTimeout > 0 {
			opts = append(opts, WithSessionReadTimeout(r.ReadTimeout))
		}
		set.Add(NewSession(r.ServerNames[i], transport, r.clientInfo(), opts...))
	}

	// Handshaking: initialize each session; the AllowPartial policy decides
	// whether one failure dooms the run.
	ready := &SessionSet{}
	for _, sess := range set.Sessions() {
		if err := sess.Initialize(ctx); err != nil {
			if !r.AllowPartial {
				return fmt.Errorf("handshake with %q: %w", sess.Name(), err)
			}
			logger.Error("handshake failed, continuing without server",
				"server", sess.Name(), "err", err)
			continue
		}
		ready.Add(sess)
	}
	if set.Len() > 0 && ready.Len() == 0 {
		return errors.New("no server completed the handshake")
	}

	// Running.
	in := NewLineReader(r.In)
	d := NewDispatcher(ready, in, r.Out, r.Agent)

	if r.OneShot != "" {
		return r.runOnce(ctx, d)
	}
	return r.runInteractive(ctx, d, in)
}

func (r *Runner) runOnce(ctx context.Context, d *Dispatcher) error {
	cmd := ParseCommand(r.OneShot)
	if cmd.Kind == CommandUnknown {
		return fmt.Errorf("unknown command %q", r.OneShot)
	}

	results, err := d.Dispatch(ctx, cmd)
	if err != nil {
		return err
	}
	if results != nil && r.Render != nil {
		r.Render(results)
	}
	return nil
}

// runInteractive is the read-evaluate loop. A command error is reported and
// the loop continues; only quit, end-of-input, or cancellation end it.
func (r *Runner) runInteractive(ctx context.Context, d *Dispatcher, in *LineReader) error {
	fmt.Fprintln(r.Out, "Interactive MCP client. Type 'help' for available commands or 'quit' to exit.")

	for {
		fmt.Fprint(r.Out, "\n> ")

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

		cmd := ParseCommand(line)
		if cmd.Kind == CommandQuit {
			fmt.Fprintln(r.Out, "Goodbye!")
			return nil
		}

		results, err := d.Dispatch(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(r.Out, "Error executing command: %v\n", err)
			continue
		}
		if results != nil && r.Render != nil {
			r.Render(results)
		}
	}
}

// closeAll closes every opened session under the per-transport deadline.
// It runs on a fresh context: teardown must proceed even when the run
// context is already cancelled. Errors are logged and suppressed so the run
// always terminates.
func (r *Runner) closeAll(set *SessionSet, logger *slog.Logger) {
	timeout := r.CloseTimeout
	if timeout == 0 {
		timeout = time.Second
	}

	for _, sess := range set.Sessions() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := sess.Close(ctx); err != nil {
			logger.Error("failed to close session", "server", sess.Name(), "err", err)
		}
		cancel()
	}
}

func (r *Runner) clientInfo() Info {
	if r.ClientInfo.Name != "" {
		return r.ClientInfo
	}
	return Info{Name: "mcpcli", Version: "0.1.0"}
}
