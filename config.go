package mcpcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// ErrServerNotConfigured is returned when a requested server name is absent
// from the configuration file. It is fatal: no transport is opened for a run
// that names an unknown server.
var ErrServerNotConfigured = errors.New("server not configured")

// ServerConfig identifies one server and the transport used to reach it:
// a subprocess command for the stdio transport, or an HTTP endpoint for the
// SSE transport. Exactly one of the two forms must be populated. A
// ServerConfig is immutable once loaded and is consumed exactly once to open
// a Transport.
type ServerConfig struct {
	// Command, Args and Env describe a subprocess for the stdio transport.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Endpoint is the SSE connect URL for the streaming transport.
	Endpoint string `json:"endpoint,omitempty"`
}

// Open builds the Transport this config describes. The ctx bounds only the
// SSE stream negotiation; a subprocess spawn is not cancellable midway.
func (sc ServerConfig) Open(ctx context.Context) (Transport, error) {
	switch {
	case sc.Command != "":
		return OpenStdIO(sc)
	case sc.Endpoint != "":
		return OpenSSE(ctx, sc, nil)
	default:
		return nil, errors.New("server config must set either command or endpoint")
	}
}

// Config maps server names to their connection parameters, loaded once from
// the operator-supplied configuration file.
type Config struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// LoadConfig reads and decodes the JSON configuration file at path.
func LoadConfig(path string) (Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(bs, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// ServerNames returns every configured server name in sorted order, so a run
// over "all servers" is deterministic.
func (c Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Server returns the configuration for the named server, or
// ErrServerNotConfigured when the name is absent.
func (c Config) Server(name string) (ServerConfig, error) {
	sc, ok := c.Servers[name]
	if !ok {
		return ServerConfig{}, fmt.Errorf("%w: %q", ErrServerNotConfigured, name)
	}
	return sc, nil
}
