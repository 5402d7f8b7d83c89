package mcpcli_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MegaGrindStone/mcpcli"
	"github.com/google/go-cmp/cmp"
)

const testConfigJSON = `{
  "mcpServers": {
    "sqlite": {
      "command": "uvx",
      "args": ["mcp-server-sqlite", "--db-path", "test.db"],
      "env": {"LOG_LEVEL": "debug"}
    },
    "remote": {
      "endpoint": "http://localhost:8080/sse"
    }
  }
}`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server_config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := mcpcli.LoadConfig(writeTestConfig(t, testConfigJSON))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	sqlite, err := cfg.Server("sqlite")
	if err != nil {
		t.Fatalf("failed to resolve sqlite server: %v", err)
	}
	if sqlite.Command != "uvx" {
		t.Errorf("command = %q, want %q", sqlite.Command, "uvx")
	}
	wantArgs := []string{"mcp-server-sqlite", "--db-path", "test.db"}
	if diff := cmp.Diff(wantArgs, sqlite.Args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if sqlite.Env["LOG_LEVEL"] != "debug" {
		t.Errorf("env = %v, missing LOG_LEVEL", sqlite.Env)
	}

	remote, err := cfg.Server("remote")
	if err != nil {
		t.Fatalf("failed to resolve remote server: %v", err)
	}
	if remote.Endpoint != "http://localhost:8080/sse" {
		t.Errorf("endpoint = %q", remote.Endpoint)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := mcpcli.LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfigMalformedJSON(t *testing.T) {
	_, err := mcpcli.LoadConfig(writeTestConfig(t, "{not json"))
	if err == nil {
		t.Fatal("expected error for malformed config file")
	}
}

func TestConfigServerNotConfigured(t *testing.T) {
	cfg, err := mcpcli.LoadConfig(writeTestConfig(t, testConfigJSON))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	_, err = cfg.Server("nope")
	if !errors.Is(err, mcpcli.ErrServerNotConfigured) {
		t.Errorf("unknown server = %v, want ErrServerNotConfigured", err)
	}
}

func TestConfigServerNamesSorted(t *testing.T) {
	cfg, err := mcpcli.LoadConfig(writeTestConfig(t, testConfigJSON))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	want := []string{"remote", "sqlite"}
	if diff := cmp.Diff(want, cfg.ServerNames()); diff != "" {
		t.Errorf("server names mismatch (-want +got):\n%s", diff)
	}
}

func TestServerConfigOpenRequiresTransportForm(t *testing.T) {
	_, err := mcpcli.ServerConfig{}.Open(context.Background())
	if err == nil {
		t.Fatal("expected error for config without command or endpoint")
	}
}
