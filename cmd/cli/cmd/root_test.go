package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func writeCLIConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "poolctl.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig_Precedence(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     string
		wantURL string
	}{
		{name: "Flag Default", wantURL: "http://localhost:6161"},
		{name: "Config File", file: "url: http://from-file:9999\n", wantURL: "http://from-file:9999"},
		{name: "Env Beats File", file: "url: http://from-file:9999\n", env: "http://from-env:8080", wantURL: "http://from-env:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			resetFlags(rootCmd)
			t.Setenv("HOME", t.TempDir())
			if tt.env != "" {
				t.Setenv("POOLPLANE_URL", tt.env)
			}
			if tt.file != "" {
				cfgFile = writeCLIConfig(t, tt.file)
				defer func() { cfgFile = "" }()
			}

			if err := loadConfig(); err != nil {
				t.Fatalf("loadConfig() error = %v", err)
			}
			if got := newClient().BaseURL; got != tt.wantURL {
				t.Errorf("expected %s, got %s", tt.wantURL, got)
			}
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	viper.Reset()
	cfgFile = filepath.Join(t.TempDir(), "absent.yaml")
	defer func() { cfgFile = "" }()

	if err := loadConfig(); err == nil {
		t.Error("expected error for a --config file that does not exist")
	}
}

func TestNewClient_Timeout(t *testing.T) {
	resetViper()
	viper.Set("timeout", "5s")

	if got := newClient().HTTPClient.Timeout; got != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", got)
	}
}

func TestRootCommand_Help(t *testing.T) {
	if _, err := executeCommand(t, "", "--help"); err != nil {
		t.Errorf("--help should not fail: %v", err)
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	registered := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range []string{"pool", "submit", "status", "logs"} {
		if !registered[name] {
			t.Errorf("expected %q subcommand to be registered", name)
		}
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	resetViper()
	resetFlags(rootCmd)
	rootCmd.SetArgs([]string{"unknown-command-xyz"})

	if err := Execute(); err == nil {
		t.Error("expected error for unknown command")
	}
}
