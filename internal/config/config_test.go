package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Relay.Listen != "0.0.0.0:7835" {
		t.Errorf("Relay.Listen = %s, want 0.0.0.0:7835", cfg.Relay.Listen)
	}
	if cfg.Relay.PortRange.Min != 40000 || cfg.Relay.PortRange.Max != 50000 {
		t.Errorf("Relay.PortRange = %d-%d, want 40000-50000", cfg.Relay.PortRange.Min, cfg.Relay.PortRange.Max)
	}
	if cfg.Relay.ConnTTL != 65*time.Second {
		t.Errorf("Relay.ConnTTL = %v, want 65s", cfg.Relay.ConnTTL)
	}
	if cfg.Relay.AllowUnsafe {
		t.Error("Relay.AllowUnsafe = true, want false")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Health.Enabled {
		t.Error("Health.Enabled = true, want false")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
relay:
  listen: "127.0.0.1:7835"
  port_range:
    min: 60000
    max: 60100
  conn_ttl: 30s
  sweep_interval: 2s
  max_connections: 64
  allow_unsafe: true
  upstream: "10.0.0.5:51820"
  hello_rate: 10
  hello_burst: 20
  hello_window: 10s

auth:
  users_file: "/etc/metroo/users.yaml"

log:
  level: "debug"
  format: "json"

health:
  enabled: true
  address: "127.0.0.1:9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Relay.Listen != "127.0.0.1:7835" {
		t.Errorf("Relay.Listen = %s", cfg.Relay.Listen)
	}
	if cfg.Relay.PortRange.Min != 60000 || cfg.Relay.PortRange.Max != 60100 {
		t.Errorf("Relay.PortRange = %+v", cfg.Relay.PortRange)
	}
	if cfg.Relay.ConnTTL != 30*time.Second {
		t.Errorf("Relay.ConnTTL = %v, want 30s", cfg.Relay.ConnTTL)
	}
	if cfg.Relay.SweepInterval != 2*time.Second {
		t.Errorf("Relay.SweepInterval = %v, want 2s", cfg.Relay.SweepInterval)
	}
	if cfg.Relay.MaxConnections != 64 {
		t.Errorf("Relay.MaxConnections = %d, want 64", cfg.Relay.MaxConnections)
	}
	if !cfg.Relay.AllowUnsafe {
		t.Error("Relay.AllowUnsafe = false, want true")
	}
	if cfg.Relay.Upstream != "10.0.0.5:51820" {
		t.Errorf("Relay.Upstream = %s", cfg.Relay.Upstream)
	}
	if cfg.Relay.HelloRate != 10 || cfg.Relay.HelloBurst != 20 {
		t.Errorf("hello rate/burst = %v/%d, want 10/20", cfg.Relay.HelloRate, cfg.Relay.HelloBurst)
	}
	if cfg.Relay.HelloWindow != 10*time.Second {
		t.Errorf("Relay.HelloWindow = %v, want 10s", cfg.Relay.HelloWindow)
	}
	if cfg.Auth.UsersFile != "/etc/metroo/users.yaml" {
		t.Errorf("Auth.UsersFile = %s", cfg.Auth.UsersFile)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if !cfg.Health.Enabled || cfg.Health.Address != "127.0.0.1:9090" {
		t.Errorf("Health = %+v", cfg.Health)
	}
	// Unset fields keep their defaults
	if cfg.Health.ReadTimeout != 10*time.Second {
		t.Errorf("Health.ReadTimeout = %v, want 10s (default)", cfg.Health.ReadTimeout)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte("auth:\n  users_file: users.yaml\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Relay.ConnTTL != 65*time.Second {
		t.Errorf("Relay.ConnTTL = %v, want 65s (default)", cfg.Relay.ConnTTL)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %s, want text (default)", cfg.Log.Format)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
relay:
  listen: "0.0.0.0:7835"
  invalid yaml here [
`

	if _, err := Parse([]byte(yamlConfig)); err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "empty port range",
			yaml:      "relay:\n  port_range:\n    min: 5000\n    max: 4000\n",
			wantError: "relay.port_range is empty",
		},
		{
			name:      "zero min port",
			yaml:      "relay:\n  port_range:\n    min: 0\n    max: 4000\n",
			wantError: "relay.port_range.min must be positive",
		},
		{
			name:      "bad listen address",
			yaml:      "relay:\n  listen: \"7835\"\n",
			wantError: "relay.listen",
		},
		{
			name:      "bad upstream",
			yaml:      "relay:\n  upstream: \"nowhere\"\n",
			wantError: "relay.upstream",
		},
		{
			name:      "zero ttl",
			yaml:      "relay:\n  conn_ttl: 0s\n",
			wantError: "relay.conn_ttl must be positive",
		},
		{
			name:      "negative max connections",
			yaml:      "relay:\n  max_connections: -1\n",
			wantError: "relay.max_connections",
		},
		{
			name:      "rate without burst",
			yaml:      "relay:\n  hello_rate: 5\n  hello_burst: 0\n",
			wantError: "relay.hello_burst",
		},
		{
			name:      "zero hello window",
			yaml:      "relay:\n  hello_window: 0s\n",
			wantError: "relay.hello_window must be positive",
		},
		{
			name:      "negative socket buffer",
			yaml:      "relay:\n  socket_buffer: -1\n",
			wantError: "relay.socket_buffer",
		},
		{
			name:      "tos out of range",
			yaml:      "relay:\n  tos: 256\n",
			wantError: "relay.tos",
		},
		{
			name:      "missing users file",
			yaml:      "auth:\n  users_file: \"\"\n",
			wantError: "auth.users_file is required",
		},
		{
			name:      "invalid log level",
			yaml:      "log:\n  level: verbose\n",
			wantError: "invalid log.level",
		},
		{
			name:      "invalid log format",
			yaml:      "log:\n  format: xml\n",
			wantError: "invalid log.format",
		},
		{
			name:      "health without address",
			yaml:      "health:\n  enabled: true\n  address: \"\"\n",
			wantError: "health.address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("error = %v, want substring %q", err, tt.wantError)
			}
		})
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Auth.UsersFile = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, want := range []string{"invalid log.level", "auth.users_file is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("METROO_TEST_UPSTREAM", "10.1.1.1:9000")
	os.Unsetenv("METROO_TEST_UNSET")

	tests := []struct {
		input string
		want  string
	}{
		{"${METROO_TEST_UPSTREAM}", "10.1.1.1:9000"},
		{"$METROO_TEST_UPSTREAM", "10.1.1.1:9000"},
		{"${METROO_TEST_UNSET:-fallback}", "fallback"},
		{"${METROO_TEST_UPSTREAM:-fallback}", "10.1.1.1:9000"},
		{"${METROO_TEST_UNSET}", "${METROO_TEST_UNSET}"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		if got := ExpandEnv(tt.input); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("METROO_TEST_USERS", "/srv/users.yaml")

	cfg, err := Parse([]byte("auth:\n  users_file: \"${METROO_TEST_USERS}\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Auth.UsersFile != "/srv/users.yaml" {
		t.Errorf("Auth.UsersFile = %s, want /srv/users.yaml", cfg.Auth.UsersFile)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s, want warn", cfg.Log.Level)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load() should fail for missing file")
	}
}

func TestString(t *testing.T) {
	s := Default().String()
	if !strings.Contains(s, "0.0.0.0:7835") {
		t.Errorf("String() missing listen address:\n%s", s)
	}
}
