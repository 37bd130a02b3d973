package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgtrace.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func validArgs() []string {
	return []string{"6432", "127.0.0.1", "5432", "/tmp/requests.log"}
}

func TestLoadArgsOnly(t *testing.T) {
	cfg, err := Load("", validArgs())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenPort != 6432 {
		t.Errorf("listen port = %d, want 6432", cfg.ListenPort)
	}
	if cfg.DBHost != "127.0.0.1" {
		t.Errorf("db host = %q, want 127.0.0.1", cfg.DBHost)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("db port = %d, want 5432", cfg.DBPort)
	}
	if cfg.LogFile != "/tmp/requests.log" {
		t.Errorf("log file = %q", cfg.LogFile)
	}

	// Defaults
	if cfg.Limits.MaxEgressBytes != 4<<20 {
		t.Errorf("max egress = %d, want %d", cfg.Limits.MaxEgressBytes, 4<<20)
	}
	if cfg.Limits.EpollBatch != 1024 {
		t.Errorf("epoll batch = %d, want 1024", cfg.Limits.EpollBatch)
	}
	if cfg.HealthCheck.Interval != 10*time.Second {
		t.Errorf("health interval = %v, want 10s", cfg.HealthCheck.Interval)
	}
	if cfg.Admin.Enabled() {
		t.Error("admin endpoint should be disabled by default")
	}
}

func TestLoadInvalidArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"too few", []string{"6432", "127.0.0.1", "5432"}, "expected 4 arguments"},
		{"too many", append(validArgs(), "extra"), "expected 4 arguments"},
		{"listen port not a number", []string{"x", "127.0.0.1", "5432", "a.log"}, "listen_port"},
		{"listen port zero", []string{"0", "127.0.0.1", "5432", "a.log"}, "out of range"},
		{"db port too large", []string{"6432", "127.0.0.1", "70000", "a.log"}, "out of range"},
		{"hostname not allowed", []string{"6432", "localhost", "5432", "a.log"}, "dotted-quad"},
		{"ipv6 not allowed", []string{"6432", "::1", "5432", "a.log"}, "dotted-quad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("", tt.args)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadYAMLTunables(t *testing.T) {
	path := writeTemp(t, `
admin:
  bind: 0.0.0.0
  port: 9090

limits:
  max_egress_bytes: 65536
  epoll_batch: 128

health_check:
  interval: 5s
  connection_timeout: 1s
  failure_threshold: 2
`)

	cfg, err := Load(path, validArgs())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.Admin.Enabled() || cfg.Admin.Port != 9090 || cfg.Admin.Bind != "0.0.0.0" {
		t.Errorf("admin = %+v", cfg.Admin)
	}
	if cfg.Limits.MaxEgressBytes != 65536 {
		t.Errorf("max egress = %d, want 65536", cfg.Limits.MaxEgressBytes)
	}
	if cfg.Limits.EpollBatch != 128 {
		t.Errorf("epoll batch = %d, want 128", cfg.Limits.EpollBatch)
	}
	if cfg.HealthCheck.Interval != 5*time.Second {
		t.Errorf("health interval = %v, want 5s", cfg.HealthCheck.Interval)
	}
	if cfg.HealthCheck.FailureThreshold != 2 {
		t.Errorf("failure threshold = %d, want 2", cfg.HealthCheck.FailureThreshold)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("PGTRACE_ADMIN_PORT", "8181")
	path := writeTemp(t, `
admin:
  port: ${PGTRACE_ADMIN_PORT}
`)

	cfg, err := Load(path, validArgs())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Admin.Port != 8181 {
		t.Errorf("admin port = %d, want 8181", cfg.Admin.Port)
	}
}

func TestLoadUnsetEnvVarKept(t *testing.T) {
	path := writeTemp(t, `
admin:
  bind: ${PGTRACE_UNSET_VAR_FOR_TEST}
`)

	cfg, err := Load(path, validArgs())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Admin.Bind != "${PGTRACE_UNSET_VAR_FOR_TEST}" {
		t.Errorf("bind = %q, unset vars should pass through verbatim", cfg.Admin.Bind)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeTemp(t, "admin: [not a mapping")
	if _, err := Load(path, validArgs()); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), validArgs()); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidateLimits(t *testing.T) {
	path := writeTemp(t, "limits:\n  max_egress_bytes: -2\n")
	if _, err := Load(path, validArgs()); err == nil {
		t.Fatal("expected an error for max_egress_bytes -2")
	}

	path = writeTemp(t, "limits:\n  max_egress_bytes: -1\n")
	cfg, err := Load(path, validArgs())
	if err != nil {
		t.Fatalf("-1 (uncapped) should validate: %v", err)
	}
	if cfg.Limits.MaxEgressBytes != -1 {
		t.Errorf("max egress = %d, want -1", cfg.Limits.MaxEgressBytes)
	}
}

func TestIsDottedQuadIPv4(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"255.255.255.255", true},
		{"256.0.0.1", false},
		{"1.2.3", false},
		{"1.2.3.4.5", false},
		{"example.com", false},
		{"::ffff:127.0.0.1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsDottedQuadIPv4(tt.host); got != tt.want {
			t.Errorf("IsDottedQuadIPv4(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
