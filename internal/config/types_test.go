package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crucible.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("DefaultConfig() is invalid: %v", err)
	}
}

func TestLoadFromFile_ValidConfig(t *testing.T) {
	path := writeConfig(t, `libvirt:
  socket: /run/libvirt/libvirt-sock
  timeout: 10s
exclusive:
  admission_timeout: 45s
tasks:
  timeout: 5m
  stop_grace: 90s
  qemu_img: /usr/libexec/qemu-img
directory:
  path: /srv/crucible/directory.db
  default_uuid: 6F1C1A52-2B1B-4A43-9C57-0C0D5D6F7A10
paths:
  state_dir: /srv/save/
  run_dir: /run/crucible
metrics:
  listen: ":9500"
log:
  level: DEBUG
  development: true
events:
  buffer: 4k
`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.Libvirt.Socket != "/run/libvirt/libvirt-sock" {
		t.Errorf("Expected socket override, got %q", config.Libvirt.Socket)
	}
	if config.Libvirt.Timeout != 10*time.Second {
		t.Errorf("Expected 10s timeout, got %s", config.Libvirt.Timeout)
	}
	if config.Exclusive.AdmissionTimeout != 45*time.Second {
		t.Errorf("Expected 45s admission timeout, got %s", config.Exclusive.AdmissionTimeout)
	}
	if config.Tasks.Timeout != 5*time.Minute || config.Tasks.StopGrace != 90*time.Second {
		t.Errorf("Unexpected task bounds %+v", config.Tasks)
	}
	if config.Tasks.QemuImg != "/usr/libexec/qemu-img" {
		t.Errorf("Expected qemu-img override, got %q", config.Tasks.QemuImg)
	}
	if config.Directory.DefaultUUID != "6f1c1a52-2b1b-4a43-9c57-0c0d5d6f7a10" {
		t.Errorf("Expected normalized default uuid, got %q", config.Directory.DefaultUUID)
	}
	if config.DefaultDirUUID().String() != "6f1c1a52-2b1b-4a43-9c57-0c0d5d6f7a10" {
		t.Errorf("Unexpected DefaultDirUUID %s", config.DefaultDirUUID())
	}
	if config.Paths.StateDir != "/srv/save" {
		t.Errorf("Expected cleaned state dir, got %q", config.Paths.StateDir)
	}
	if config.Log.Level != "debug" || !config.Log.Development {
		t.Errorf("Unexpected log config %+v", config.Log)
	}

	n, err := config.EventBufferSize()
	if err != nil {
		t.Fatalf("EventBufferSize failed: %v", err)
	}
	if n != 4000 {
		t.Errorf("Expected buffer 4000, got %d", n)
	}
	if config.PidFile() != "/run/crucible/crucible.pid" {
		t.Errorf("Unexpected pid file %q", config.PidFile())
	}
}

func TestLoadFromFile_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `metrics:
  listen: ""
`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	defaults := DefaultConfig()
	if config.Metrics.Listen != "" {
		t.Errorf("Expected metrics disabled, got %q", config.Metrics.Listen)
	}
	if config.Libvirt != defaults.Libvirt {
		t.Errorf("Expected default libvirt config, got %+v", config.Libvirt)
	}
	if config.Tasks != defaults.Tasks {
		t.Errorf("Expected default task config, got %+v", config.Tasks)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"invalid yaml", "libvirt: [", "failed to parse YAML"},
		{"bad duration", "tasks:\n  timeout: soon\n", "failed to parse YAML"},
		{"invalid config", "log:\n  level: loud\n", "invalid configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing file, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DaemonConfig)
		wantErr string
	}{
		{"empty socket", func(c *DaemonConfig) { c.Libvirt.Socket = "" }, "libvirt: socket is required"},
		{"relative socket", func(c *DaemonConfig) { c.Libvirt.Socket = "libvirt-sock" }, "absolute path"},
		{"zero libvirt timeout", func(c *DaemonConfig) { c.Libvirt.Timeout = 0 }, "libvirt: timeout"},
		{"negative admission", func(c *DaemonConfig) { c.Exclusive.AdmissionTimeout = -time.Second }, "admission_timeout"},
		{"zero task timeout", func(c *DaemonConfig) { c.Tasks.Timeout = 0 }, "tasks: timeout"},
		{"grace over timeout", func(c *DaemonConfig) { c.Tasks.StopGrace = 10 * time.Minute }, "must not exceed"},
		{"empty db path", func(c *DaemonConfig) { c.Directory.Path = "" }, "directory: path is required"},
		{"bad default uuid", func(c *DaemonConfig) { c.Directory.DefaultUUID = "nope" }, "default_uuid"},
		{"empty state dir", func(c *DaemonConfig) { c.Paths.StateDir = "" }, "state_dir"},
		{"empty run dir", func(c *DaemonConfig) { c.Paths.RunDir = "" }, "run_dir"},
		{"bad listen", func(c *DaemonConfig) { c.Metrics.Listen = "localhost" }, "metrics"},
		{"bad level", func(c *DaemonConfig) { c.Log.Level = "trace" }, "log: level"},
		{"empty buffer", func(c *DaemonConfig) { c.Events.Buffer = "" }, "events: buffer is required"},
		{"bad buffer", func(c *DaemonConfig) { c.Events.Buffer = "lots" }, "events: invalid buffer"},
		{"huge buffer", func(c *DaemonConfig) { c.Events.Buffer = "10G" }, "between"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	config := DefaultConfig()
	config.Log.Level = "  WARN "
	config.Events.Buffer = " 512 "
	config.Paths.RunDir = "/run//crucible/"

	config.Normalize()

	if config.Log.Level != "warn" {
		t.Errorf("Level: expected %q, got %q", "warn", config.Log.Level)
	}
	if config.Events.Buffer != "512" {
		t.Errorf("Buffer: expected %q, got %q", "512", config.Events.Buffer)
	}
	if config.Paths.RunDir != "/run/crucible" {
		t.Errorf("RunDir: expected %q, got %q", "/run/crucible", config.Paths.RunDir)
	}
}
