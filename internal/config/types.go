package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DaemonConfig represents the complete dispatcher configuration.
type DaemonConfig struct {
	Libvirt   LibvirtConfig   `yaml:"libvirt"`
	Exclusive ExclusiveConfig `yaml:"exclusive"`
	Tasks     TaskConfig      `yaml:"tasks"`
	Directory DirectoryConfig `yaml:"directory"`
	Paths     PathsConfig     `yaml:"paths"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	Events    EventsConfig    `yaml:"events"`
}

// LibvirtConfig defines the connection to the local libvirt daemon.
type LibvirtConfig struct {
	Socket  string        `yaml:"socket"`
	Timeout time.Duration `yaml:"timeout"`
}

// ExclusiveConfig tunes operation admission.
type ExclusiveConfig struct {
	// AdmissionTimeout bounds the wait for a short-lived blocking operation.
	AdmissionTimeout time.Duration `yaml:"admission_timeout"`
}

// TaskConfig bounds the lifecycle tasks.
type TaskConfig struct {
	// Timeout bounds the wait for the agent to confirm a transition.
	Timeout time.Duration `yaml:"timeout"`
	// StopGrace is how long a graceful stop may take before the domain is
	// destroyed.
	StopGrace time.Duration `yaml:"stop_grace"`
	// QemuImg is the qemu-img binary used to compact disks.
	QemuImg string `yaml:"qemu_img"`
}

// DirectoryConfig locates the persisted VM directory listing.
type DirectoryConfig struct {
	Path string `yaml:"path"`
	// DefaultUUID is the directory assigned to domains that carry no
	// dispatcher record.
	DefaultUUID string `yaml:"default_uuid"`
}

// PathsConfig holds host paths used by the daemon.
type PathsConfig struct {
	// StateDir holds libvirt managed-save images (<name>.save).
	StateDir string `yaml:"state_dir"`
	// RunDir holds the daemon's pid lock file.
	RunDir string `yaml:"run_dir"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address served; empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// LogConfig selects logger verbosity and encoding.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development,omitempty"`
}

// EventsConfig sizes the agent event queue.
type EventsConfig struct {
	// Buffer is the number of queued raw events, as a human size
	// ("512", "4k").
	Buffer string `yaml:"buffer"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *DaemonConfig {
	return &DaemonConfig{
		Libvirt: LibvirtConfig{
			Socket:  "/var/run/libvirt/libvirt-sock",
			Timeout: 5 * time.Second,
		},
		Exclusive: ExclusiveConfig{
			AdmissionTimeout: 30 * time.Second,
		},
		Tasks: TaskConfig{
			Timeout:   2 * time.Minute,
			StopGrace: 60 * time.Second,
			QemuImg:   "qemu-img",
		},
		Directory: DirectoryConfig{
			Path:        "/var/lib/crucible/directory.db",
			DefaultUUID: "00000000-0000-0000-0000-000000000000",
		},
		Paths: PathsConfig{
			StateDir: "/var/lib/libvirt/qemu/save",
			RunDir:   "/run/crucible",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level: "info",
		},
		Events: EventsConfig{
			Buffer: "1k",
		},
	}
}

// Normalize sanitizes user input to consistent formats.
// This is called automatically by LoadFromFile before validation.
func (c *DaemonConfig) Normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Directory.DefaultUUID = strings.ToLower(strings.TrimSpace(c.Directory.DefaultUUID))
	c.Events.Buffer = strings.TrimSpace(c.Events.Buffer)

	if c.Paths.StateDir != "" {
		c.Paths.StateDir = filepath.Clean(c.Paths.StateDir)
	}
	if c.Paths.RunDir != "" {
		c.Paths.RunDir = filepath.Clean(c.Paths.RunDir)
	}
}

// Validate checks the configuration for errors.
func (c *DaemonConfig) Validate() error {
	if err := c.Libvirt.Validate(); err != nil {
		return fmt.Errorf("libvirt: %w", err)
	}
	if c.Exclusive.AdmissionTimeout < 0 {
		return fmt.Errorf("exclusive: admission_timeout must be >= 0, got %s", c.Exclusive.AdmissionTimeout)
	}
	if err := c.Tasks.Validate(); err != nil {
		return fmt.Errorf("tasks: %w", err)
	}
	if err := c.Directory.Validate(); err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths: state_dir is required")
	}
	if c.Paths.RunDir == "" {
		return fmt.Errorf("paths: run_dir is required")
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics: invalid listen address %q: %w", c.Metrics.Listen, err)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if _, err := c.EventBufferSize(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	return nil
}

// Validate checks the libvirt connection settings.
func (l *LibvirtConfig) Validate() error {
	if l.Socket == "" {
		return fmt.Errorf("socket is required")
	}
	if !filepath.IsAbs(l.Socket) {
		return fmt.Errorf("socket must be an absolute path, got %q", l.Socket)
	}
	if l.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %s", l.Timeout)
	}
	return nil
}

// Validate checks the task bounds.
func (t *TaskConfig) Validate() error {
	if t.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %s", t.Timeout)
	}
	if t.StopGrace <= 0 {
		return fmt.Errorf("stop_grace must be > 0, got %s", t.StopGrace)
	}
	if t.StopGrace > t.Timeout {
		return fmt.Errorf("stop_grace (%s) must not exceed timeout (%s)", t.StopGrace, t.Timeout)
	}
	return nil
}

// Validate checks the directory settings.
func (d *DirectoryConfig) Validate() error {
	if d.Path == "" {
		return fmt.Errorf("path is required")
	}
	if _, err := uuid.Parse(d.DefaultUUID); err != nil {
		return fmt.Errorf("invalid default_uuid %q: %w", d.DefaultUUID, err)
	}
	return nil
}

// DefaultDirUUID returns the parsed default directory uuid. Call it only
// on a validated configuration.
func (c *DaemonConfig) DefaultDirUUID() uuid.UUID {
	return uuid.MustParse(c.Directory.DefaultUUID)
}

// EventBufferSize parses the event queue size.
func (c *DaemonConfig) EventBufferSize() (int, error) {
	if c.Events.Buffer == "" {
		return 0, fmt.Errorf("buffer is required")
	}
	n, err := units.FromHumanSize(c.Events.Buffer)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer %q: %w", c.Events.Buffer, err)
	}
	if n <= 0 || n > 1<<20 {
		return 0, fmt.Errorf("buffer must be between 1 and 1M, got %d", n)
	}
	return int(n), nil
}

// PidFile returns the path of the single-instance lock file.
func (c *DaemonConfig) PidFile() string {
	return filepath.Join(c.Paths.RunDir, "crucible.pid")
}

// LoadFromFile loads a daemon configuration from a YAML file. Keys absent
// from the file keep their DefaultConfig values.
func LoadFromFile(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}
