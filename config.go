package kiln

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kiln-systems/kiln/internal/adapter/bambu"
	"github.com/kiln-systems/kiln/internal/adapter/elegoo"
	"github.com/kiln-systems/kiln/internal/adapter/klipper"
	"github.com/kiln-systems/kiln/internal/adapter/octoprint"
	"github.com/kiln-systems/kiln/internal/preflight"
	"github.com/kiln-systems/kiln/internal/scheduler"
	"github.com/kiln-systems/kiln/internal/webhook"
)

// Backend names a printer's adapter family.
type Backend string

const (
	BackendOctoPrint Backend = "octoprint"
	BackendKlipper   Backend = "klipper"
	BackendBambu     Backend = "bambu"
	BackendElegoo    Backend = "elegoo"
)

// PrinterSpec declares one printer to register at startup. Exactly one of
// the backend-specific config blocks must be set, matching Backend.
type PrinterSpec struct {
	Name      string          `yaml:"name"`
	Backend   Backend         `yaml:"backend"`
	ProfileID string          `yaml:"profile_id"`
	OctoPrint *octoprint.Config `yaml:"octoprint,omitempty"`
	Klipper   *klipper.Config   `yaml:"klipper,omitempty"`
	Bambu     *bambu.Config     `yaml:"bambu,omitempty"`
	Elegoo    *elegoo.Config    `yaml:"elegoo,omitempty"`
}

// Config is the public composition surface for New: a flat facade with one
// sub-config per subsystem.
type Config struct {
	// DBPath is the SQLite file backing internal/store. ":memory:" is valid
	// for tests but loses durability across restarts.
	DBPath string `yaml:"db_path"`
	// AuditHMACKey signs the audit hash chain. Must be set; there is
	// no insecure default.
	AuditHMACKey []byte `yaml:"audit_hmac_key"`

	Printers []PrinterSpec `yaml:"printers"`

	Scheduler         scheduler.Config `yaml:"scheduler"`
	Webhook           webhook.Config   `yaml:"webhook"`
	IdleHeaterTimeout time.Duration    `yaml:"idle_heater_timeout"`

	// MaterialsTracker is the external "is material M loaded on printer P"
	// view the router consults for jobs that declare a material. Set
	// programmatically by the embedding caller; nil means every material is
	// considered loaded everywhere.
	MaterialsTracker scheduler.MaterialsTracker `yaml:"-"`

	// MetricsBackend selects internal/metrics' implementation: "prometheus",
	// "otel", or "noop".
	MetricsBackend string `yaml:"metrics_backend"`

	// TraceSampleRatio, when > 0, installs a global OpenTelemetry
	// TracerProvider with a TraceIDRatioBased sampler at that fraction.
	// Zero leaves the ambient (noop) provider in place.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// SafetyProfileDir, if set, is watched for YAML profile override files
	// (one profile per file, keyed by SafetyProfile.ID) that take precedence
	// over the bundled dataset. Empty disables the watch.
	SafetyProfileDir string `yaml:"safety_profile_dir"`
	// WebhookSubscriptionsFile, if set, is watched and its contents
	// reconciled into the webhook dispatcher's subscription set on change.
	WebhookSubscriptionsFile string `yaml:"webhook_subscriptions_file"`
}

// Defaults returns conservative production defaults, one sub-config default
// per component.
func Defaults() Config {
	return Config{
		DBPath:            "kiln.db",
		Scheduler:         scheduler.DefaultConfig(),
		Webhook:           webhook.DefaultConfig(),
		IdleHeaterTimeout: preflight.DefaultIdleHeaterTimeout,
		MetricsBackend:    "prometheus",
	}
}

// ApplyDefaults fills zero-valued sub-configs with Defaults()'s values,
// without overwriting anything the caller already set.
func (c *Config) ApplyDefaults() {
	d := Defaults()
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	c.Scheduler = applySchedulerDefaults(c.Scheduler)
	c.Webhook = applyWebhookDefaults(c.Webhook)
	if c.IdleHeaterTimeout == 0 {
		c.IdleHeaterTimeout = d.IdleHeaterTimeout
	}
	if c.MetricsBackend == "" {
		c.MetricsBackend = d.MetricsBackend
	}
}

func applySchedulerDefaults(c scheduler.Config) scheduler.Config {
	d := scheduler.DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = d.DispatchInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

func applyWebhookDefaults(c webhook.Config) webhook.Config {
	d := webhook.DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = d.MaxRedirects
	}
	return c
}

// Validate rejects a Config that New cannot safely act on.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("kiln: config.DBPath must be set")
	}
	if len(c.AuditHMACKey) == 0 {
		return fmt.Errorf("kiln: config.AuditHMACKey must be set (no insecure default)")
	}
	switch c.MetricsBackend {
	case "prometheus", "otel", "noop":
	default:
		return fmt.Errorf("kiln: unknown metrics_backend %q", c.MetricsBackend)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("kiln: trace_sample_ratio must be in [0, 1], got %v", c.TraceSampleRatio)
	}
	seen := make(map[string]bool, len(c.Printers))
	for _, p := range c.Printers {
		if p.Name == "" {
			return fmt.Errorf("kiln: printer spec missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("kiln: duplicate printer name %q", p.Name)
		}
		seen[p.Name] = true
		if err := p.validateBackendBlock(); err != nil {
			return fmt.Errorf("kiln: printer %q: %w", p.Name, err)
		}
	}
	return nil
}

func (p PrinterSpec) validateBackendBlock() error {
	switch p.Backend {
	case BackendOctoPrint:
		if p.OctoPrint == nil {
			return fmt.Errorf("backend octoprint requires an octoprint config block")
		}
	case BackendKlipper:
		if p.Klipper == nil {
			return fmt.Errorf("backend klipper requires a klipper config block")
		}
	case BackendBambu:
		if p.Bambu == nil {
			return fmt.Errorf("backend bambu requires a bambu config block")
		}
	case BackendElegoo:
		if p.Elegoo == nil {
			return fmt.Errorf("backend elegoo requires an elegoo config block")
		}
	default:
		return fmt.Errorf("unknown backend %q", p.Backend)
	}
	return nil
}

// LoadConfig reads and parses a YAML config file, applies defaults, and
// validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("kiln: read config: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("kiln: parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
