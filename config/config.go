package config

import (
	"embed"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/klauspost/cpuid/v2"
	"gopkg.in/yaml.v3"

	"visit-counter/transport"
)

//go:embed presets/*.yaml
var presets embed.FS

type Config struct {
	Workers           int           `yaml:"workers"`
	Calibrate         bool          `yaml:"calibrate"`
	CalibrationDur    time.Duration `yaml:"calibration_duration"`
	CoordinatorFactor float64       `yaml:"coordinator_factor"`

	ReadWindow    int `yaml:"read_window"`
	PrescanBuffer int `yaml:"prescan_buffer"`
	WriteBuffer   int `yaml:"write_buffer"`

	DomainLength     int    `yaml:"domain_length"`
	DateWidth        int    `yaml:"date_width"`
	DateRangeYears   int    `yaml:"date_range_years"`
	DateRangeBufferM int    `yaml:"date_range_buffer_months"`
	OutputPrefix     string `yaml:"output_prefix"`

	Transport    string `yaml:"transport"`
	TempDir      string `yaml:"temp_dir"`
	CompressFile bool   `yaml:"compress_file"`
}

func Default() Config {
	return Config{
		Workers:           physicalCores(),
		Calibrate:         true,
		CalibrationDur:    50 * time.Millisecond,
		CoordinatorFactor: 0.8,
		ReadWindow:        16 << 20,
		PrescanBuffer:     256 << 10,
		WriteBuffer:       128 << 10,
		DomainLength:      25,
		DateWidth:         25,
		DateRangeYears:    5,
		DateRangeBufferM:  6,
		Transport:         transport.Socket,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Preset returns one of the embedded presets applied over the defaults.
func Preset(name string) (Config, error) {
	cfg := Default()
	b, err := presets.ReadFile("presets/" + name + ".yaml")
	if err != nil {
		return cfg, fmt.Errorf("unknown preset %q", name)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("preset %s: %w", name, err)
	}
	return cfg, cfg.Validate()
}

// Validate clamps tuning values to sane minimums and rejects settings the
// scanner cannot work with.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		c.Workers = physicalCores()
	}
	if c.CalibrationDur <= 0 {
		c.CalibrationDur = 50 * time.Millisecond
	}
	if c.CoordinatorFactor <= 0 || c.CoordinatorFactor > 1 {
		c.CoordinatorFactor = 0.8
	}
	if c.ReadWindow < 4096 {
		c.ReadWindow = 4096
	}
	if c.PrescanBuffer < 4096 {
		c.PrescanBuffer = 4096
	}
	if c.WriteBuffer < 4096 {
		c.WriteBuffer = 4096
	}
	if c.DomainLength < 0 {
		return fmt.Errorf("domain_length must be >= 0, got %d", c.DomainLength)
	}
	if c.DateWidth < 10 {
		return fmt.Errorf("date_width must be >= 10, got %d", c.DateWidth)
	}
	if c.DateRangeYears < 0 || c.DateRangeBufferM < 0 {
		return fmt.Errorf("date range must be non-negative")
	}
	switch c.Transport {
	case transport.Shm, transport.Socket, transport.File:
	case "":
		c.Transport = transport.Socket
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

// physicalCores falls back to logical CPUs when the topology is unknown.
func physicalCores() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 && n <= runtime.NumCPU() {
		return n
	}
	return runtime.NumCPU()
}
