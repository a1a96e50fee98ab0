package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("500ms",
// "1m") in config files.
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ArchiveConfig enables uploading transferred files to S3 or an
// S3-compatible store. An empty Bucket disables archiving.
type ArchiveConfig struct {
	Bucket       string `yaml:"bucket" toml:"bucket"`
	Prefix       string `yaml:"prefix" toml:"prefix"`
	Region       string `yaml:"region" toml:"region"`
	Endpoint     string `yaml:"endpoint" toml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style" toml:"use_path_style"`
}

// Enabled reports whether an archive destination is configured.
func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// Config is everything a run needs: where the instrument is, where files go
// and how long each wait lasts.
type Config struct {
	Resource     string `yaml:"resource" toml:"resource"`
	RemoteDir    string `yaml:"remote_dir" toml:"remote_dir"`
	LocalDir     string `yaml:"local_dir" toml:"local_dir"`
	VendorMarker string `yaml:"vendor_marker" toml:"vendor_marker"`
	Extension    string `yaml:"extension" toml:"extension"`
	SaveName     string `yaml:"save_name" toml:"save_name"`

	RetryBound      int      `yaml:"retry_bound" toml:"retry_bound"`
	FlushTimeout    Duration `yaml:"flush_timeout" toml:"flush_timeout"`
	FlushBackoff    Duration `yaml:"flush_backoff" toml:"flush_backoff"`
	WorkingTimeout  Duration `yaml:"working_timeout" toml:"working_timeout"`
	ChunkSize       int      `yaml:"chunk_size" toml:"chunk_size"`
	ResetSettle     Duration `yaml:"reset_settle" toml:"reset_settle"`
	AllowUnverified bool     `yaml:"allow_unverified" toml:"allow_unverified"`

	PollInterval        Duration `yaml:"poll_interval" toml:"poll_interval"`
	AcquisitionDeadline Duration `yaml:"acquisition_deadline" toml:"acquisition_deadline"`
	Cooldown            Duration `yaml:"cooldown" toml:"cooldown"`

	CWDSettle      Duration `yaml:"cwd_settle" toml:"cwd_settle"`
	ListingTimeout Duration `yaml:"listing_timeout" toml:"listing_timeout"`
	ListingSettle  Duration `yaml:"listing_settle" toml:"listing_settle"`

	Profile    string        `yaml:"profile" toml:"profile"`
	ReportName string        `yaml:"report_name" toml:"report_name"`
	Archive    ArchiveConfig `yaml:"archive" toml:"archive"`
}

// DefaultConfig returns the reference bench setup: a
// Tektronix scope on USB saving spreadsheets to C:/Silicon.
func DefaultConfig() Config {
	return Config{
		Resource:     "USB0::1689::1328::C047065::0::INSTR",
		RemoteDir:    "C:/Silicon",
		LocalDir:     "./Lab_Data_Transfer",
		VendorMarker: "TEKTRONIX",
		Extension:    ".csv",
		SaveName:     "run",

		RetryBound:      5,
		FlushTimeout:    D(500 * time.Millisecond),
		FlushBackoff:    D(time.Second),
		WorkingTimeout:  D(60 * time.Second),
		ChunkSize:       1024 * 1024,
		ResetSettle:     D(4 * time.Second),
		AllowUnverified: true,

		PollInterval: D(500 * time.Millisecond),
		Cooldown:     D(10 * time.Second),

		CWDSettle:      D(2 * time.Second),
		ListingTimeout: D(10 * time.Second),
		ListingSettle:  D(2 * time.Second),

		ReportName: "transfer-report.yaml",
	}
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file, expands
// ${VAR} environment references and overlays the result on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, configErrorf("", "config file not found: %s", path)
		}
		return Config{}, configErrorf("", "cannot read config file %q: %w", path, err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	cfg := DefaultConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return Config{}, configErrorf("", "invalid YAML in %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(expanded, &cfg); err != nil {
			return Config{}, configErrorf("", "invalid TOML in %s: %w", path, err)
		}
	default:
		return Config{}, configErrorf("", "unsupported config format %q (use .yaml or .toml)", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings and normalizes the extension filter.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Resource) == "":
		return configErrorf("resource", "must not be empty")
	case strings.TrimSpace(c.RemoteDir) == "":
		return configErrorf("remote_dir", "must not be empty")
	case strings.TrimSpace(c.LocalDir) == "":
		return configErrorf("local_dir", "must not be empty")
	case c.VendorMarker == "":
		return configErrorf("vendor_marker", "must not be empty")
	case c.RetryBound < 1:
		return configErrorf("retry_bound", "must be at least 1, got %d", c.RetryBound)
	case c.ChunkSize <= 0:
		return configErrorf("chunk_size", "must be positive, got %d", c.ChunkSize)
	case c.PollInterval.Duration <= 0:
		return configErrorf("poll_interval", "must be positive, got %s", c.PollInterval)
	case c.FlushTimeout.Duration <= 0:
		return configErrorf("flush_timeout", "must be positive, got %s", c.FlushTimeout)
	case c.WorkingTimeout.Duration <= 0:
		return configErrorf("working_timeout", "must be positive, got %s", c.WorkingTimeout)
	case c.ListingTimeout.Duration <= 0:
		return configErrorf("listing_timeout", "must be positive, got %s", c.ListingTimeout)
	case c.AcquisitionDeadline.Duration < 0:
		return configErrorf("acquisition_deadline", "must not be negative")
	}

	for name, d := range map[string]Duration{
		"flush_backoff":  c.FlushBackoff,
		"reset_settle":   c.ResetSettle,
		"cooldown":       c.Cooldown,
		"cwd_settle":     c.CWDSettle,
		"listing_settle": c.ListingSettle,
	} {
		if d.Duration < 0 {
			return configErrorf(name, "must not be negative, got %s", d)
		}
	}

	c.Extension = NormalizeExtension(c.Extension)
	return nil
}

// ProfileVars are the ${name} substitutions offered to configuration
// profiles.
func (c Config) ProfileVars() map[string]string {
	return map[string]string{
		"remote_dir": c.RemoteDir,
		"save_name":  c.SaveName,
	}
}

// NormalizeExtension lower-cases ext and makes sure it starts with a dot.
// An empty extension matches every file.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}

func (c Config) String() string {
	return fmt.Sprintf("resource=%s remote=%s local=%s", c.Resource, c.RemoteDir, c.LocalDir)
}
