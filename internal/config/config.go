package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/abacus-daq/internal/domain/abacus"
	"github.com/oshokin/abacus-daq/internal/logger"
)

// Config holds the acquisition settings shared by the abacus commands.
type Config struct {
	// Port is the serial port of the counter; empty means auto-discover.
	Port string `yaml:"port"`
	// BaudRate is the serial line speed.
	BaudRate int `yaml:"baud_rate"`
	// ProtocolTimeout bounds one request/response exchange with the counter.
	ProtocolTimeout time.Duration `yaml:"protocol_timeout"`
	// SamplingMs is the initial sampling interval in milliseconds.
	SamplingMs int `yaml:"sampling_ms"`
	// CoincidenceWindowNs is the initial coincidence window in nanoseconds.
	CoincidenceWindowNs int `yaml:"coincidence_window_ns"`
	// DelaysNs sets detector delays in nanoseconds by channel, e.g. {A: 5}.
	// Channels left out keep the counter's own values.
	DelaysNs map[string]int `yaml:"delays_ns,omitempty"`
	// SleepsNs sets detector sleep times in nanoseconds by channel.
	SleepsNs map[string]int `yaml:"sleeps_ns,omitempty"`
	// Topology selects the streamed detector and coincidence channels.
	Topology abacus.Topology `yaml:",inline"`
	// OutputFile is the data file; the params ledger is derived from it.
	OutputFile string `yaml:"output_file"`
	// UseDatetime appends the session start time to the output file name.
	UseDatetime bool `yaml:"use_datetime"`
	// Delimiter separates data file columns.
	Delimiter string `yaml:"delimiter"`
	// BufferRows is the number of rows kept live in memory for display.
	BufferRows int `yaml:"buffer_rows"`
	// PlotFloor is the fastest plot refresh interval.
	PlotFloor time.Duration `yaml:"plot_floor"`
	// LabelFloor is the fastest label refresh interval.
	LabelFloor time.Duration `yaml:"label_floor"`
	// CheckInterval is the fixed health check interval.
	CheckInterval time.Duration `yaml:"check_interval"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

const (
	// DefaultConfigFilename is the default filename for acquisition settings.
	DefaultConfigFilename = "abacus-settings.yaml"

	// DefaultOutputFile is the data file used when none is configured.
	DefaultOutputFile = "abacus-data.dat"

	// DefaultBaudRate is the counter's factory line speed.
	DefaultBaudRate = 115200

	// DefaultProtocolTimeout bounds one exchange with the counter.
	DefaultProtocolTimeout = 250 * time.Millisecond

	// DefaultDelimiter separates data file columns.
	DefaultDelimiter = ","

	// DefaultBufferRows is the live window size.
	DefaultBufferRows = 100

	// DefaultPlotFloor is the fastest plot refresh interval.
	DefaultPlotFloor = 100 * time.Millisecond

	// DefaultLabelFloor is the fastest label refresh interval.
	DefaultLabelFloor = 200 * time.Millisecond

	// DefaultCheckInterval is the health check interval.
	DefaultCheckInterval = time.Second

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// maxBufferRows keeps the live window within a sane memory bound.
	maxBufferRows = 1_000_000
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errInvalidDelimiter is returned for empty or multi-character delimiters.
	errInvalidDelimiter = errors.New("delimiter must be a single character")
	// errInvalidDuration is returned for non-positive timer settings.
	errInvalidDuration = errors.New("duration must be positive")
	// errInvalidBufferRows is returned when the live window size is out of range.
	errInvalidBufferRows = errors.New("buffer_rows out of range")
	// errInvalidBaudRate is returned for non-positive baud rates.
	errInvalidBaudRate = errors.New("baud_rate must be positive")
	// errInvalidLogLevel is returned for unknown log levels.
	errInvalidLogLevel = errors.New("unknown log level")
)

// Default returns the settings the counter ships with.
func Default() *Config {
	return &Config{
		BaudRate:            DefaultBaudRate,
		ProtocolTimeout:     DefaultProtocolTimeout,
		SamplingMs:          abacus.SamplingDefaultValue,
		CoincidenceWindowNs: abacus.CoincidenceWindowDefaultValue,
		Topology: abacus.Topology{
			Detectors:    []string{"A", "B"},
			Coincidences: []string{"AB"},
		},
		OutputFile:    DefaultOutputFile,
		Delimiter:     DefaultDelimiter,
		BufferRows:    DefaultBufferRows,
		PlotFloor:     DefaultPlotFloor,
		LabelFloor:    DefaultLabelFloor,
		CheckInterval: DefaultCheckInterval,
		LogLevel:      "info",
	}
}

// Load reads configuration from the provided path and validates it.
// Keys missing from the file keep their defaults; unknown keys are rejected.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes Config to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks every setting against the counter's limits and fills
// zero-valued optional fields with defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	applyDefaults(cfg)

	if cfg.BaudRate <= 0 {
		return fmt.Errorf("%w: %d", errInvalidBaudRate, cfg.BaudRate)
	}

	if err := abacus.ValidateSampling(cfg.SamplingMs); err != nil {
		return fmt.Errorf("sampling_ms: %w", err)
	}

	if err := abacus.ValidateCoincidenceWindow(cfg.CoincidenceWindowNs); err != nil {
		return fmt.Errorf("coincidence_window_ns: %w", err)
	}

	for _, kind := range abacus.TimerKinds {
		timers, err := validateTimers(kind, cfg.Timers(kind))
		if err != nil {
			return fmt.Errorf("%ss_ns: %w", kind, err)
		}

		cfg.setTimers(kind, timers)
	}

	if err := cfg.Topology.Validate(); err != nil {
		return fmt.Errorf("topology: %w", err)
	}

	if utf8.RuneCountInString(cfg.Delimiter) != 1 || cfg.Delimiter == "\n" {
		return fmt.Errorf("%w: %q", errInvalidDelimiter, cfg.Delimiter)
	}

	if cfg.BufferRows < 1 || cfg.BufferRows > maxBufferRows {
		return fmt.Errorf("%w: %d", errInvalidBufferRows, cfg.BufferRows)
	}

	for name, d := range map[string]time.Duration{
		"protocol_timeout": cfg.ProtocolTimeout,
		"plot_floor":       cfg.PlotFloor,
		"label_floor":      cfg.LabelFloor,
		"check_interval":   cfg.CheckInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s: %w", name, errInvalidDuration)
		}
	}

	if _, ok := logger.ParseLogLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("%w: %q", errInvalidLogLevel, cfg.LogLevel)
	}

	return nil
}

// validateTimers checks every channel and value and returns the timers keyed
// by canonical channel names.
func validateTimers(kind abacus.TimerKind, timers map[string]int) (map[string]int, error) {
	if len(timers) == 0 {
		return nil, nil //nolint:nilnil // No timers configured.
	}

	canonical := make(map[string]int, len(timers))

	for channel, ns := range timers {
		detector, err := abacus.DetectorIndex(channel)
		if err != nil {
			return nil, err
		}

		if err := abacus.ValidateTimer(kind, ns); err != nil {
			return nil, fmt.Errorf("%s: %w", channel, err)
		}

		canonical[abacus.DetectorChannels[detector]] = ns
	}

	return canonical, nil
}

// Timers returns the configured per-channel values of kind.
func (c *Config) Timers(kind abacus.TimerKind) map[string]int {
	if kind == abacus.TimerSleep {
		return c.SleepsNs
	}

	return c.DelaysNs
}

// setTimers replaces the configured values of kind.
func (c *Config) setTimers(kind abacus.TimerKind, timers map[string]int) {
	if kind == abacus.TimerSleep {
		c.SleepsNs = timers
	} else {
		c.DelaysNs = timers
	}
}

// applyDefaults fills zero values of optional settings.
func applyDefaults(cfg *Config) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}

	if cfg.ProtocolTimeout == 0 {
		cfg.ProtocolTimeout = DefaultProtocolTimeout
	}

	if cfg.OutputFile == "" {
		cfg.OutputFile = DefaultOutputFile
	}

	if cfg.Delimiter == "" {
		cfg.Delimiter = DefaultDelimiter
	}

	if cfg.PlotFloor == 0 {
		cfg.PlotFloor = DefaultPlotFloor
	}

	if cfg.LabelFloor == 0 {
		cfg.LabelFloor = DefaultLabelFloor
	}

	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// datetimeLayout is appended to the output file name when UseDatetime is set.
const datetimeLayout = "20060102-150405"

// OutputPath returns the data file path for a session that started at
// started, with the start time inserted before the extension if requested.
func (c *Config) OutputPath(started time.Time) string {
	if !c.UseDatetime {
		return c.OutputFile
	}

	ext := filepath.Ext(c.OutputFile)

	return strings.TrimSuffix(c.OutputFile, ext) + "_" + started.Format(datetimeLayout) + ext
}
