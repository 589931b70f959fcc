// Package config contains the run configuration of speedtracker and the
// loader for its optional settings file.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a RunConfig fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// RunConfig is the configuration of a single run. It must not be modified
// once the run has started.
type RunConfig struct {
	// FrequencyMinutes is the period between the start of two trials.
	FrequencyMinutes float64
	// TotalDurationHours is the total length of the run.
	TotalDurationHours float64
	// RecordsPerFile selects the record file of a trial (id mod RecordsPerFile).
	RecordsPerFile int

	// Host and Port form the listen address of the command server.
	Host string
	Port int

	// DataDir is where record files are written.
	DataDir string
	// LogDir is where timestamped diagnostic log files are written.
	LogDir string

	// ProbeTimeout bounds a single trial. Zero means no timeout.
	ProbeTimeout time.Duration
}

// Validate checks that c can be used to start a run.
func (c RunConfig) Validate() error {
	if !(c.FrequencyMinutes > 0) || math.IsInf(c.FrequencyMinutes, 0) {
		return fmt.Errorf("%w: frequency must be a positive number of minutes, got %v",
			ErrInvalidConfig, c.FrequencyMinutes)
	}
	if !(c.TotalDurationHours > 0) || math.IsInf(c.TotalDurationHours, 0) {
		return fmt.Errorf("%w: duration must be a positive number of hours, got %v",
			ErrInvalidConfig, c.TotalDurationHours)
	}
	if c.RecordsPerFile <= 0 {
		return fmt.Errorf("%w: records per file must be positive, got %d",
			ErrInvalidConfig, c.RecordsPerFile)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.ProbeTimeout < 0 {
		return fmt.Errorf("%w: negative probe timeout %s", ErrInvalidConfig, c.ProbeTimeout)
	}
	return nil
}

// Period returns the interval between the start of two trials.
func (c RunConfig) Period() time.Duration {
	return time.Duration(c.FrequencyMinutes * float64(time.Minute))
}

// Duration returns the total length of the run.
func (c RunConfig) Duration() time.Duration {
	return time.Duration(c.TotalDurationHours * float64(time.Hour))
}

// NumberOfTrials returns floor(TotalDurationHours * 60 / FrequencyMinutes).
// It returns 0 for configurations that do not validate.
func (c RunConfig) NumberOfTrials() int {
	if c.Validate() != nil {
		return 0
	}
	return int(math.Floor(c.TotalDurationHours * 60 / c.FrequencyMinutes))
}

// ListenAddress returns the host:port the command server binds to.
func (c RunConfig) ListenAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Settings is the content of the settings file. The connection settings (ip
// and port) are always present in the file; every other field is
// optional and only used when the corresponding flag was not set.
type Settings struct {
	IP                 string   `yaml:"ip"`
	Port               int      `yaml:"port"`
	FrequencyMinutes   *float64 `yaml:"frequency_minutes,omitempty"`
	TotalDurationHours *float64 `yaml:"total_duration_hours,omitempty"`
	RecordsPerFile     *int     `yaml:"records_per_file,omitempty"`
}

// LoadSettings reads a YAML (or JSON) settings file.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: failed to parse settings file %s: %v",
			ErrInvalidConfig, path, err)
	}
	return &s, nil
}

// Apply copies the values found in s into c. Fields listed in explicit are
// left untouched, so values set on the command line take precedence.
func (s *Settings) Apply(c *RunConfig, explicit map[string]bool) {
	if s.IP != "" && !explicit["ip"] {
		c.Host = s.IP
	}
	if s.Port != 0 && !explicit["port"] {
		c.Port = s.Port
	}
	if s.FrequencyMinutes != nil && !explicit["frequency"] {
		c.FrequencyMinutes = *s.FrequencyMinutes
	}
	if s.TotalDurationHours != nil && !explicit["duration"] {
		c.TotalDurationHours = *s.TotalDurationHours
	}
	if s.RecordsPerFile != nil && !explicit["records-per-file"] {
		c.RecordsPerFile = *s.RecordsPerFile
	}
}
