package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
)

func validConfig() RunConfig {
	return RunConfig{
		FrequencyMinutes:   15,
		TotalDurationHours: 2,
		RecordsPerFile:     4,
		Host:               "127.0.0.1",
		Port:               5050,
	}
}

func TestRunConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *RunConfig)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(c *RunConfig) {},
		},
		{
			name:    "zero-frequency",
			mutate:  func(c *RunConfig) { c.FrequencyMinutes = 0 },
			wantErr: true,
		},
		{
			name:    "negative-duration",
			mutate:  func(c *RunConfig) { c.TotalDurationHours = -1 },
			wantErr: true,
		},
		{
			name:    "zero-records-per-file",
			mutate:  func(c *RunConfig) { c.RecordsPerFile = 0 },
			wantErr: true,
		},
		{
			name:    "invalid-port",
			mutate:  func(c *RunConfig) { c.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "negative-timeout",
			mutate:  func(c *RunConfig) { c.ProbeTimeout = -time.Second },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() returned %v, not wrapping ErrInvalidConfig", err)
			}
		})
	}
}

func TestRunConfig_NumberOfTrials(t *testing.T) {
	tests := []struct {
		frequency float64
		duration  float64
		want      int
	}{
		{frequency: 15, duration: 2, want: 8},
		{frequency: 7, duration: 1, want: 8},
		{frequency: 90, duration: 1, want: 0},
		{frequency: 0.5, duration: 0.5, want: 60},
		{frequency: 0, duration: 1, want: 0},
	}
	for _, tt := range tests {
		c := validConfig()
		c.FrequencyMinutes = tt.frequency
		c.TotalDurationHours = tt.duration
		if got := c.NumberOfTrials(); got != tt.want {
			t.Errorf("NumberOfTrials(%v min, %v h) = %d, want %d",
				tt.frequency, tt.duration, got, tt.want)
		}
	}
}

func TestRunConfig_ListenAddress(t *testing.T) {
	c := validConfig()
	if got := c.ListenAddress(); got != "127.0.0.1:5050" {
		t.Errorf("ListenAddress() = %q", got)
	}
	if got := c.Period(); got != 15*time.Minute {
		t.Errorf("Period() = %s", got)
	}
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()

	// Connection settings files are plain JSON.
	jsonPath := filepath.Join(dir, "connection_settings.json")
	err := os.WriteFile(jsonPath, []byte(`{"ip": "10.0.0.1", "port": 6000}`), 0o644)
	testingx.Must(t, err, "cannot write settings file")

	s, err := LoadSettings(jsonPath)
	testingx.Must(t, err, "cannot load JSON settings")
	if s.IP != "10.0.0.1" || s.Port != 6000 {
		t.Errorf("unexpected settings: %+v", s)
	}

	yamlPath := filepath.Join(dir, "settings.yaml")
	err = os.WriteFile(yamlPath, []byte("ip: 10.0.0.2\nport: 6001\nfrequency_minutes: 30\nrecords_per_file: 10\n"), 0o644)
	testingx.Must(t, err, "cannot write settings file")
	s, err = LoadSettings(yamlPath)
	testingx.Must(t, err, "cannot load YAML settings")

	c := validConfig()
	s.Apply(&c, map[string]bool{"port": true})
	if c.Host != "10.0.0.2" {
		t.Errorf("Apply() did not set host: %q", c.Host)
	}
	if c.Port != 5050 {
		t.Errorf("Apply() overrode an explicit flag: port = %d", c.Port)
	}
	if c.FrequencyMinutes != 30 || c.RecordsPerFile != 10 {
		t.Errorf("Apply() did not set optional fields: %+v", c)
	}
	if c.TotalDurationHours != 2 {
		t.Errorf("Apply() changed a field missing from the file: %v", c.TotalDurationHours)
	}

	badPath := filepath.Join(dir, "bad.yaml")
	err = os.WriteFile(badPath, []byte("ip: [unterminated"), 0o644)
	testingx.Must(t, err, "cannot write settings file")
	if _, err := LoadSettings(badPath); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("LoadSettings() with invalid content returned %v", err)
	}
	if _, err := LoadSettings(filepath.Join(dir, "missing.json")); err == nil {
		t.Errorf("LoadSettings() with missing file did not fail")
	}
}
