package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/norasector/sdrlink/pkg/util"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v2"
)

const (
	DeviceRTLSDR = "rtlsdr"
	DeviceRTLTCP = "rtltcp"
	DeviceFile   = "file"

	FormatIQ        = "iq"
	FormatMagnitude = "magnitude"
	FormatPhase     = "phase"
)

type Config struct {
	Device            string        `yaml:"device" ini:"device"`
	RTLSDRDeviceIndex int           `yaml:"rtlsdr_device_index" ini:"rtlsdr_device_index"`
	RTLTCPAddress     string        `yaml:"rtltcp_address" ini:"rtltcp_address"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" ini:"connect_timeout"`
	PlaybackLocation  string        `yaml:"playback_location" ini:"playback_location"`
	PlaybackLoop      bool          `yaml:"playback_loop" ini:"playback_loop"`

	CenterFreq     int `yaml:"center_freq" ini:"center_freq"`
	SampleRate     int `yaml:"sample_rate" ini:"sample_rate"`
	TunerGain      int `yaml:"tuner_gain" ini:"tuner_gain"`
	FreqCorrection int `yaml:"freq_correction" ini:"freq_correction"`
	AudioRate      int `yaml:"audio_rate" ini:"audio_rate"`
	MaxDeviation   int `yaml:"max_deviation" ini:"max_deviation"`

	Capture   Capture `yaml:"capture" ini:"capture"`
	Outputs   Outputs `yaml:"outputs" ini:"outputs"`
	VizServer struct {
		Port           int           `yaml:"port" ini:"port"`
		UpdateInterval time.Duration `yaml:"update_interval" ini:"update_interval"`
	} `yaml:"viz_server" ini:"viz_server"`
	InfluxDB struct {
		Host         string `yaml:"host" ini:"host"`
		Organization string `yaml:"organization" ini:"organization"`
		Bucket       string `yaml:"bucket" ini:"bucket"`
	} `yaml:"influxdb" ini:"influxdb"`
	LogLevel string `yaml:"log_level" ini:"log_level"`
}

type Capture struct {
	Count   int    `yaml:"count" ini:"count"`
	CSVPath string `yaml:"csv_path" ini:"csv_path"`
	Format  string `yaml:"format" ini:"format"`
}

type Outputs struct {
	PCMPath          string              `yaml:"pcm_path" ini:"pcm_path"`
	StreamID         int                 `yaml:"stream_id" ini:"stream_id"`
	OpusDestinations []OutputDestination `yaml:"opus_destinations" ini:"-"`
	// OpusTargets is the INI spelling of OpusDestinations: host:port entries
	// separated by commas.
	OpusTargets []string `yaml:"-" ini:"opus_destinations"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Load reads a YAML file, or an INI file when path ends in .ini.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".ini") {
		return ParseINI(contents)
	}
	return Parse(contents)
}

// Parse decodes a YAML document, fills in defaults and validates the result.
func Parse(contents []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(contents, &c); err != nil {
		return nil, fmt.Errorf("error unmarshaling yaml: %w", err)
	}
	return finish(&c)
}

// ParseINI decodes an INI document. Top-level keys sit before the first
// section; nested blocks are sections named like their YAML keys.
func ParseINI(contents []byte) (*Config, error) {
	var c Config
	if err := ini.MapTo(&c, contents); err != nil {
		return nil, fmt.Errorf("error unmarshaling ini: %w", err)
	}
	for _, target := range c.Outputs.OpusTargets {
		host, portStr, err := net.SplitHostPort(strings.TrimSpace(target))
		if err != nil {
			return nil, fmt.Errorf("invalid opus destination %q: %w", target, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid opus destination %q: %w", target, err)
		}
		c.Outputs.OpusDestinations = append(c.Outputs.OpusDestinations, OutputDestination{Host: host, Port: port})
	}
	return finish(&c)
}

func finish(c *Config) (*Config, error) {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Device == "" {
		c.Device = DeviceRTLSDR
		if c.PlaybackLocation != "" {
			c.Device = DeviceFile
		}
	}
	if c.SampleRate == 0 {
		c.SampleRate = 2400000
	}
	if c.AudioRate == 0 {
		c.AudioRate = 48000
	}
	if c.MaxDeviation == 0 {
		c.MaxDeviation = 75000
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = time.Second
	}
	if c.Capture.Count == 0 {
		c.Capture.Count = 16384
	}
	if c.Capture.Format == "" {
		c.Capture.Format = FormatIQ
	}
	if c.VizServer.UpdateInterval == 0 {
		c.VizServer.UpdateInterval = 250 * time.Millisecond
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Outputs.StreamID == 0 {
		c.Outputs.StreamID = c.CenterFreq / 1000
	}
}

func (c *Config) Validate() error {
	switch c.Device {
	case DeviceRTLSDR:
	case DeviceRTLTCP:
		if c.RTLTCPAddress == "" {
			return fmt.Errorf("device %s requires rtltcp_address", c.Device)
		}
	case DeviceFile:
		if c.PlaybackLocation == "" {
			return fmt.Errorf("device %s requires playback_location", c.Device)
		}
	default:
		return fmt.Errorf("unknown device %q", c.Device)
	}

	if c.CenterFreq <= 0 {
		return fmt.Errorf("must specify center_freq")
	}
	if c.SampleRate <= 0 || c.AudioRate <= 0 {
		return fmt.Errorf("sample_rate and audio_rate must be positive")
	}
	if util.Decimation(c.SampleRate, c.AudioRate) == 0 {
		return fmt.Errorf("sample_rate %d must be a multiple of audio_rate %d", c.SampleRate, c.AudioRate)
	}
	if c.Capture.Count < 0 {
		return fmt.Errorf("capture count must not be negative")
	}

	switch c.Capture.Format {
	case FormatIQ, FormatMagnitude, FormatPhase:
	default:
		return fmt.Errorf("unknown capture format %q", c.Capture.Format)
	}

	for _, dest := range c.Outputs.OpusDestinations {
		if dest.Host == "" || dest.Port <= 0 || dest.Port > 65535 {
			return fmt.Errorf("invalid opus destination %s:%d", dest.Host, dest.Port)
		}
	}
	return nil
}

// Decimation is the stride taking the sample rate down to the audio rate.
func (c *Config) Decimation() int {
	return util.Decimation(c.SampleRate, c.AudioRate)
}
