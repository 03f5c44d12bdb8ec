package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/norasector/tandem/pkg/device/daq"
	"github.com/norasector/tandem/pkg/export"
	"github.com/spf13/viper"
)

const (
	DriverSim      = "sim"
	DriverPlayback = "playback"
)

type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	Experiment    ExperimentConfig    `mapstructure:"experiment"`
	PreviewServer PreviewServerConfig `mapstructure:"preview_server"`
	InfluxDB      InfluxDBConfig      `mapstructure:"influxdb"`
	Export        ExportConfig        `mapstructure:"export"`
	DrainTimeout  time.Duration       `mapstructure:"drain_timeout"`
	Cameras       []CameraConfig      `mapstructure:"cameras"`
	DAQs          []DAQConfig         `mapstructure:"daqs"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`
}

type ExperimentConfig struct {
	Base string `mapstructure:"base"`
	Name string `mapstructure:"name"`
}

type PreviewServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
}

// InfluxDBConfig is optional; metrics are discarded when Host is empty.
type InfluxDBConfig struct {
	Host         string `mapstructure:"host"`
	Organization string `mapstructure:"organization"`
	Bucket       string `mapstructure:"bucket"`
}

type ExportConfig struct {
	Destinations []export.Destination `mapstructure:"destinations"`
}

type CameraConfig struct {
	Name        string        `mapstructure:"name"`
	Driver      string        `mapstructure:"driver"` // sim, playback
	Serial      string        `mapstructure:"serial"`
	Preset      string        `mapstructure:"preset"`
	GrabTimeout time.Duration `mapstructure:"grab_timeout"`

	// sim
	Width     int     `mapstructure:"width"`
	Height    int     `mapstructure:"height"`
	FrameRate float64 `mapstructure:"frame_rate"`
	Frames    int     `mapstructure:"frames"`

	// playback
	Source string `mapstructure:"source"`
}

type DAQConfig struct {
	Name           string   `mapstructure:"name"`
	Driver         string   `mapstructure:"driver"` // sim
	Serial         string   `mapstructure:"serial"`
	Preset         string   `mapstructure:"preset"`
	Channels       string   `mapstructure:"channels"`
	ScanRate       float64  `mapstructure:"scan_rate"`
	ScansPerRead   int      `mapstructure:"scans_per_read"`
	PreviewSeconds float64  `mapstructure:"preview_seconds"`
	TriggerLines   []string `mapstructure:"trigger_lines"`
	Export         bool     `mapstructure:"export"`
	MaxSampleRate  float64  `mapstructure:"max_sample_rate"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("experiment.base", ".")
	v.SetDefault("preview_server.enabled", true)
	v.SetDefault("preview_server.port", 8080)
	v.SetDefault("preview_server.update_interval", "500ms")
	v.SetDefault("drain_timeout", "10s")
}

// Load reads configFile (or tandem.yaml from the usual places) into v and
// decodes it. Flags bound to v before the call take precedence.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("tandem")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.config/tandem")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TANDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.fixup(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fixup() error {
	names := make(map[string]bool)
	claim := func(name string) error {
		if names[name] {
			return fmt.Errorf("duplicate device name %q", name)
		}
		names[name] = true
		return nil
	}

	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Name == "" {
			cam.Name = fmt.Sprintf("cam%d", i)
		}
		if cam.Driver == "" {
			cam.Driver = DriverSim
		}
		switch cam.Driver {
		case DriverSim:
		case DriverPlayback:
			if cam.Source == "" {
				return fmt.Errorf("camera %s: playback needs a source file", cam.Name)
			}
		default:
			return fmt.Errorf("camera %s: unknown driver %q", cam.Name, cam.Driver)
		}
		if err := claim(cam.Name); err != nil {
			return err
		}
	}

	for i := range c.DAQs {
		d := &c.DAQs[i]
		if d.Name == "" {
			d.Name = fmt.Sprintf("daq%d", i)
		}
		if d.Driver == "" {
			d.Driver = DriverSim
		}
		if d.Driver != DriverSim {
			return fmt.Errorf("daq %s: unknown driver %q", d.Name, d.Driver)
		}
		if d.ScanRate == 0 {
			d.ScanRate = daq.DefaultScanRate
		}
		if d.ScansPerRead == 0 {
			d.ScansPerRead = daq.DefaultScansPerRead
		}
		if d.PreviewSeconds == 0 {
			d.PreviewSeconds = daq.DefaultPreviewSeconds
		}
		if _, err := daq.ParseChannels(d.Channels); err != nil {
			return fmt.Errorf("daq %s: %w", d.Name, err)
		}
		if err := claim(d.Name); err != nil {
			return err
		}
	}
	return nil
}
