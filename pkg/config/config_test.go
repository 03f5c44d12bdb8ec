package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/export"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tandem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
experiment:
  base: /data
  name: mouse1
preview_server:
  port: 9090
  update_interval: 250ms
export:
  destinations:
    - host: 127.0.0.1
      port: 9999
cameras:
  - serial: "1234"
    frame_rate: 60
  - name: replay
    driver: playback
    source: /data/old/cam_1.cbor
daqs:
  - channels: "AIN0<lick>, AIN1"
    trigger_lines: [FIO4, FIO5]
    export: true
`)
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/data", cfg.Experiment.Base)
	assert.Equal(t, 9090, cfg.PreviewServer.Port)
	assert.True(t, cfg.PreviewServer.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.PreviewServer.UpdateInterval)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout)
	assert.Equal(t, []export.Destination{{Host: "127.0.0.1", Port: 9999}}, cfg.Export.Destinations)

	require.Len(t, cfg.Cameras, 2)
	assert.Equal(t, "cam0", cfg.Cameras[0].Name)
	assert.Equal(t, DriverSim, cfg.Cameras[0].Driver)
	assert.Equal(t, "1234", cfg.Cameras[0].Serial)
	assert.Equal(t, 60.0, cfg.Cameras[0].FrameRate)
	assert.Equal(t, DriverPlayback, cfg.Cameras[1].Driver)

	require.Len(t, cfg.DAQs, 1)
	d := cfg.DAQs[0]
	assert.Equal(t, "daq0", d.Name)
	assert.Equal(t, 3000.0, d.ScanRate)
	assert.Equal(t, 1000, d.ScansPerRead)
	assert.Equal(t, []string{"FIO4", "FIO5"}, d.TriggerLines)
	assert.True(t, d.Export)
}

func TestLoadFlagOverride(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	v := viper.New()
	v.Set("log.level", "warn")
	cfg, err := Load(v, path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		want     error
	}{
		{"duplicate names", "cameras:\n  - name: a\ndaqs:\n  - name: a\n    channels: AIN0\n", nil},
		{"unknown camera driver", "cameras:\n  - driver: usb\n", nil},
		{"playback without source", "cameras:\n  - driver: playback\n", nil},
		{"bad channels", "daqs:\n  - channels: \"AIN0<x>, AIN1<x>\"\n", attr.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(viper.New(), writeConfig(t, tt.contents))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
