package main

import (
	"fmt"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/config"
	"github.com/norasector/tandem/pkg/device"
	"github.com/norasector/tandem/pkg/device/camera"
	"github.com/norasector/tandem/pkg/device/camera/playback"
	camsim "github.com/norasector/tandem/pkg/device/camera/sim"
	"github.com/norasector/tandem/pkg/device/daq"
	daqsim "github.com/norasector/tandem/pkg/device/daq/sim"
	"github.com/norasector/tandem/pkg/export"
	"github.com/norasector/tandem/pkg/metrics"
	"github.com/norasector/tandem/pkg/rig"
	"github.com/norasector/tandem/pkg/viz"
	"github.com/rs/zerolog"
)

// deviceNames lists cameras before DAQs, the order the rig starts them in.
func deviceNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Cameras)+len(cfg.DAQs))
	for _, c := range cfg.Cameras {
		names = append(names, c.Name)
	}
	for _, d := range cfg.DAQs {
		names = append(names, d.Name)
	}
	return names
}

func buildRig(cfg *config.Config, logger zerolog.Logger) (*rig.Rig, error) {
	writeAPI := metrics.NewWriteAPI(cfg.InfluxDB.Host, cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)

	var exporter *export.UDP
	if len(cfg.Export.Destinations) > 0 {
		exporter = export.NewUDP(cfg.Export.Destinations,
			export.WithLogger(logger),
			export.WithMetrics(writeAPI))
	}

	var vizServer *viz.Server
	if cfg.PreviewServer.Enabled {
		vizServer = viz.NewServer(cfg.PreviewServer.Port, cfg.PreviewServer.UpdateInterval, viz.WithLogger(logger))
	}

	var devices []device.Device
	closeAll := func() {
		for _, d := range devices {
			d.Close()
		}
	}

	// Cameras first: DAQs drive trigger lines and must start last.
	for _, cc := range cfg.Cameras {
		cam, err := openCamera(cc, cfg, writeAPI, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		devices = append(devices, cam)
		if vizServer != nil {
			vizServer.AddCamera(cam)
		}
	}
	for _, dc := range cfg.DAQs {
		d, err := openDAQ(dc, cfg, writeAPI, exporter, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		devices = append(devices, d)
		if vizServer != nil {
			vizServer.AddDAQ(d)
		}
	}

	opts := []rig.RigOption{
		rig.WithInfluxDB(writeAPI),
		rig.WithLogger(logger),
	}
	if vizServer != nil {
		opts = append(opts, rig.WithImageServer(vizServer))
	}
	if exporter != nil {
		opts = append(opts, rig.WithExporter(exporter))
	}
	r, err := rig.NewRig(devices, opts...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return r, nil
}

func openCamera(cc config.CameraConfig, cfg *config.Config, writeAPI api.WriteAPI, logger zerolog.Logger) (*camera.Camera, error) {
	var driver camera.Driver
	switch cc.Driver {
	case config.DriverPlayback:
		d, err := playback.Open(cc.Source, cc.FrameRate)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", cc.Name, err)
		}
		driver = d
	default:
		driver = camsim.New(camsim.Config{
			Serial:    cc.Serial,
			Width:     cc.Width,
			Height:    cc.Height,
			FrameRate: cc.FrameRate,
			Frames:    cc.Frames,
		})
	}

	opts := []camera.Option{
		camera.WithLogger(logger),
		camera.WithMetrics(writeAPI),
		camera.WithDrainTimeout(cfg.DrainTimeout),
	}
	if cc.GrabTimeout > 0 {
		opts = append(opts, camera.WithGrabTimeout(cc.GrabTimeout))
	}
	cam, err := camera.Open(cc.Name, driver, opts...)
	if err != nil {
		driver.Close()
		return nil, err
	}
	if cc.Preset != "" {
		p, err := attr.LoadPreset(cc.Preset)
		if err != nil {
			cam.Close()
			return nil, fmt.Errorf("camera %s: %w", cc.Name, err)
		}
		if err := cam.Configure(p); err != nil {
			cam.Close()
			return nil, fmt.Errorf("camera %s: %w", cc.Name, err)
		}
	}
	return cam, nil
}

func openDAQ(dc config.DAQConfig, cfg *config.Config, writeAPI api.WriteAPI, exporter *export.UDP, logger zerolog.Logger) (*daq.DAQ, error) {
	channels, err := daq.ParseChannels(dc.Channels)
	if err != nil {
		return nil, fmt.Errorf("daq %s: %w", dc.Name, err)
	}
	driver := daqsim.New(daqsim.Config{
		Serial:        dc.Serial,
		MaxSampleRate: dc.MaxSampleRate,
	})

	opts := []daq.Option{
		daq.WithLogger(logger),
		daq.WithMetrics(writeAPI),
		daq.WithDrainTimeout(cfg.DrainTimeout),
		daq.WithPreviewSeconds(dc.PreviewSeconds),
		daq.WithTriggerLines(dc.TriggerLines...),
	}
	if dc.Export && exporter != nil {
		opts = append(opts, daq.WithExporter(exporter))
	}
	d, err := daq.Open(dc.Name, driver, daq.Config{
		Channels:     channels,
		ScanRate:     dc.ScanRate,
		ScansPerRead: dc.ScansPerRead,
	}, opts...)
	if err != nil {
		driver.Close()
		return nil, err
	}
	if dc.Preset != "" {
		p, err := attr.LoadPreset(dc.Preset)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("daq %s: %w", dc.Name, err)
		}
		if err := d.Configure(p); err != nil {
			d.Close()
			return nil, fmt.Errorf("daq %s: %w", dc.Name, err)
		}
	}
	return d, nil
}
