package rig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/device"
	"github.com/norasector/tandem/pkg/export"
	"github.com/norasector/tandem/pkg/metrics"
	"github.com/norasector/tandem/pkg/pipeline"
	"github.com/norasector/tandem/pkg/viz"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const statusInterval = time.Second

var ErrUnknownDevice = errors.New("unknown device")

// Pulser is implemented by devices that can drive trigger output lines.
type Pulser interface {
	Pulse(ctx context.Context) error
}

// Rig fans control calls out to every device. Devices start in the order
// given and stop in reverse, so trigger sources should come last.
type Rig struct {
	devices   []device.Device
	byName    map[string]device.Device
	writeAPI  api.WriteAPI
	vizServer *viz.Server
	exporter  *export.UDP
	logger    zerolog.Logger

	mu         sync.Mutex
	experiment string
}

type RigOption func(r *Rig) error

func WithInfluxDB(w api.WriteAPI) RigOption {
	return func(r *Rig) error {
		r.writeAPI = w
		return nil
	}
}

func WithImageServer(s *viz.Server) RigOption {
	return func(r *Rig) error {
		r.vizServer = s
		return nil
	}
}

func WithExporter(e *export.UDP) RigOption {
	return func(r *Rig) error {
		r.exporter = e
		return nil
	}
}

func WithLogger(logger zerolog.Logger) RigOption {
	return func(r *Rig) error {
		r.logger = logger
		return nil
	}
}

func NewRig(devices []device.Device, opts ...RigOption) (*Rig, error) {
	r := &Rig{
		devices:  devices,
		byName:   make(map[string]device.Device, len(devices)),
		writeAPI: &metrics.MockWriteAPI{},
		logger:   log.Logger,
	}
	for _, d := range devices {
		if _, ok := r.byName[d.Name()]; ok {
			return nil, fmt.Errorf("duplicate device name %s", d.Name())
		}
		r.byName[d.Name()] = d
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.vizServer != nil {
		r.vizServer.SetStatus(r.Status)
	}
	return r, nil
}

func (r *Rig) Devices() []device.Device {
	return r.devices
}

func (r *Rig) Device(name string) (device.Device, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	return d, nil
}

func (r *Rig) Preview() error {
	return r.start(false)
}

func (r *Rig) Record() error {
	return r.start(true)
}

func (r *Rig) start(record bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.devices {
		if err := d.Start(record); err != nil {
			err = fmt.Errorf("%s: %w", d.Name(), err)
			r.logger.Error().Err(err).Msg("start failed, stopping devices already started")
			for j := i - 1; j >= 0; j-- {
				if serr := r.devices[j].Stop(); serr != nil {
					err = errors.Join(err, fmt.Errorf("%s: %w", r.devices[j].Name(), serr))
				}
			}
			return err
		}
	}
	r.logger.Info().Bool("record", record).Int("devices", len(r.devices)).Msg("rig started")
	return nil
}

// Stop stops every active device. Devices already in standby are skipped.
func (r *Rig) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

func (r *Rig) stopLocked() error {
	var errs []error
	stopped := 0
	for i := len(r.devices) - 1; i >= 0; i-- {
		d := r.devices[i]
		if d.State() == pipeline.StateStandby {
			continue
		}
		if err := d.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotActive) {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		}
		stopped++
	}
	if stopped == 0 {
		return pipeline.ErrNotActive
	}
	r.logger.Info().Int("devices", stopped).Msg("rig stopped")
	return errors.Join(errs...)
}

func (r *Rig) Active() bool {
	for _, d := range r.devices {
		if d.State() != pipeline.StateStandby {
			return true
		}
	}
	return false
}

// SetExperiment creates <base>/<name> and points every device at its default
// file name inside it.
func (r *Rig) SetExperiment(base, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Active() {
		return "", fmt.Errorf("%w: stop all devices before changing the experiment", pipeline.ErrState)
	}
	if base == "" || name == "" {
		return "", fmt.Errorf("%w: experiment base and name are required", attr.ErrConfiguration)
	}
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating experiment directory: %w", err)
	}
	for _, d := range r.devices {
		if err := d.SetOutputPath(filepath.Join(dir, d.DefaultFileName())); err != nil {
			return "", fmt.Errorf("%s: %w", d.Name(), err)
		}
	}
	r.experiment = dir
	r.logger.Info().Str("dir", dir).Msg("experiment directory set")
	return dir, nil
}

func (r *Rig) Experiment() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.experiment
}

// SetAttr parses text according to the attribute's type and writes it.
func (r *Rig) SetAttr(devName, attrName, text string) (attr.Value, error) {
	d, err := r.Device(devName)
	if err != nil {
		return nil, err
	}
	desc, ok := d.Registry().Descriptor(attrName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", attr.ErrInvalidAttribute, attrName)
	}
	v, err := attr.Parse(desc, text)
	if err != nil {
		return nil, err
	}
	return d.SetAttr(attrName, v)
}

func (r *Rig) GetAttr(devName, attrName string) (attr.Value, error) {
	d, err := r.Device(devName)
	if err != nil {
		return nil, err
	}
	return d.Registry().Get(attrName)
}

func (r *Rig) Pulse(ctx context.Context, devName string) error {
	d, err := r.Device(devName)
	if err != nil {
		return err
	}
	p, ok := d.(Pulser)
	if !ok {
		return fmt.Errorf("%s cannot drive trigger lines", devName)
	}
	return p.Pulse(ctx)
}

func (r *Rig) EnablePreview(devName string, enable bool) error {
	d, err := r.Device(devName)
	if err != nil {
		return err
	}
	d.EnablePreview(enable)
	return nil
}

func (r *Rig) Status() []device.Status {
	out := make([]device.Status, len(r.devices))
	for i, d := range r.devices {
		out[i] = d.Status()
	}
	return out
}

// Run serves the preview server, the exporter and status metrics until ctx
// is done, then stops and closes every device.
func (r *Rig) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	if r.vizServer != nil {
		eg.Go(func() error {
			return r.vizServer.Run(ctx)
		})
	}
	if r.exporter != nil {
		eg.Go(func() error {
			return r.exporter.Start(ctx)
		})
	}
	eg.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				r.reportStatus()
			}
		}
	})

	err := eg.Wait()
	if cerr := r.Close(); cerr != nil {
		r.logger.Error().Err(cerr).Msg("error closing devices")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Rig) reportStatus() {
	for _, st := range r.Status() {
		if st.State == pipeline.StateStandby.String() {
			continue
		}
		metrics.Point(r.writeAPI, "device.status",
			map[string]string{"device": st.Name, "kind": string(st.Kind), "state": st.State},
			map[string]interface{}{
				"produced": int64(st.Produced),
				"written":  int64(st.Written),
				"dropped":  int64(st.Dropped),
				"depth":    st.Depth,
				"skipped":  int64(st.Skipped),
				"timeouts": int64(st.Timeouts),
				"faults":   int64(st.Faults),
			})
	}
}

// Close stops anything still running and releases every device.
func (r *Rig) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if err := r.stopLocked(); err != nil && !errors.Is(err, pipeline.ErrNotActive) {
		errs = append(errs, err)
	}
	for _, d := range r.devices {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		}
	}
	return errors.Join(errs...)
}
