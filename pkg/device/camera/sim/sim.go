// Package sim is a synthetic camera. It models the attribute behaviour of a
// machine-vision sensor closely enough to exercise configuration, trigger
// release and recording without hardware.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/device/camera"
)

const (
	defaultWidth  = 64
	defaultHeight = 48
	defaultRate   = 30
	maxRate       = 200
)

type Config struct {
	Serial    string
	Width     int
	Height    int
	FrameRate float64
	// TriggerRate is the rate of the external trigger seen in trigger mode.
	// Zero means nothing is wired to the trigger input.
	TriggerRate float64
	// Frames stops the sensor after this many frames per acquisition, as if
	// the trigger source went quiet. Zero is unlimited.
	Frames int
}

type Driver struct {
	*attr.MemoryBackend
	cfg Config

	mu        sync.Mutex
	acquiring bool
	epoch     time.Time
	next      time.Time
	count     int
	closed    bool
}

func New(cfg Config) *Driver {
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeight
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = defaultRate
	}
	if cfg.Serial == "" {
		cfg.Serial = "SIM0001"
	}

	d := &Driver{cfg: cfg}
	d.MemoryBackend = attr.NewMemoryBackend(descriptors, map[string]attr.Value{
		"DeviceSerialNumber":         attr.String(cfg.Serial),
		"Width":                      attr.Int(cfg.Width),
		"Height":                     attr.Int(cfg.Height),
		"PixelFormat":                attr.Enum("Mono8"),
		"AcquisitionFrameRate":       attr.Float(cfg.FrameRate),
		"AcquisitionFrameRateEnable": attr.Bool(true),
		"TriggerMode":                attr.Enum("Off"),
		"TriggerSource":              attr.Enum("Line0"),
		"ExposureAuto":               attr.Enum("Off"),
		"ExposureTime":               attr.Float(10000),
		"GainAuto":                   attr.Enum("Off"),
		"Gain":                       attr.Float(0),
	})
	d.Guard = d.guard
	return d
}

var descriptors = []attr.Descriptor{
	{Name: "DeviceSerialNumber", Type: attr.TypeString, Access: attr.AccessRead},
	{Name: "Width", Type: attr.TypeInt, Access: attr.AccessReadWrite},
	{Name: "Height", Type: attr.TypeInt, Access: attr.AccessReadWrite},
	{Name: "PixelFormat", Type: attr.TypeEnum, Access: attr.AccessReadWrite, Values: []string{"Mono8"}},
	{Name: "AcquisitionFrameRate", Type: attr.TypeFloat, Access: attr.AccessReadWrite},
	{Name: "AcquisitionFrameRateEnable", Type: attr.TypeBool, Access: attr.AccessReadWrite},
	{Name: "TriggerMode", Type: attr.TypeEnum, Access: attr.AccessReadWrite, Values: []string{"On", "Off"}},
	{Name: "TriggerSource", Type: attr.TypeEnum, Access: attr.AccessReadWrite, Values: []string{"Line0", "Line1", "Line2", "Line3", "Software"}},
	{Name: "TriggerSoftware", Type: attr.TypeCommand, Access: attr.AccessWrite},
	{Name: "ExposureAuto", Type: attr.TypeEnum, Access: attr.AccessReadWrite, Values: []string{"Off", "Once", "Continuous"}},
	{Name: "ExposureTime", Type: attr.TypeFloat, Access: attr.AccessReadWrite},
	{Name: "GainAuto", Type: attr.TypeEnum, Access: attr.AccessReadWrite, Values: []string{"Off", "Once", "Continuous"}},
	{Name: "Gain", Type: attr.TypeFloat, Access: attr.AccessReadWrite},
}

// guard runs under the backend lock and must not call back into it.
func (d *Driver) guard(name string, v attr.Value, get func(string) attr.Value) (attr.Value, error) {
	d.mu.Lock()
	acquiring := d.acquiring
	d.mu.Unlock()

	switch name {
	case "Width", "Height", "PixelFormat":
		if acquiring {
			return nil, fmt.Errorf("%s is locked while streaming", name)
		}
		if n, ok := v.(attr.Int); ok && n < 1 {
			return attr.Int(1), nil
		}
	case "AcquisitionFrameRate":
		if attr.Equal(get("TriggerMode"), attr.Enum("On")) {
			return nil, errors.New("frame rate is not writable in trigger mode")
		}
		rate := float64(v.(attr.Float))
		return attr.Float(min(max(rate, 1), maxRate)), nil
	case "ExposureTime":
		if !attr.Equal(get("ExposureAuto"), attr.Enum("Off")) {
			return nil, errors.New("exposure time is controlled by auto exposure")
		}
	case "Gain":
		if !attr.Equal(get("GainAuto"), attr.Enum("Off")) {
			return nil, errors.New("gain is controlled by auto gain")
		}
		return attr.Float(min(max(float64(v.(attr.Float)), 0), 48)), nil
	}
	return v, nil
}

func (d *Driver) Serial() string {
	return d.cfg.Serial
}

func (d *Driver) BeginAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("camera closed")
	}
	if d.acquiring {
		return errors.New("acquisition already running")
	}
	d.acquiring = true
	d.epoch = time.Now()
	d.next = d.epoch
	d.count = 0
	return nil
}

func (d *Driver) EndAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquiring = false
	return nil
}

// interval is the time between frames in the current trigger mode, or zero
// if no frames are coming.
func (d *Driver) interval() time.Duration {
	rate := d.cfg.TriggerRate
	if mode, _ := d.Read("TriggerMode"); !attr.Equal(mode, attr.Enum("On")) {
		v, _ := d.Read("AcquisitionFrameRate")
		rate = float64(v.(attr.Float))
	}
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / rate)
}

func (d *Driver) NextFrame(timeout time.Duration) (camera.RawFrame, error) {
	interval := d.interval()
	w, _ := d.Read("Width")
	h, _ := d.Read("Height")

	d.mu.Lock()
	if !d.acquiring {
		d.mu.Unlock()
		return camera.RawFrame{}, errors.New("acquisition not running")
	}
	if interval == 0 || (d.cfg.Frames > 0 && d.count >= d.cfg.Frames) {
		d.mu.Unlock()
		time.Sleep(timeout)
		return camera.RawFrame{}, camera.ErrTimeout
	}
	due := d.next
	wait := time.Until(due)
	if wait > timeout {
		d.mu.Unlock()
		time.Sleep(timeout)
		return camera.RawFrame{}, camera.ErrTimeout
	}
	d.next = due.Add(interval)
	if now := time.Now(); d.next.Before(now.Add(-interval)) {
		// Fell far behind; the sensor drops frames rather than bursting.
		d.next = now
	}
	n := d.count
	d.count++
	epoch := d.epoch
	d.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
	width, height := int(w.(attr.Int)), int(h.(attr.Int))
	return camera.RawFrame{
		Width:    width,
		Height:   height,
		Pix:      pattern(width, height, n),
		DeviceTS: due.Sub(epoch).Nanoseconds(),
	}, nil
}

// pattern is a diagonal gradient that scrolls one pixel per frame.
func pattern(width, height, n int) []byte {
	pix := make([]byte, width*height)
	for y := 0; y < height; y++ {
		row := pix[y*width : (y+1)*width]
		for x := range row {
			row[x] = byte(x + y + n)
		}
	}
	return pix
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquiring = false
	d.closed = true
	return nil
}

var _ camera.Driver = (*Driver)(nil)
