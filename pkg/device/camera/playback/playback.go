// Package playback replays a recorded frame container as if it were a live
// camera, paced at AcquisitionFrameRate.
package playback

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/device/camera"
)

type Driver struct {
	*attr.MemoryBackend
	path   string
	serial string

	mu     sync.Mutex
	reader *camera.ContainerReader
	next   time.Time
}

func Open(path string, rate float64) (*Driver, error) {
	r, err := camera.OpenContainer(path)
	if err != nil {
		return nil, err
	}
	first, err := r.Next()
	r.Close()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%s holds no frames", path)
		}
		return nil, err
	}
	if rate <= 0 {
		rate = 30
	}

	serial := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	serial = strings.TrimPrefix(serial, "cam_")

	d := &Driver{path: path, serial: serial}
	d.MemoryBackend = attr.NewMemoryBackend([]attr.Descriptor{
		{Name: "DeviceSerialNumber", Type: attr.TypeString, Access: attr.AccessRead},
		{Name: "Width", Type: attr.TypeInt, Access: attr.AccessRead},
		{Name: "Height", Type: attr.TypeInt, Access: attr.AccessRead},
		{Name: "AcquisitionFrameRate", Type: attr.TypeFloat, Access: attr.AccessReadWrite},
		{Name: "PlaybackLoop", Type: attr.TypeBool, Access: attr.AccessReadWrite},
	}, map[string]attr.Value{
		"DeviceSerialNumber":   attr.String(serial),
		"Width":                attr.Int(first.Width),
		"Height":               attr.Int(first.Height),
		"AcquisitionFrameRate": attr.Float(rate),
		"PlaybackLoop":         attr.Bool(false),
	})
	d.Guard = func(name string, v attr.Value, _ func(string) attr.Value) (attr.Value, error) {
		if f, ok := v.(attr.Float); ok && name == "AcquisitionFrameRate" && f <= 0 {
			return nil, errors.New("frame rate must be positive")
		}
		return v, nil
	}
	return d, nil
}

func (d *Driver) Serial() string {
	return d.serial
}

func (d *Driver) BeginAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reader != nil {
		return errors.New("acquisition already running")
	}
	r, err := camera.OpenContainer(d.path)
	if err != nil {
		return err
	}
	d.reader = r
	d.next = time.Now()
	return nil
}

func (d *Driver) EndAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reader == nil {
		return nil
	}
	err := d.reader.Close()
	d.reader = nil
	return err
}

func (d *Driver) NextFrame(timeout time.Duration) (camera.RawFrame, error) {
	rate, _ := d.Read("AcquisitionFrameRate")
	loop, _ := d.Read("PlaybackLoop")
	interval := time.Duration(float64(time.Second) / float64(rate.(attr.Float)))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reader == nil {
		return camera.RawFrame{}, errors.New("acquisition not running")
	}

	wait := time.Until(d.next)
	if wait > timeout {
		time.Sleep(timeout)
		return camera.RawFrame{}, camera.ErrTimeout
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	d.next = d.next.Add(interval)

	f, err := d.reader.Next()
	if err == io.EOF && attr.Equal(loop, attr.Bool(true)) {
		d.reader.Close()
		if d.reader, err = camera.OpenContainer(d.path); err != nil {
			return camera.RawFrame{}, err
		}
		f, err = d.reader.Next()
	}
	if err == io.EOF {
		// The recording is over; behave like a sensor that stopped triggering.
		time.Sleep(timeout)
		return camera.RawFrame{}, camera.ErrTimeout
	}
	if err != nil {
		return camera.RawFrame{}, err
	}
	return camera.RawFrame{Width: f.Width, Height: f.Height, Pix: f.Pix, DeviceTS: f.DeviceTS}, nil
}

func (d *Driver) Close() error {
	return d.EndAcquisition()
}

var _ camera.Driver = (*Driver)(nil)
