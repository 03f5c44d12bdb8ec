package camera

import (
	"image"
	"time"

	"github.com/norasector/tandem/pkg/pipeline"
)

// Frame is one grabbed image. Once pushed it belongs to the writer; the
// preview slot only reads it.
type Frame struct {
	Seq      uint64
	Width    int
	Height   int
	Pix      []byte
	DeviceTS int64
	HostTS   time.Time
}

func (f *Frame) Meta() pipeline.Meta {
	return pipeline.Meta{Seq: f.Seq, DeviceTS: f.DeviceTS, HostTS: f.HostTS}
}

// Image wraps the pixels without copying.
func (f *Frame) Image() *image.Gray {
	return &image.Gray{
		Pix:    f.Pix,
		Stride: f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}
