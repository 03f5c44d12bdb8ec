package camera

import (
	"errors"
	"time"

	"github.com/norasector/tandem/pkg/attr"
)

// ErrTimeout is returned by NextFrame when no frame arrived in time. It is not
// fatal; the grab loop logs it and tries again.
var ErrTimeout = errors.New("acquisition timeout")

// RawFrame is what a driver hands back: Mono8 pixels and the device clock.
type RawFrame struct {
	Width    int
	Height   int
	Pix      []byte
	DeviceTS int64
}

// Driver is the vendor side of a camera. Attribute access goes through the
// embedded Backend; NextFrame is only called from the grab goroutine.
type Driver interface {
	attr.Backend

	Serial() string
	BeginAcquisition() error
	EndAcquisition() error
	NextFrame(timeout time.Duration) (RawFrame, error)
	Close() error
}
