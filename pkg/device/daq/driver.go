package daq

import (
	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/trigger"
)

// SkipSentinel marks a sample the device dropped after a buffer overflow.
const SkipSentinel = -9999.0

type StreamConfig struct {
	Channels     []string
	ScanRate     float64
	ScansPerRead int
}

// RawBatch is one callback's worth of interleaved samples.
type RawBatch struct {
	Samples       []float64
	DeviceTS      int64
	DeviceBacklog int
	HostBacklog   int
}

// Callback is invoked by the driver on its own goroutine. It must not block.
type Callback func(b RawBatch)

// Driver is the vendor side of a DAQ. StreamStop must not return while a
// callback is still running.
type Driver interface {
	attr.Backend
	trigger.LineWriter

	Serial() string
	// StreamStart returns the scan rate the device actually uses.
	StreamStart(cfg StreamConfig, cb Callback) (float64, error)
	StreamStop() error
	Close() error
}
