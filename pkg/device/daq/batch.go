package daq

import (
	"time"

	"github.com/norasector/tandem/pkg/pipeline"
)

// ScanBatch holds ScansPerRead scans, interleaved in channel order.
type ScanBatch struct {
	Seq      uint64
	Samples  []float64
	Channels int
	Skipped  int
	DeviceTS int64
	HostTS   time.Time
}

func (b *ScanBatch) Meta() pipeline.Meta {
	return pipeline.Meta{Seq: b.Seq, DeviceTS: b.DeviceTS, HostTS: b.HostTS}
}

func (b *ScanBatch) Scans() int {
	if b.Channels == 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

func countSkips(samples []float64) int {
	n := 0
	for _, s := range samples {
		if s == SkipSentinel {
			n++
		}
	}
	return n
}
