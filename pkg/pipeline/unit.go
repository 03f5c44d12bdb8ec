package pipeline

import "time"

// Meta is the per-unit record written to the sidecar log. Cross-device
// alignment is reconstructed from these after the fact.
type Meta struct {
	Seq uint64
	// DeviceTS is the device clock in its native ticks (usually ns).
	DeviceTS int64
	HostTS   time.Time
}

// Unit is one frame or one scan batch. Ownership passes to the writer when it
// is pushed onto a relay queue.
type Unit interface {
	Meta() Meta
}
