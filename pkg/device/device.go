package device

import (
	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/pipeline"
)

type Kind string

const (
	KindCamera Kind = "camera"
	KindDAQ    Kind = "daq"
)

// Device is the control surface shared by cameras and DAQs. Start and Stop
// follow the pipeline state machine; SetOutputPath is only accepted in standby.
type Device interface {
	Name() string
	Serial() string
	Kind() Kind
	Registry() *attr.Registry

	Start(record bool) error
	Stop() error
	State() pipeline.State

	SetAttr(name string, v attr.Value) (attr.Value, error)
	SetOutputPath(path string) error
	OutputPath() string
	// DefaultFileName is used when the rig assigns paths inside an experiment directory.
	DefaultFileName() string

	EnablePreview(enable bool)
	Status() Status
	Close() error
}

type Status struct {
	Name       string `json:"name"`
	Kind       Kind   `json:"kind"`
	Serial     string `json:"serial"`
	State      string `json:"state"`
	Session    string `json:"session,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	Produced   uint64 `json:"produced"`
	Written    uint64 `json:"written"`
	Dropped    uint64 `json:"dropped"`
	Depth      int    `json:"depth"`
	Timeouts   uint64 `json:"timeouts,omitempty"`
	Skipped    uint64 `json:"skipped,omitempty"`
	// Faults counts batches the driver delivered with the wrong shape.
	Faults    uint64 `json:"faults,omitempty"`
	Triggered bool   `json:"triggered"`
	Preview   bool   `json:"preview"`
	// LastError is the last stop failure, cleared on the next start.
	LastError string `json:"last_error,omitempty"`
}
