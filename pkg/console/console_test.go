package console

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/device"
	"github.com/norasector/tandem/pkg/pipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

type fakeController struct {
	calls []call
	err   error
}

func (f *fakeController) record(name string, args ...string) {
	f.calls = append(f.calls, call{name, args})
}

func (f *fakeController) Preview() error { f.record("preview"); return f.err }
func (f *fakeController) Record() error  { f.record("record"); return f.err }
func (f *fakeController) Stop() error    { f.record("stop"); return f.err }

func (f *fakeController) SetAttr(dev, name, text string) (attr.Value, error) {
	f.record("set", dev, name, text)
	return attr.Float(12.5), f.err
}

func (f *fakeController) GetAttr(dev, name string) (attr.Value, error) {
	f.record("get", dev, name)
	return attr.Enum("Off"), f.err
}

func (f *fakeController) SetExperiment(base, name string) (string, error) {
	f.record("path", base, name)
	return base + "/" + name, f.err
}

func (f *fakeController) Pulse(_ context.Context, dev string) error {
	f.record("pulse", dev)
	return f.err
}

func (f *fakeController) EnablePreview(dev string, enable bool) error {
	if enable {
		f.record("preview-on", dev)
	} else {
		f.record("preview-off", dev)
	}
	return f.err
}

func (f *fakeController) Status() []device.Status {
	return []device.Status{
		{Name: "cam0", Kind: device.KindCamera, State: pipeline.StateRecording.String(), Produced: 42},
		{Name: "daq0", Kind: device.KindDAQ, State: pipeline.StateStandby.String(), Faults: 1, LastError: "stopping stream: device busy"},
	}
}

func TestExecDispatch(t *testing.T) {
	tests := []struct {
		line string
		want call
	}{
		{"preview", call{"preview", nil}},
		{"RECORD", call{"record", nil}},
		{"stop", call{"stop", nil}},
		{"set cam0 Gain 12.5", call{"set", []string{"cam0", "Gain", "12.5"}}},
		{"get cam0 TriggerMode", call{"get", []string{"cam0", "TriggerMode"}}},
		{"path /data mouse1", call{"path", []string{"/data", "mouse1"}}},
		{"pulse daq0", call{"pulse", []string{"daq0"}}},
		{"preview-on cam0", call{"preview-on", []string{"cam0"}}},
		{"preview-off cam0", call{"preview-off", []string{"cam0"}}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			f := &fakeController{}
			var out bytes.Buffer
			c := newConsole(f, []string{"cam0", "daq0"}, &out, WithLogger(zerolog.Nop()))
			assert.True(t, c.Exec(context.Background(), tt.line))
			require.Len(t, f.calls, 1)
			assert.Equal(t, tt.want, f.calls[0])
			assert.NotContains(t, out.String(), "error")
		})
	}
}

func TestExecUsageAndErrors(t *testing.T) {
	f := &fakeController{}
	var out bytes.Buffer
	c := newConsole(f, nil, &out, WithLogger(zerolog.Nop()))

	assert.True(t, c.Exec(context.Background(), "set cam0 Gain"))
	assert.Contains(t, out.String(), "usage: set")
	assert.True(t, c.Exec(context.Background(), "dance"))
	assert.Contains(t, out.String(), "Unknown command: dance")
	assert.True(t, c.Exec(context.Background(), "   "))
	assert.Empty(t, f.calls)

	f.err = errors.New("device busy")
	out.Reset()
	assert.True(t, c.Exec(context.Background(), "record"))
	assert.Contains(t, out.String(), "error: device busy")
}

func TestExecStatusAndQuit(t *testing.T) {
	f := &fakeController{}
	var out bytes.Buffer
	c := newConsole(f, []string{"cam0"}, &out, WithLogger(zerolog.Nop()))

	assert.True(t, c.Exec(context.Background(), "status"))
	assert.Contains(t, out.String(), "cam0")
	assert.Contains(t, out.String(), "42")
	assert.Contains(t, out.String(), "daq0: stopping stream: device busy")

	assert.False(t, c.Exec(context.Background(), "quit"))
}

func TestExecPrintsReadBack(t *testing.T) {
	f := &fakeController{}
	var out bytes.Buffer
	c := newConsole(f, nil, &out, WithLogger(zerolog.Nop()))
	c.Exec(context.Background(), "set cam0 Gain 13")
	assert.Contains(t, out.String(), "cam0.Gain = 12.5")
}
