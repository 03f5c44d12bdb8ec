package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/norasector/tandem/pkg/device/camera"
	"github.com/norasector/tandem/pkg/device/daq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cam_1.cbor")
	w, err := camera.CreateContainer(path, camera.EncoderRaw)
	require.NoError(t, err)
	for _, seq := range []uint64{1, 2, 4} {
		require.NoError(t, w.Encode(&camera.Frame{
			Seq: seq, Width: 2, Height: 2, Pix: make([]byte, 4),
			DeviceTS: int64(seq-1) * 10e6,
		}))
	}
	require.NoError(t, w.Close())

	var out bytes.Buffer
	require.NoError(t, inspectContainer(&out, path))
	assert.Contains(t, out.String(), "frames:  3")
	assert.Contains(t, out.String(), "size:    2x2")
	assert.Contains(t, out.String(), "seq:     1..4 (1 gaps)")
	assert.Contains(t, out.String(), "span:    30ms")
}

func TestInspectDAQ(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daq_d_1.tdaq")
	chs, err := daq.ParseChannels("AIN0<a>, AIN1<b>")
	require.NoError(t, err)
	w, err := daq.CreateFile(path, daq.Header{Device: "d", Serial: "1", ScanRate: 100, ScansPerRead: 5, Channels: chs})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Encode(&daq.ScanBatch{Seq: uint64(i + 1), Channels: 2, Samples: make([]float64, 10)}))
	}
	require.NoError(t, w.Close())

	var out bytes.Buffer
	require.NoError(t, inspectDAQ(&out, path))
	assert.Contains(t, out.String(), "batches:  4")
	assert.Contains(t, out.String(), "scans:    20")
	assert.Contains(t, out.String(), "duration: 200ms")
	assert.Contains(t, out.String(), "channel:  AIN1 <b>")
}

func TestInspectRejectsUnknownExtension(t *testing.T) {
	err := inspectCmd.RunE(inspectCmd, []string{"notes.txt"})
	assert.Error(t, err)
}
