package daq_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/device/daq"
	"github.com/norasector/tandem/pkg/device/daq/sim"
	"github.com/norasector/tandem/pkg/export"
	"github.com/norasector/tandem/pkg/pipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannels(t *testing.T) {
	chs, err := daq.ParseChannels("AIN0<lick>, AIN1 ,AIN 2<run speed>")
	require.NoError(t, err)
	assert.Equal(t, []daq.Channel{
		{Name: "AIN0", Label: "lick"},
		{Name: "AIN1", Label: "AIN1"},
		{Name: "AIN2", Label: "run speed"},
	}, chs)
	assert.Equal(t, 2, daq.Index(chs, "run speed"))
	assert.Equal(t, 1, daq.Index(chs, "AIN1"))
	assert.Equal(t, -1, daq.Index(chs, "AIN9"))

	for _, bad := range []string{
		"AIN0<lick",
		"AIN0>lick<",
		"AIN0, AIN0",
		"AIN0<x>, AIN1<x>",
		"AIN0, ",
	} {
		_, err := daq.ParseChannels(bad)
		assert.ErrorIs(t, err, daq.ErrChannelSpec, bad)
		assert.ErrorIs(t, err, attr.ErrConfiguration, bad)
	}
}

func openSim(t *testing.T, cfg sim.Config, opts ...daq.Option) (*daq.DAQ, *sim.Driver) {
	t.Helper()
	drv := sim.New(cfg)
	chs, err := daq.ParseChannels("AIN0<A>, AIN1<B>")
	require.NoError(t, err)
	opts = append([]daq.Option{daq.WithLogger(zerolog.Nop())}, opts...)
	d, err := daq.Open("daq0", drv, daq.Config{Channels: chs, ScanRate: 1000, ScansPerRead: 10}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, drv
}

func TestOpenWritesStreamSetup(t *testing.T) {
	d, _ := openSim(t, sim.Config{})
	for _, name := range []string{"STREAM_TRIGGER_INDEX", "STREAM_CLOCK_SOURCE"} {
		v, err := d.Registry().Get(name)
		require.NoError(t, err)
		assert.Equal(t, attr.Int(0), v, name)
	}
	v, _ := d.Registry().Get("AIN_ALL_RANGE")
	assert.Equal(t, attr.Float(10), v)
}

func TestRecordCountsSkipsAndWritesEveryBatch(t *testing.T) {
	d, _ := openSim(t, sim.Config{Fast: true, Batches: 500, Skips: map[int]int{10: 1, 200: 1, 450: 1}})
	path := filepath.Join(t.TempDir(), d.DefaultFileName())
	require.NoError(t, d.SetOutputPath(path))

	require.NoError(t, d.Start(true))
	require.Eventually(t, func() bool { return d.Status().Produced == 500 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())

	assert.Equal(t, uint64(3), d.Skipped())
	assert.Equal(t, uint64(3), d.Status().Skipped)

	h, rows, err := daq.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []daq.Channel{{Name: "AIN0", Label: "A"}, {Name: "AIN1", Label: "B"}}, h.Channels)
	assert.Equal(t, float64(1000), h.ScanRate)
	assert.Equal(t, 10, h.ScansPerRead)
	assert.Equal(t, d.Status().Session, h.Session)
	require.Len(t, rows, 500)
	for _, row := range rows {
		assert.Len(t, row, 20)
	}
	assert.Equal(t, daq.SkipSentinel, rows[9][0])
	assert.Equal(t, daq.SkipSentinel, rows[199][0])
	assert.NotEqual(t, daq.SkipSentinel, rows[199][1])
	assert.NotEqual(t, daq.SkipSentinel, rows[0][0])

	f, err := os.Open(path + ".meta.txt")
	require.NoError(t, err)
	defer f.Close()
	metas, err := pipeline.ReadMetaLog(f)
	require.NoError(t, err)
	require.Len(t, metas, 500)
	for i, m := range metas {
		assert.Equal(t, uint64(i+1), m.Seq)
	}
	assert.Equal(t, int64(10*time.Millisecond), metas[1].DeviceTS)
}

func TestStartWhileRecordingLeavesCountersAlone(t *testing.T) {
	d, _ := openSim(t, sim.Config{Fast: true, Batches: 5, Skips: map[int]int{2: 1}})
	require.NoError(t, d.SetOutputPath(filepath.Join(t.TempDir(), "daq.tdaq")))

	require.NoError(t, d.Start(true))
	require.Eventually(t, func() bool { return d.Status().Produced == 5 }, 2*time.Second, 5*time.Millisecond)
	before := d.Status()

	err := d.Start(false)
	assert.ErrorIs(t, err, pipeline.ErrAlreadyActive)
	after := d.Status()
	assert.Equal(t, pipeline.StateRecording.String(), after.State)
	assert.Equal(t, before.Produced, after.Produced)
	assert.Equal(t, before.Skipped, after.Skipped)
	assert.Equal(t, before.Session, after.Session)

	require.NoError(t, d.Stop())
}

func TestPreviewKeepsMostRecentWindow(t *testing.T) {
	d, _ := openSim(t, sim.Config{Fast: true, Batches: 50}, daq.WithPreviewSeconds(0.1))
	require.NoError(t, d.Start(false))
	require.Eventually(t, func() bool { return d.Status().Produced == 50 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())

	snap := d.PreviewSnapshot()
	require.Len(t, snap, 200, "0.1 s × 1000 Hz × 2 channels")
	ch0 := pipeline.Deinterleave(snap, 0, 2)
	require.Len(t, ch0, 100)
	assert.Empty(t, d.Status().Session, "preview does not record")

	d.EnablePreview(false)
	require.NoError(t, d.Start(false))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Stop())
	assert.Empty(t, d.PreviewSnapshot())
}

type packetSink struct {
	mu      sync.Mutex
	packets []export.Packet
}

func (s *packetSink) Offer(p export.Packet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, p)
	return true
}

func (s *packetSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func TestBatchesAreOfferedToExporter(t *testing.T) {
	sink := &packetSink{}
	d, _ := openSim(t, sim.Config{Fast: true, Batches: 3}, daq.WithExporter(sink))
	require.NoError(t, d.Start(false))
	require.Eventually(t, func() bool { return sink.len() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())

	for i, p := range sink.packets {
		assert.Equal(t, uint64(i+1), p.Seq)
		assert.Equal(t, "daq0", p.Device)
		assert.Equal(t, 2, p.Channels)
		assert.Len(t, p.Samples, 20)
	}
}

func TestPulseDrivesLinesHighThenLow(t *testing.T) {
	d, drv := openSim(t, sim.Config{}, daq.WithTriggerLines("FIO4", "FIO5"))
	require.NoError(t, d.Pulse(context.Background()))

	writes := drv.LineWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, []float64{1, 1}, writes[0].Values)
	assert.Equal(t, []float64{0, 0}, writes[1].Values)
	assert.Equal(t, []string{"FIO4", "FIO5"}, writes[1].Names)
	assert.GreaterOrEqual(t, writes[1].At.Sub(writes[0].At), 50*time.Millisecond)

	plain, _ := openSim(t, sim.Config{})
	assert.ErrorIs(t, plain.Pulse(context.Background()), attr.ErrConfiguration)
}

func TestStreamFailureReturnsToStandby(t *testing.T) {
	d, _ := openSim(t, sim.Config{})
	_, err := d.SetAttr("STREAM_TRIGGER_INDEX", attr.Int(2000))
	require.NoError(t, err)
	require.NoError(t, d.SetOutputPath(filepath.Join(t.TempDir(), "daq.tdaq")))

	require.Error(t, d.Start(true))
	assert.Equal(t, pipeline.StateStandby, d.State())

	_, err = d.SetAttr("STREAM_TRIGGER_INDEX", attr.Int(0))
	require.NoError(t, err)
	require.NoError(t, d.Start(false))
	require.NoError(t, d.Stop())
}

func TestRecordRequiresOutputPath(t *testing.T) {
	d, _ := openSim(t, sim.Config{})
	assert.ErrorIs(t, d.Start(true), daq.ErrNoOutputPath)
	assert.Equal(t, pipeline.StateStandby, d.State())
}

// scriptedDriver hands batches to the callback only when the test says so.
type scriptedDriver struct {
	*attr.MemoryBackend

	mu      sync.Mutex
	cb      daq.Callback
	stopErr error
}

func newScriptedDriver() *scriptedDriver {
	return &scriptedDriver{MemoryBackend: attr.NewMemoryBackend(nil, nil)}
}

func (s *scriptedDriver) Serial() string { return "scripted" }

func (s *scriptedDriver) WriteLines(names []string, values []float64) error { return nil }

func (s *scriptedDriver) StreamStart(cfg daq.StreamConfig, cb daq.Callback) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
	return cfg.ScanRate, nil
}

func (s *scriptedDriver) StreamStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErr
}

func (s *scriptedDriver) Close() error { return nil }

// deliver sends scans where channel c of scan i holds c*1000+first+i.
func (s *scriptedDriver) deliver(first, scans, channels int) {
	samples := make([]float64, 0, scans*channels)
	for i := 0; i < scans; i++ {
		for c := 0; c < channels; c++ {
			samples = append(samples, float64(c*1000+first+i))
		}
	}
	s.raw(samples)
}

func (s *scriptedDriver) raw(samples []float64) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	cb(daq.RawBatch{Samples: samples})
}

func openScripted(t *testing.T, drv *scriptedDriver, opts ...daq.Option) *daq.DAQ {
	t.Helper()
	chs, err := daq.ParseChannels("AIN0<A>, AIN1<B>")
	require.NoError(t, err)
	opts = append([]daq.Option{daq.WithLogger(zerolog.Nop())}, opts...)
	d, err := daq.Open("daq0", drv, daq.Config{Channels: chs, ScanRate: 1000, ScansPerRead: 10}, opts...)
	require.NoError(t, err)
	return d
}

func TestPreviewWindowStaysScanAligned(t *testing.T) {
	drv := newScriptedDriver()
	d := openScripted(t, drv, daq.WithPreviewSeconds(0.0995))
	t.Cleanup(func() { d.Close() })

	require.NoError(t, d.Start(false))
	for n := 0; n < 50; n++ {
		drv.deliver(n*10, 10, 2)
	}
	require.NoError(t, d.Stop())

	snap := d.PreviewSnapshot()
	require.Len(t, snap, 200)
	ch0 := pipeline.Deinterleave(snap, 0, 2)
	ch1 := pipeline.Deinterleave(snap, 1, 2)
	require.Len(t, ch0, 100)
	for i := range ch0 {
		assert.Equal(t, float64(400+i), ch0[i])
		assert.Equal(t, float64(1400+i), ch1[i])
	}
}

func TestBatchesAfterFailedStopAreCountedAsDropped(t *testing.T) {
	drv := newScriptedDriver()
	drv.stopErr = errors.New("device busy")
	d := openScripted(t, drv)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.SetOutputPath(filepath.Join(t.TempDir(), "daq.tdaq")))

	require.NoError(t, d.Start(true))
	for n := 0; n < 3; n++ {
		drv.deliver(n*10, 10, 2)
	}
	require.Eventually(t, func() bool { return d.Status().Written == 3 }, 2*time.Second, 5*time.Millisecond)

	err := d.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.Equal(t, pipeline.StateStandby, d.State())

	// The driver ignored the stop and keeps calling back.
	for n := 3; n < 8; n++ {
		drv.deliver(n*10, 10, 2)
	}

	st := d.Status()
	assert.Equal(t, uint64(8), st.Produced)
	assert.Equal(t, uint64(3), st.Written)
	assert.Equal(t, uint64(5), st.Dropped)
	assert.Equal(t, st.Produced, st.Written+st.Dropped+uint64(st.Depth))
	assert.Contains(t, st.LastError, "device busy")

	drv.mu.Lock()
	drv.stopErr = nil
	drv.mu.Unlock()
	require.NoError(t, d.Start(false))
	assert.Empty(t, d.Status().LastError)
	require.NoError(t, d.Stop())
}

func TestMalformedBatchIsRejected(t *testing.T) {
	drv := newScriptedDriver()
	sink := &packetSink{}
	d := openScripted(t, drv, daq.WithExporter(sink))
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.SetOutputPath(filepath.Join(t.TempDir(), "daq.tdaq")))

	require.NoError(t, d.Start(true))
	drv.deliver(0, 10, 2)
	drv.raw(make([]float64, 19))
	drv.raw(nil)
	drv.deliver(10, 10, 2)
	require.NoError(t, d.Stop())

	st := d.Status()
	assert.Equal(t, uint64(2), st.Faults)
	assert.Equal(t, uint64(2), st.Produced)
	assert.Equal(t, uint64(2), st.Written)
	require.Equal(t, 2, sink.len())
	assert.Equal(t, uint64(2), sink.packets[1].Seq)

	_, rows, err := daq.ReadFile(d.OutputPath())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Len(t, row, 20)
	}
}
