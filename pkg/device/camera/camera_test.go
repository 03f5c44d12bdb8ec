package camera_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/device/camera"
	"github.com/norasector/tandem/pkg/device/camera/playback"
	"github.com/norasector/tandem/pkg/device/camera/sim"
	"github.com/norasector/tandem/pkg/pipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSim(t *testing.T, cfg sim.Config) (*camera.Camera, *sim.Driver) {
	t.Helper()
	drv := sim.New(cfg)
	cam, err := camera.Open("cam0", drv,
		camera.WithLogger(zerolog.Nop()),
		camera.WithGrabTimeout(50*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cam.Close() })
	return cam, drv
}

func readContainer(t *testing.T, path string) []*camera.Frame {
	t.Helper()
	r, err := camera.OpenContainer(path)
	require.NoError(t, err)
	defer r.Close()
	var frames []*camera.Frame
	for {
		f, err := r.Next()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func readSidecar(t *testing.T, path string) []pipeline.Meta {
	t.Helper()
	f, err := os.Open(path + ".meta.txt")
	require.NoError(t, err)
	defer f.Close()
	metas, err := pipeline.ReadMetaLog(f)
	require.NoError(t, err)
	return metas
}

func TestRecordPersistsEveryFrameBeforeStop(t *testing.T) {
	cam, _ := openSim(t, sim.Config{FrameRate: 30, Frames: 50})
	path := filepath.Join(t.TempDir(), cam.DefaultFileName())
	require.NoError(t, cam.SetOutputPath(path))

	require.NoError(t, cam.Start(true))
	assert.Equal(t, pipeline.StateRecording, cam.State())
	require.Eventually(t, func() bool {
		return cam.Status().Produced == 50
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, cam.Stop())
	assert.Equal(t, pipeline.StateStandby, cam.State())

	metas := readSidecar(t, path)
	require.Len(t, metas, 50)
	for i, m := range metas {
		assert.Equal(t, uint64(i+1), m.Seq)
		if i > 0 {
			assert.GreaterOrEqual(t, m.DeviceTS, metas[i-1].DeviceTS)
		}
	}

	frames := readContainer(t, path)
	require.Len(t, frames, 50)
	assert.Equal(t, uint64(1), frames[0].Seq)
	assert.Equal(t, uint64(50), frames[49].Seq)
	assert.Len(t, frames[0].Pix, 64*48)

	st := cam.Status()
	assert.Equal(t, uint64(50), st.Written)
	assert.Zero(t, st.Dropped)
	assert.NotEmpty(t, st.Session)
}

func TestStartWhileActive(t *testing.T) {
	cam, _ := openSim(t, sim.Config{FrameRate: 100})

	require.NoError(t, cam.Start(false))
	err := cam.Start(true)
	assert.ErrorIs(t, err, pipeline.ErrAlreadyActive)
	assert.ErrorIs(t, err, pipeline.ErrState)
	assert.Equal(t, pipeline.StatePreviewing, cam.State())

	require.NoError(t, cam.Stop())
	assert.ErrorIs(t, cam.Stop(), pipeline.ErrNotActive)
}

func TestRecordRequiresWritablePath(t *testing.T) {
	cam, _ := openSim(t, sim.Config{})

	err := cam.Start(true)
	assert.ErrorIs(t, err, camera.ErrNoOutputPath)
	assert.Equal(t, pipeline.StateStandby, cam.State())

	require.NoError(t, cam.SetOutputPath(filepath.Join(t.TempDir(), "missing", "cam.cbor")))
	require.Error(t, cam.Start(true))
	assert.Equal(t, pipeline.StateStandby, cam.State())
}

func TestOutputPathOnlyInStandby(t *testing.T) {
	cam, _ := openSim(t, sim.Config{FrameRate: 100})
	require.NoError(t, cam.Start(false))
	assert.ErrorIs(t, cam.SetOutputPath("/tmp/x.cbor"), pipeline.ErrState)
	require.NoError(t, cam.Stop())
}

func TestPreviewPublishesLatestFrame(t *testing.T) {
	dir := t.TempDir()
	cam, _ := openSim(t, sim.Config{FrameRate: 100})
	require.NoError(t, cam.SetOutputPath(filepath.Join(dir, "cam.cbor")))

	require.NoError(t, cam.Start(false))
	require.Eventually(t, func() bool {
		f, ok := cam.CurrentFrame()
		return ok && f.Seq >= 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, cam.Stop())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "preview never writes")
}

func TestConfigureResolvesTriggerDependency(t *testing.T) {
	cam, _ := openSim(t, sim.Config{})
	_, err := cam.SetAttr("TriggerMode", attr.Enum("On"))
	require.NoError(t, err)

	p, err := attr.ParsePreset([]byte(`
attributes:
  AcquisitionFrameRate: 60
  Gain: 6.5
  TriggerSource: Line2
encoder: jpeg
`))
	require.NoError(t, err)
	require.NoError(t, cam.Configure(p))

	rate, err := cam.Registry().Get("AcquisitionFrameRate")
	require.NoError(t, err)
	assert.Equal(t, attr.Float(60), rate)
	mode, _ := cam.Registry().Get("TriggerMode")
	assert.Equal(t, attr.Enum("On"), mode)

	_, err = cam.SetAttr("TriggerSoftware", attr.Command{})
	assert.ErrorIs(t, err, attr.ErrUnsupportedType)
}

func TestConfigureRejectsUnknownEncoder(t *testing.T) {
	cam, _ := openSim(t, sim.Config{})
	err := cam.Configure(&attr.Preset{Encoder: "h265", Passes: 1})
	assert.ErrorIs(t, err, camera.ErrUnknownEncoder)
	assert.ErrorIs(t, err, attr.ErrConfiguration)
}

func TestDelayedTriggerRelease(t *testing.T) {
	cam, _ := openSim(t, sim.Config{FrameRate: 100})
	_, err := cam.SetAttr("TriggerMode", attr.Enum("On"))
	require.NoError(t, err)
	require.NoError(t, cam.Configure(&attr.Preset{TriggerReleaseDelay: 150 * time.Millisecond, Passes: 1}))

	require.NoError(t, cam.Start(false))
	mode, _ := cam.Registry().Get("TriggerMode")
	assert.Equal(t, attr.Enum("Off"), mode, "free-runs until released")
	require.Eventually(t, func() bool {
		f, ok := cam.CurrentFrame()
		return ok && f.Seq > 0
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return cam.Status().Triggered }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, cam.Stop())

	mode, _ = cam.Registry().Get("TriggerMode")
	assert.Equal(t, attr.Enum("On"), mode)
	assert.False(t, cam.Status().Triggered)
}

func TestJPEGContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cam.cbor")
	w, err := camera.CreateContainer(path, camera.EncoderJPEG)
	require.NoError(t, err)

	pix := make([]byte, 32*16)
	for i := range pix {
		pix[i] = 128
	}
	require.NoError(t, w.Encode(&camera.Frame{Seq: 7, Width: 32, Height: 16, Pix: pix, DeviceTS: 99, HostTS: time.Unix(5, 0)}))
	require.NoError(t, w.Close())

	frames := readContainer(t, path)
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, uint64(7), f.Seq)
	assert.Equal(t, int64(99), f.DeviceTS)
	assert.Equal(t, 32, f.Width)
	assert.Equal(t, 16, f.Height)
	require.Len(t, f.Pix, 32*16)
	assert.InDelta(t, 128, int(f.Pix[100]), 2)
}

func TestPlaybackReplaysRecording(t *testing.T) {
	cam, _ := openSim(t, sim.Config{Serial: "4242", FrameRate: 200, Frames: 10, Width: 8, Height: 4})
	path := filepath.Join(t.TempDir(), cam.DefaultFileName())
	require.NoError(t, cam.SetOutputPath(path))
	require.NoError(t, cam.Start(true))
	require.Eventually(t, func() bool { return cam.Status().Produced == 10 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, cam.Stop())
	recorded := readContainer(t, path)
	require.Len(t, recorded, 10)

	drv, err := playback.Open(path, 200)
	require.NoError(t, err)
	assert.Equal(t, "4242", drv.Serial())
	replay, err := camera.Open("replay", drv, camera.WithLogger(zerolog.Nop()), camera.WithGrabTimeout(20*time.Millisecond))
	require.NoError(t, err)
	defer replay.Close()

	require.NoError(t, replay.Start(false))
	require.Eventually(t, func() bool { return replay.Status().Produced == 10 }, 2*time.Second, 5*time.Millisecond)
	f, ok := replay.CurrentFrame()
	require.True(t, ok)
	assert.Equal(t, recorded[9].Pix, f.Pix)
	assert.Equal(t, recorded[9].DeviceTS, f.DeviceTS)
	require.NoError(t, replay.Stop())
}
