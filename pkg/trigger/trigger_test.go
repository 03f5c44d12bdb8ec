package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/norasector/tandem/pkg/attr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(mode string) *attr.Registry {
	b := attr.NewMemoryBackend([]attr.Descriptor{
		{Name: "TriggerMode", Type: attr.TypeEnum, Access: attr.AccessReadWrite, Values: []string{"On", "Off"}},
	}, map[string]attr.Value{"TriggerMode": attr.Enum(mode)})
	return attr.NewRegistry(b, attr.WithLogger(zerolog.Nop()))
}

func mode(t *testing.T, reg *attr.Registry) attr.Value {
	v, err := reg.Get("TriggerMode")
	require.NoError(t, err)
	return v
}

func TestDeferredRelease(t *testing.T) {
	reg := newRegistry("On")
	c := NewController(reg, 30*time.Millisecond, WithLogger(zerolog.Nop()))
	require.True(t, c.Deferred())

	require.NoError(t, c.Begin())
	assert.Equal(t, attr.Enum("Off"), mode(t, reg), "free-run while settling")

	c.Release(context.Background())
	assert.False(t, c.Released())
	assert.Eventually(t, c.Released, time.Second, 5*time.Millisecond)
	assert.Equal(t, attr.Enum("On"), mode(t, reg))

	require.NoError(t, c.End())
	assert.Equal(t, attr.Enum("On"), mode(t, reg))
}

func TestStopBeforeReleaseRestoresMode(t *testing.T) {
	reg := newRegistry("On")
	c := NewController(reg, time.Hour, WithLogger(zerolog.Nop()))

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Begin())
		c.Release(context.Background())
		assert.Equal(t, attr.Enum("Off"), mode(t, reg))
		require.NoError(t, c.End())
		assert.Equal(t, attr.Enum("On"), mode(t, reg), "cycle %d", i)
		assert.False(t, c.Released())
	}
}

func TestNoDelayLeavesModeAlone(t *testing.T) {
	for _, m := range []string{"On", "Off"} {
		reg := newRegistry(m)
		c := NewController(reg, 0, WithLogger(zerolog.Nop()))
		assert.False(t, c.Deferred())
		require.NoError(t, c.Begin())
		c.Release(context.Background())
		assert.Equal(t, attr.Enum(m), mode(t, reg))
		assert.Equal(t, m == "On", c.Released())
		require.NoError(t, c.End())
		assert.Equal(t, attr.Enum(m), mode(t, reg))
	}
}

type lineRecorder struct {
	mu     sync.Mutex
	writes [][]float64
	at     []time.Time
}

func (l *lineRecorder) WriteLines(names []string, values []float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, append([]float64(nil), values...))
	l.at = append(l.at, time.Now())
	return nil
}

func TestPulse(t *testing.T) {
	var rec lineRecorder
	require.NoError(t, Pulse(context.Background(), &rec, []string{"FIO0", "FIO1"}, 10*time.Millisecond))
	require.Len(t, rec.writes, 2)
	assert.Equal(t, []float64{1, 1}, rec.writes[0])
	assert.Equal(t, []float64{0, 0}, rec.writes[1])
	assert.GreaterOrEqual(t, rec.at[1].Sub(rec.at[0]), 10*time.Millisecond)

	var none lineRecorder
	require.NoError(t, Pulse(context.Background(), &none, nil, time.Millisecond))
	assert.Empty(t, none.writes)
}
