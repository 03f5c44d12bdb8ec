package attr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend() *MemoryBackend {
	b := NewMemoryBackend([]Descriptor{
		{Name: "TriggerMode", Type: TypeEnum, Access: AccessReadWrite, Values: []string{"On", "Off"}},
		{Name: "AcquisitionFrameRate", Type: TypeFloat, Access: AccessReadWrite},
		{Name: "Width", Type: TypeInt, Access: AccessReadWrite},
		{Name: "DeviceSerialNumber", Type: TypeString, Access: AccessRead},
		{Name: "ReverseX", Type: TypeBool, Access: AccessReadWrite},
		{Name: "TriggerSoftware", Type: TypeCommand, Access: AccessWrite},
		{Name: "Mystery", Type: TypeUnknown, Access: AccessReadWrite},
	}, map[string]Value{
		"TriggerMode":          Enum("Off"),
		"AcquisitionFrameRate": Float(30),
		"Width":                Int(640),
		"DeviceSerialNumber":   String("1234"),
		"ReverseX":             Bool(false),
	})
	b.Guard = func(name string, v Value, get func(string) Value) (Value, error) {
		if name == "AcquisitionFrameRate" {
			if Equal(get("TriggerMode"), Enum("On")) {
				return nil, errors.New("frame rate locked by trigger mode")
			}
			if float64(v.(Float)) > 200 {
				return Float(200), nil
			}
		}
		return v, nil
	}
	return b
}

func TestSetValidation(t *testing.T) {
	tests := []struct {
		name  string
		attr  string
		value Value
		want  error
	}{
		{"unknown", "Nope", Int(1), ErrInvalidAttribute},
		{"read only", "DeviceSerialNumber", String("x"), ErrReadOnlyAttribute},
		{"float wants float", "AcquisitionFrameRate", String("fast"), ErrTypeMismatch},
		{"int wants int", "Width", Float(1.5), ErrTypeMismatch},
		{"bool wants bool", "ReverseX", Int(1), ErrTypeMismatch},
		{"enum outside set", "TriggerMode", Enum("Maybe"), ErrInvalidEnumValue},
		{"enum from bool", "TriggerMode", Bool(true), ErrTypeMismatch},
		{"command", "TriggerSoftware", Command{}, ErrUnsupportedType},
		{"unknown type", "Mystery", Int(3), ErrUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBackend()
			r := NewRegistry(b)
			_, err := r.Set(tt.attr, tt.value)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Equal(t, 0, b.Writes(), "hardware must not be touched")
		})
	}
}

func TestSetReadsBack(t *testing.T) {
	b := testBackend()
	r := NewRegistry(b)

	got, err := r.Set("AcquisitionFrameRate", Int(500))
	require.NoError(t, err)
	assert.Equal(t, Float(200), got, "returns the clamped device value")

	got, err = r.Set("TriggerMode", String("On"))
	require.NoError(t, err)
	assert.Equal(t, Enum("On"), got)
}

func TestSetResolvesDependency(t *testing.T) {
	b := testBackend()
	r := NewRegistry(b, WithDependencies(Dependency{
		Attr:     "AcquisitionFrameRate",
		Mode:     "TriggerMode",
		Blocking: Enum("On"),
		Neutral:  Enum("Off"),
	}))

	_, err := r.Set("TriggerMode", Enum("On"))
	require.NoError(t, err)

	got, err := r.Set("AcquisitionFrameRate", Float(60))
	require.NoError(t, err)
	assert.Equal(t, Float(60), got)

	mode, err := r.Get("TriggerMode")
	require.NoError(t, err)
	assert.Equal(t, Enum("On"), mode, "mode restored after write")
}

func TestSetWithoutDependencyFails(t *testing.T) {
	b := testBackend()
	r := NewRegistry(b)
	_, err := r.Set("TriggerMode", Enum("On"))
	require.NoError(t, err)

	_, err = r.Set("AcquisitionFrameRate", Float(60))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConfiguration), "device refusal is not a validation error")
}

func TestApplyConfigMultiPass(t *testing.T) {
	b := testBackend()
	r := NewRegistry(b)
	_, err := r.Set("TriggerMode", Enum("On"))
	require.NoError(t, err)

	// Sorted order applies the frame rate before the trigger mode is turned
	// off, so only a second pass can succeed.
	err = r.ApplyConfig(map[string]Value{
		"AcquisitionFrameRate": Float(90),
		"TriggerMode":          Enum("Off"),
	}, 1)
	require.Error(t, err)

	_, err = r.Set("TriggerMode", Enum("On"))
	require.NoError(t, err)
	err = r.ApplyConfig(map[string]Value{
		"AcquisitionFrameRate": Float(90),
		"TriggerMode":          Enum("Off"),
	}, 2)
	require.NoError(t, err)
	got, _ := r.Get("AcquisitionFrameRate")
	assert.Equal(t, Float(90), got)
}

func TestApplyConfigRejectsInvalidUpFront(t *testing.T) {
	b := testBackend()
	r := NewRegistry(b)
	err := r.ApplyConfig(map[string]Value{
		"Width":   Int(320),
		"Unknown": Int(1),
	}, 3)
	assert.ErrorIs(t, err, ErrInvalidAttribute)
	assert.Equal(t, 0, b.Writes())
}

func TestParsePreset(t *testing.T) {
	p, err := ParsePreset([]byte(`
attributes:
  TriggerMode: "Off"
  AcquisitionFrameRate: 120
  ExposureTime: 2500.5
  ReverseX: true
trigger_release_delay: 2s
encoder: jpeg
`))
	require.NoError(t, err)
	assert.Equal(t, String("Off"), p.Attributes["TriggerMode"])
	assert.Equal(t, Int(120), p.Attributes["AcquisitionFrameRate"])
	assert.Equal(t, Float(2500.5), p.Attributes["ExposureTime"])
	assert.Equal(t, Bool(true), p.Attributes["ReverseX"])
	assert.Equal(t, "jpeg", p.Encoder)
	assert.Equal(t, defaultPasses, p.Passes)
	assert.EqualValues(t, 2e9, p.TriggerReleaseDelay)
}

func TestParsePresetKeysAndBadValues(t *testing.T) {
	p, err := ParsePreset([]byte(`
attributes:
  1: 2
  Gain: 3.5
passes: 5
`))
	require.NoError(t, err)
	assert.Equal(t, map[string]Value{"1": Int(2), "Gain": Float(3.5)}, p.Attributes)
	assert.Equal(t, 5, p.Passes)

	_, err = ParsePreset([]byte(`
attributes:
  Gain: [1, 2]
`))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.Contains(t, err.Error(), "attribute Gain")

	_, err = ParsePreset([]byte(`attributes: [Gain]`))
	assert.Error(t, err)
}
