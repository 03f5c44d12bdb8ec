package attr

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const defaultPasses = 3

// Preset is a configuration document: attribute values plus control
// directives that are not device attributes.
type Preset struct {
	Attributes map[string]Value

	// TriggerReleaseDelay > 0 asks for free-run settling before trigger mode.
	TriggerReleaseDelay time.Duration
	// Encoder names the preferred encoder for the primary stream.
	Encoder string
	Passes  int
}

type presetFile struct {
	Attributes          map[string]interface{} `yaml:"attributes"`
	TriggerReleaseDelay time.Duration          `yaml:"trigger_release_delay"`
	Encoder             string                 `yaml:"encoder"`
	Passes              int                    `yaml:"passes"`
}

func ParsePreset(contents []byte) (*Preset, error) {
	var pf presetFile
	if err := yaml.Unmarshal(contents, &pf); err != nil {
		return nil, fmt.Errorf("error unmarshaling preset: %w", err)
	}

	p := &Preset{
		Attributes:          make(map[string]Value, len(pf.Attributes)),
		TriggerReleaseDelay: pf.TriggerReleaseDelay,
		Encoder:             pf.Encoder,
		Passes:              pf.Passes,
	}
	if p.Passes == 0 {
		p.Passes = defaultPasses
	}

	// Document order is not kept. ApplyConfig orders writes itself.
	for name, raw := range pf.Attributes {
		v, err := FromYAML(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		p.Attributes[name] = v
	}
	return p, nil
}

func LoadPreset(path string) (*Preset, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePreset(contents)
}
