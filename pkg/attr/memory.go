package attr

import (
	"fmt"
	"sync"
)

// MemoryBackend keeps attribute values in memory. Simulated drivers embed it
// and install a Guard to model device-side refusals and clamping.
type MemoryBackend struct {
	mu          sync.RWMutex
	descriptors []Descriptor
	values      map[string]Value
	writes      int

	// Guard may refuse a write or replace the stored value. It runs with the
	// backend locked and receives a read accessor for other attributes.
	Guard func(name string, v Value, get func(string) Value) (Value, error)
}

func NewMemoryBackend(descriptors []Descriptor, initial map[string]Value) *MemoryBackend {
	m := &MemoryBackend{
		descriptors: descriptors,
		values:      make(map[string]Value, len(initial)),
	}
	for k, v := range initial {
		m.values[k] = v
	}
	return m
}

func (m *MemoryBackend) Descriptors() []Descriptor {
	return m.descriptors
}

func (m *MemoryBackend) Read(name string) (Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	if !ok {
		return nil, fmt.Errorf("attribute %s has no value", name)
	}
	return v, nil
}

func (m *MemoryBackend) Write(name string, v Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Guard != nil {
		got, err := m.Guard(name, v, func(other string) Value { return m.values[other] })
		if err != nil {
			return err
		}
		v = got
	}
	m.values[name] = v
	m.writes++
	return nil
}

// Writes reports how many writes reached the backend.
func (m *MemoryBackend) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
