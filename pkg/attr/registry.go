package attr

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type AccessMode int

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

func (a AccessMode) Writable() bool { return a&AccessWrite != 0 }
func (a AccessMode) Readable() bool { return a&AccessRead != 0 }

type Descriptor struct {
	Name   string
	Type   Type
	Access AccessMode
	// Allowed values, enums only.
	Values []string
}

func (d Descriptor) allows(v string) bool {
	for _, allowed := range d.Values {
		if allowed == v {
			return true
		}
	}
	return false
}

// Backend is the hardware side of a registry. Writes must reach the device;
// Read must report what the device actually holds.
type Backend interface {
	Descriptors() []Descriptor
	Read(name string) (Value, error)
	Write(name string, v Value) error
}

// Dependency declares that Attr cannot be written while Mode reads Blocking.
// The registry writes Neutral to Mode, applies Attr and restores Mode.
type Dependency struct {
	Attr     string
	Mode     string
	Blocking Value
	Neutral  Value
}

type Registry struct {
	backend     Backend
	descriptors map[string]Descriptor
	deps        map[string][]Dependency
	logger      zerolog.Logger

	// Serialises read-modify-restore sequences against each other.
	mu sync.Mutex
}

type RegistryOption func(r *Registry)

func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithDependencies(deps ...Dependency) RegistryOption {
	return func(r *Registry) {
		for _, d := range deps {
			r.deps[d.Attr] = append(r.deps[d.Attr], d)
		}
	}
}

func NewRegistry(backend Backend, opts ...RegistryOption) *Registry {
	r := &Registry{
		backend:     backend,
		descriptors: make(map[string]Descriptor),
		deps:        make(map[string][]Dependency),
		logger:      log.Logger,
	}
	for _, d := range backend.Descriptors() {
		r.descriptors[d.Name] = d
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// Names returns every known attribute name in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Get(name string) (Value, error) {
	d, ok := r.descriptors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAttribute, name)
	}
	if !d.Access.Readable() {
		return nil, fmt.Errorf("%w: %s is not readable", ErrInvalidAttribute, name)
	}
	return r.backend.Read(name)
}

// Validate checks v against the descriptor and returns the value that would be
// written, after the allowed coercions.
func (r *Registry) Validate(name string, v Value) (Value, error) {
	d, ok := r.descriptors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAttribute, name)
	}
	if !d.Access.Writable() {
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyAttribute, name)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s: nil value", ErrTypeMismatch, name)
	}

	switch d.Type {
	case TypeCommand:
		return nil, fmt.Errorf("%w: %s is a command", ErrUnsupportedType, name)
	case TypeEnum:
		var s string
		switch tv := v.(type) {
		case Enum:
			s = string(tv)
		case String:
			s = string(tv)
		default:
			return nil, fmt.Errorf("%w: %s wants enum, got %s", ErrTypeMismatch, name, v.Type())
		}
		if !d.allows(s) {
			return nil, fmt.Errorf("%w: %s=%q (allowed %v)", ErrInvalidEnumValue, name, s, d.Values)
		}
		return Enum(s), nil
	case TypeFloat:
		switch tv := v.(type) {
		case Float:
			return tv, nil
		case Int:
			return Float(tv), nil
		}
	case TypeInt, TypeString, TypeBool:
		if v.Type() == d.Type {
			return v, nil
		}
	default:
		return nil, fmt.Errorf("%w: %s has type %s", ErrUnsupportedType, name, d.Type)
	}
	return nil, fmt.Errorf("%w: %s wants %s, got %s", ErrTypeMismatch, name, d.Type, v.Type())
}

// Set validates v, writes it and returns the value read back from the device.
// Declared dependencies are resolved by temporarily neutralising the blocking
// mode.
func (r *Registry) Set(name string, v Value) (Value, error) {
	checked, err := r.Validate(name, v)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restore, err := r.unblock(name)
	if err != nil {
		return nil, err
	}

	werr := r.backend.Write(name, checked)
	rerr := restore()
	if werr != nil {
		return nil, fmt.Errorf("writing %s: %w", name, werr)
	}
	if rerr != nil {
		return nil, rerr
	}

	got, err := r.backend.Read(name)
	if err != nil {
		return nil, fmt.Errorf("reading back %s: %w", name, err)
	}
	if !Equal(got, checked) {
		r.logger.Warn().
			Str("attr", name).
			Str("requested", checked.String()).
			Str("actual", got.String()).
			Msg("device adjusted attribute value")
	}
	return got, nil
}

func (r *Registry) unblock(name string) (func() error, error) {
	var undo []func() error
	for _, dep := range r.deps[name] {
		cur, err := r.backend.Read(dep.Mode)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dep.Mode, err)
		}
		if !Equal(cur, dep.Blocking) {
			continue
		}
		r.logger.Debug().Str("attr", name).Str("mode", dep.Mode).Msg("temporarily disabling conflicting mode")
		if err := r.backend.Write(dep.Mode, dep.Neutral); err != nil {
			return nil, fmt.Errorf("disabling %s: %w", dep.Mode, err)
		}
		mode, prior := dep.Mode, cur
		undo = append(undo, func() error {
			if err := r.backend.Write(mode, prior); err != nil {
				return fmt.Errorf("restoring %s: %w", mode, err)
			}
			return nil
		})
	}
	return func() error {
		var errs []error
		for i := len(undo) - 1; i >= 0; i-- {
			if err := undo[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}, nil
}

// ApplyConfig writes every entry of values, repeating up to passes times for
// entries whose write was refused by the device. Validation failures are
// returned at once.
func (r *Registry) ApplyConfig(values map[string]Value, passes int) error {
	if passes < 1 {
		passes = 1
	}

	names := make([]string, 0, len(values))
	for name, v := range values {
		if _, err := r.Validate(name, v); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	pending := names
	var failures map[string]error
	for pass := 1; pass <= passes && len(pending) > 0; pass++ {
		failures = make(map[string]error)
		var next []string
		for _, name := range pending {
			if _, err := r.Set(name, values[name]); err != nil {
				failures[name] = err
				next = append(next, name)
			}
		}
		r.logger.Debug().
			Int("pass", pass).
			Int("applied", len(pending)-len(next)).
			Int("remaining", len(next)).
			Msg("applied attribute pass")
		pending = next
	}

	if len(pending) == 0 {
		return nil
	}
	errs := make([]error, 0, len(pending))
	for _, name := range pending {
		errs = append(errs, failures[name])
	}
	return errors.Join(errs...)
}
