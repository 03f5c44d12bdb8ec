package attr

import (
	"errors"
	"fmt"
)

// ErrConfiguration is wrapped by every validation failure. These are surfaced
// synchronously and never retried.
var ErrConfiguration = errors.New("configuration error")

var (
	ErrInvalidAttribute  = fmt.Errorf("%w: invalid attribute", ErrConfiguration)
	ErrReadOnlyAttribute = fmt.Errorf("%w: read-only attribute", ErrConfiguration)
	ErrTypeMismatch      = fmt.Errorf("%w: type mismatch", ErrConfiguration)
	ErrInvalidEnumValue  = fmt.Errorf("%w: invalid enum value", ErrConfiguration)
	ErrUnsupportedType   = fmt.Errorf("%w: unsupported attribute type", ErrConfiguration)
)
