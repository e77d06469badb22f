package sorting

import (
	"errors"

	"github.com/banshee-data/sortgate/internal/protocol"
)

var (
	// ErrInvalidSessionState is returned by lifecycle methods and
	// ProcessFrame when called from a state that does not allow them.
	ErrInvalidSessionState = errors.New("invalid session state")

	// ErrInvalidPacketField aliases protocol.ErrInvalidPacketField so
	// callers of this package can match it without importing protocol.
	ErrInvalidPacketField = protocol.ErrInvalidPacketField

	// ErrInvalidPolicy is returned when a policy fails validation.
	ErrInvalidPolicy = errors.New("invalid policy")
)
