package zombiegram

import "errors"

// Error taxonomy mirrors the Zombiegram exception hierarchy of the original
// protocol implementation. Malformed-input and protocol-misuse conditions
// are distinct sentinel-wrapped errors so callers can errors.Is/As them.
var (
	// ErrMalformedZombiegram is returned for truncated buffers, unknown
	// opcodes, or out-of-range header/payload fields.
	ErrMalformedZombiegram = errors.New("zombiegram: malformed")

	// ErrImmutableZombiegram is returned when a setter or add_payload-style
	// mutation is attempted on an already-signed Zombiegram.
	ErrImmutableZombiegram = errors.New("zombiegram: immutable")

	// ErrPayloadOverflow is returned by AddPayload when the addition would
	// push the total encoded size past 64 bytes.
	ErrPayloadOverflow = errors.New("zombiegram: payload overflow")

	// ErrPiggybackProhibited is returned by AddPayload when either the
	// existing payload list or the payload being added is non-combinable.
	ErrPiggybackProhibited = errors.New("zombiegram: piggyback prohibited")

	// ErrDisallowedOperation is returned for state-machine violations such
	// as re-signing an already-signed builder.
	ErrDisallowedOperation = errors.New("zombiegram: disallowed operation")

	// ErrUsmsSizeTooLarge is returned when a USMS payload's ASCII text
	// exceeds usms.MaxChars.
	ErrUsmsSizeTooLarge = errors.New("zombiegram: usms payload too large")
)
