package ndp6proxy

import "errors"

// Sentinel errors for the startup and per-packet failure paths documented in
// SPEC_FULL.md §8. Callers in cmd/ndp6proxy use errors.Is against these to
// decide the process exit code.
var (
	ErrInvalidInterface   = errors.New("invalid interface")
	ErrDuplicateInterface = errors.New("duplicate interface")
	ErrLoopbackRefused    = errors.New("loopback interface refused")
	ErrUsage              = errors.New("usage error")
	ErrMalformedPacket    = errors.New("malformed packet")
	ErrSniffCapture       = errors.New("sniffer capture error")
)
