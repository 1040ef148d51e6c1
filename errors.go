package cyphalcan

import "errors"

// Sentinel errors returned by the core. Protocol-level anomalies (bad
// toggle, unexpected transfer-ID, CRC mismatch, address mismatch, reserved
// bit violations) are never surfaced as errors: they are silent drops, per
// the error taxonomy in spec.md §4 / §7.
var (
	ErrInvalidArgument = errors.New("cyphalcan: invalid argument")
	ErrOutOfMemory     = errors.New("cyphalcan: out of memory")
)
