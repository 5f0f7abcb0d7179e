// Package perrs defines the error taxonomy shared by every paravisor
// subsystem. It generalizes the teacher kernel's signed-errno style
// (defs.Err_t) into a small typed-kind error so callers can
// discriminate failure classes without string matching.
package perrs

import "fmt"

// Kind classifies an error by the effect it should have on the caller,
// per spec §7.
type Kind int

const (
	// KindConfig marks synchronous configuration errors: reserved range
	// outside used range, unsorted mapped ranges, buffer-size mismatch,
	// duplicate names. Never recovered internally.
	KindConfig Kind = iota
	// KindResource marks soft resource exhaustion: page-pool OOM, no
	// free queue slots, NUMA-constrained allocation failure. Callers
	// may retry with different parameters.
	KindResource
	// KindHypervisor marks a hypercall status mapped one-for-one to a
	// domain kind.
	KindHypervisor
	// KindDevice marks a device-level failure (e.g. NVMe CSTS.CFS=1).
	KindDevice
	// KindProtocol marks a protocol violation on a transport (bad
	// packet framing, wrong transaction id, bad TDISP response).
	KindProtocol
	// KindSaveRestore marks a save/restore geometry mismatch.
	KindSaveRestore
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindResource:
		return "resource"
	case KindHypervisor:
		return "hypervisor"
	case KindDevice:
		return "device"
	case KindProtocol:
		return "protocol"
	case KindSaveRestore:
		return "save-restore"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across package boundaries
// in this module.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with the given kind, operation, and message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap constructs an *Error that carries an underlying cause.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// HvStatus is the TLFS hypercall status code. Only the values the
// hypercall facade inspects or maps to errors are enumerated (spec
// §4.4/§7); the full TLFS status-code space is not reproduced here.
type HvStatus uint16

const (
	HvStatusSuccess               HvStatus = 0x0000
	HvStatusInvalidHypercallCode  HvStatus = 0x0002
	HvStatusInvalidHypercallInput HvStatus = 0x0003
	HvStatusInvalidAlignment      HvStatus = 0x0004
	HvStatusInvalidParameter      HvStatus = 0x0005
	HvStatusAccessDenied          HvStatus = 0x0006
	HvStatusInvalidPartitionState HvStatus = 0x0007
	HvStatusOperationDenied       HvStatus = 0x0008
	HvStatusInsufficientMemory    HvStatus = 0x0011
	HvStatusInvalidVpIndex        HvStatus = 0x0015
	HvStatusNotFound              HvStatus = 0x0035
	HvStatusInvalidVtlState       HvStatus = 0x0057
	HvStatusVtlAlreadyEnabled     HvStatus = 0x00F6
)

func (s HvStatus) Ok() bool { return s == HvStatusSuccess }

// AsError maps a non-success hypercall status to a *Error with
// KindHypervisor. VtlAlreadyEnabled is intentionally not mapped here;
// callers that treat it as idempotent success (EnablePartitionVtl,
// EnableVpVtl) check for it before calling AsError.
func (s HvStatus) AsError(op string) error {
	if s.Ok() {
		return nil
	}
	return New(KindHypervisor, op, fmt.Sprintf("hypercall failed with status 0x%04x", uint16(s)))
}
