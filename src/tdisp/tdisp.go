// Package tdisp implements the host-side TDISP lifecycle state
// machine: the guest-facing operations (GetDeviceInterfaceInfo, Bind,
// StartTdi, GetTdiReport, Unbind) and the strict Unlocked/Locked/Run
// transition discipline that guards them. It is grounded on
// original_source/vm/devices/tdisp/src/lib.rs's TdispHostStateMachine,
// translated from a protobuf-message-dispatching trait object into a
// plain Go struct with one exported method per guest command; the
// hand-rolled protobuf schema for GuestToHostCommand/Response is
// dropped entirely (spec §11's Non-goals exclude protobuf schema
// declarations beyond what C2/C3/C7 need) in favor of typed Go method
// arguments and return values.
package tdisp

import (
	"sync"

	"perrs"
	"plog"
	"ring"
)

const historyLen = 10

// State is a TDI's lifecycle position. Transitions are exactly
// Unlocked->Locked, Locked->Run, and any state->Unlocked (unbind).
type State int

const (
	StateUnlocked State = iota
	StateLocked
	StateRun
)

func (s State) String() string {
	switch s {
	case StateUnlocked:
		return "Unlocked"
	case StateLocked:
		return "Locked"
	case StateRun:
		return "Run"
	default:
		return "Unknown"
	}
}

// ProtocolType is the guest-negotiated TDISP wire protocol version.
// ProtocolInvalid marks "not yet negotiated".
type ProtocolType int

const (
	ProtocolInvalid ProtocolType = iota
	ProtocolV1
)

// ReportType tags the kind of attestation/device report being
// requested. ReportInvalid is rejected only after the Locked/Run state
// check passes, matching the original's ordering: a report requested
// outside Locked/Run still forces an unbind even when the report type
// itself is also invalid.
type ReportType int

const (
	ReportInvalid ReportType = iota
	ReportInterfaceReport
	ReportGuestDeviceID
)

// guestDeviceIDSize is the exact, non-negotiable length of a
// GUEST_DEVICE_ID report: a little-endian uint64 device id.
const guestDeviceIDSize = 8

// UnbindReasonKind discriminates why a device was forced back to
// Unlocked, mirroring the original's TdispUnbindReason enum variants
// that this module actually reaches (attestation-protocol variants
// that the original's dead client paths never trigger are omitted).
type UnbindReasonKind int

const (
	// UnbindGuestInitiated is a guest-requested graceful unbind.
	UnbindGuestInitiated UnbindReasonKind = iota
	// UnbindInvalidGuestTransitionToLocked is Bind called outside Unlocked.
	UnbindInvalidGuestTransitionToLocked
	// UnbindInvalidGuestTransitionToRun is StartTdi called outside Locked.
	UnbindInvalidGuestTransitionToRun
	// UnbindInvalidGuestGetAttestationReportState is GetTdiReport called
	// outside Locked/Run.
	UnbindInvalidGuestGetAttestationReportState
	// UnbindInvalidGuestUnbindReason marks a guest-supplied unbind reason
	// that wasn't recognized; the unbind still succeeds (§12 decision:
	// recorded, non-fatal -- see DESIGN.md).
	UnbindInvalidGuestUnbindReason
)

func (k UnbindReasonKind) String() string {
	switch k {
	case UnbindGuestInitiated:
		return "GuestInitiated"
	case UnbindInvalidGuestTransitionToLocked:
		return "InvalidGuestTransitionToLocked"
	case UnbindInvalidGuestTransitionToRun:
		return "InvalidGuestTransitionToRun"
	case UnbindInvalidGuestGetAttestationReportState:
		return "InvalidGuestGetAttestationReportState"
	case UnbindInvalidGuestUnbindReason:
		return "InvalidGuestUnbindReason"
	default:
		return "Unknown"
	}
}

// UnbindReason is one entry in the bounded unbind-reason history.
type UnbindReason struct {
	Kind UnbindReasonKind
	// Detail carries the raw guest-supplied reason string when Kind is
	// UnbindInvalidGuestUnbindReason, for diagnosis.
	Detail string
}

// HostInterface is the injected "host bind/unbind/attest" collaborator
// (§6): the platform-specific actions a real TDISP-capable host or an
// emulator performs once the state machine has validated a transition.
// Report bytes are passed through verbatim; the cryptographic
// attestation protocol itself is an explicit Non-goal.
type HostInterface interface {
	NegotiateProtocol(requested ProtocolType) (ProtocolType, error)
	BindDevice() error
	StartDevice() error
	UnbindDevice() error
	GetDeviceReport(reportType ReportType) ([]byte, error)
}

// Device is one TDISP-assigned device's host-side state machine:
// identified by its VPCI slot and a monotone sequence number (§3,
// bumped by the caller on slot re-creation -- tdisp itself only reads
// Sequence for logging).
type Device struct {
	Slot     uint16
	Sequence uint32

	mu            sync.Mutex
	state         State
	protocol      ProtocolType
	stateHistory  *ring.Ring[State]
	unbindHistory *ring.Ring[UnbindReason]
	fatal         bool
	host          HostInterface
	log           logrusEntry
}

// logrusEntry avoids importing logrus directly in this file's public
// surface; plog.For already returns *logrus.Entry.
type logrusEntry = interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// NewDevice returns a Device in the Unlocked state with no protocol
// negotiated, backed by host for platform actions.
func NewDevice(slot uint16, host HostInterface) *Device {
	return &Device{
		Slot:          slot,
		state:         StateUnlocked,
		protocol:      ProtocolInvalid,
		stateHistory:  ring.New[State](historyLen),
		unbindHistory: ring.New[UnbindReason](historyLen),
		host:          host,
		log:           plog.For("tdisp"),
	}
}

// State returns the device's current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// StateHistory returns up to the last 10 states the device passed
// through, oldest first.
func (d *Device) StateHistory() []State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateHistory.Entries()
}

// UnbindHistory returns up to the last 10 unbind reasons recorded,
// oldest first.
func (d *Device) UnbindHistory() []UnbindReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unbindHistory.Entries()
}

// Fatal reports whether a prior host-side unbind failure left this
// device permanently unserviceable (§4.6: "a failure of the host-side
// unbind is fatal... no further commands are serviced").
func (d *Device) Fatal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal
}

var errFatal = perrs.New(perrs.KindProtocol, "tdisp", "device is marked fatal after a failed host unbind")
var errNotNegotiated = perrs.New(perrs.KindProtocol, "tdisp", "protocol not yet negotiated")
var errInvalidState = perrs.New(perrs.KindProtocol, "tdisp", "invalid device state for requested operation")
var errInvalidReportType = perrs.New(perrs.KindProtocol, "tdisp", "invalid report type requested")
var errWrongReportSize = perrs.New(perrs.KindProtocol, "tdisp", "report buffer has the wrong size for its report type")
var errAlreadyNegotiated = perrs.New(perrs.KindProtocol, "tdisp", "protocol already negotiated")

// isValidTransition mirrors the original's is_valid_state_transition:
// forward progress only, plus unconditional return-to-Unlocked.
func isValidTransition(from, to State) bool {
	switch {
	case from == StateUnlocked && to == StateLocked:
		return true
	case from == StateLocked && to == StateRun:
		return true
	case to == StateUnlocked:
		return true
	default:
		return false
	}
}

// transitionTo validates and applies a state change, recording the
// prior state into the bounded history ring. Called with mu held.
func (d *Device) transitionTo(to State) {
	if !isValidTransition(d.state, to) {
		// Reachable only if a caller above this layer already guarded
		// the precondition incorrectly -- an internal invariant
		// violation, not a guest-triggerable error (§5's "impossible
		// state transition after guarding" is the one panic case).
		panic("tdisp: impossible state transition " + d.state.String() + " -> " + to.String())
	}
	d.stateHistory.Push(d.state)
	d.state = to
	d.log.Infof("transitioned to %s", to)
}

// unbindAll forces the device back to Unlocked through the host
// interface and records reason in the unbind history. mu must be held
// on entry; it stays held for the duration. A host-side unbind
// failure permanently marks the device Fatal per §4.6.
func (d *Device) unbindAll(reason UnbindReason) error {
	d.log.Errorf("unbind requested: %s", reason.Kind)
	d.transitionTo(StateUnlocked)

	if err := d.host.UnbindDevice(); err != nil {
		d.fatal = true
		d.log.Errorf("host failed to unbind device, marking fatal: %v", err)
		return perrs.Wrap(perrs.KindProtocol, "tdisp.unbindAll", "host unbind failed", err)
	}

	d.unbindHistory.Push(reason)
	return nil
}

// GetDeviceInterfaceInfo negotiates the TDISP wire protocol. It is the
// only command a device will service before negotiation; any other
// command attempted first is denied with errNotNegotiated.
func (d *Device) GetDeviceInterfaceInfo(requested ProtocolType) (ProtocolType, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fatal {
		return ProtocolInvalid, errFatal
	}
	if d.protocol != ProtocolInvalid {
		return ProtocolInvalid, errAlreadyNegotiated
	}
	if requested == ProtocolInvalid {
		return ProtocolInvalid, perrs.New(perrs.KindProtocol, "tdisp", "cannot negotiate the invalid protocol type")
	}

	negotiated, err := d.host.NegotiateProtocol(requested)
	if err != nil {
		return ProtocolInvalid, perrs.Wrap(perrs.KindProtocol, "tdisp.GetDeviceInterfaceInfo", "host negotiation failed", err)
	}
	if negotiated == ProtocolInvalid {
		return ProtocolInvalid, perrs.New(perrs.KindProtocol, "tdisp", "host negotiated the invalid protocol type")
	}

	d.protocol = negotiated
	d.log.Infof("negotiated protocol %d", negotiated)
	return negotiated, nil
}

func (d *Device) ensureNegotiatedLocked() error {
	if d.fatal {
		return errFatal
	}
	if d.protocol == ProtocolInvalid {
		return errNotNegotiated
	}
	return nil
}

// Bind transitions Unlocked -> Locked. Called outside Unlocked, it
// forces an unbind to Unlocked with reason
// InvalidGuestTransitionToLocked and returns errInvalidState.
func (d *Device) Bind() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureNegotiatedLocked(); err != nil {
		return err
	}

	if d.state != StateUnlocked {
		d.log.Errorf("Bind called outside Unlocked state (current=%s)", d.state)
		if err := d.unbindAll(UnbindReason{Kind: UnbindInvalidGuestTransitionToLocked}); err != nil {
			return err
		}
		return errInvalidState
	}

	if err := d.host.BindDevice(); err != nil {
		return perrs.Wrap(perrs.KindProtocol, "tdisp.Bind", "host bind failed", err)
	}
	d.transitionTo(StateLocked)
	return nil
}

// StartTdi transitions Locked -> Run. Called outside Locked, it
// forces an unbind to Unlocked with reason InvalidGuestTransitionToRun
// and returns errInvalidState.
func (d *Device) StartTdi() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureNegotiatedLocked(); err != nil {
		return err
	}

	if d.state != StateLocked {
		d.log.Errorf("StartTdi called outside Locked state (current=%s)", d.state)
		if err := d.unbindAll(UnbindReason{Kind: UnbindInvalidGuestTransitionToRun}); err != nil {
			return err
		}
		return errInvalidState
	}

	if err := d.host.StartDevice(); err != nil {
		return perrs.Wrap(perrs.KindProtocol, "tdisp.StartTdi", "host start failed", err)
	}
	d.transitionTo(StateRun)
	return nil
}

// GetTdiReport requires state Locked or Run, checked before
// ReportInvalid is rejected, and a GUEST_DEVICE_ID report whose
// returned buffer isn't exactly 8 bytes is rejected after the host
// call returns.
func (d *Device) GetTdiReport(reportType ReportType) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureNegotiatedLocked(); err != nil {
		return nil, err
	}

	if d.state != StateLocked && d.state != StateRun {
		d.log.Errorf("GetTdiReport called outside Locked/Run state (current=%s)", d.state)
		if err := d.unbindAll(UnbindReason{Kind: UnbindInvalidGuestGetAttestationReportState}); err != nil {
			return nil, err
		}
		return nil, errInvalidState
	}

	if reportType == ReportInvalid {
		return nil, errInvalidReportType
	}

	report, err := d.host.GetDeviceReport(reportType)
	if err != nil {
		return nil, perrs.Wrap(perrs.KindProtocol, "tdisp.GetTdiReport", "host report retrieval failed", err)
	}
	if reportType == ReportGuestDeviceID && len(report) != guestDeviceIDSize {
		return nil, errWrongReportSize
	}
	return report, nil
}

// Unbind is the guest-initiated graceful unbind: it always succeeds
// (after the host unbind attempt) regardless of current state,
// including a no-op Unlocked -> Unlocked transition that still invokes
// the host interface and records the reason (§3's boundary behaviour).
// An unrecognized reason is still honored but recorded as
// InvalidGuestUnbindReason rather than GuestInitiated.
func (d *Device) Unbind(reasonDetail string, recognized bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureNegotiatedLocked(); err != nil {
		return err
	}

	reason := UnbindReason{Kind: UnbindGuestInitiated, Detail: reasonDetail}
	if !recognized {
		d.log.Errorf("invalid guest unbind reason %q requested, recording but proceeding", reasonDetail)
		reason = UnbindReason{Kind: UnbindInvalidGuestUnbindReason, Detail: reasonDetail}
	}

	return d.unbindAll(reason)
}
