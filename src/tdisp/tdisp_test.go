package tdisp

import (
	"errors"
	"testing"
)

type fakeHost struct {
	negotiateErr error
	bindErr      error
	startErr     error
	unbindErr    error
	reportErr    error
	report       []byte

	negotiateCalls int
	bindCalls      int
	startCalls     int
	unbindCalls    int
	reportCalls    int
}

func (f *fakeHost) NegotiateProtocol(requested ProtocolType) (ProtocolType, error) {
	f.negotiateCalls++
	if f.negotiateErr != nil {
		return ProtocolInvalid, f.negotiateErr
	}
	return requested, nil
}

func (f *fakeHost) BindDevice() error {
	f.bindCalls++
	return f.bindErr
}

func (f *fakeHost) StartDevice() error {
	f.startCalls++
	return f.startErr
}

func (f *fakeHost) UnbindDevice() error {
	f.unbindCalls++
	return f.unbindErr
}

func (f *fakeHost) GetDeviceReport(reportType ReportType) ([]byte, error) {
	f.reportCalls++
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	return f.report, nil
}

func negotiated(t *testing.T, d *Device) {
	t.Helper()
	if _, err := d.GetDeviceInterfaceInfo(ProtocolV1); err != nil {
		t.Fatalf("GetDeviceInterfaceInfo: %v", err)
	}
}

func TestFullLifecycleScenario(t *testing.T) {
	host := &fakeHost{report: []byte("interface-report")}
	d := NewDevice(0x10, host)

	negotiated(t, d)

	if err := d.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if d.State() != StateLocked {
		t.Fatalf("state = %s, want Locked", d.State())
	}

	report, err := d.GetTdiReport(ReportInterfaceReport)
	if err != nil {
		t.Fatalf("GetTdiReport: %v", err)
	}
	if string(report) != "interface-report" {
		t.Fatalf("report = %q", report)
	}

	if err := d.StartTdi(); err != nil {
		t.Fatalf("StartTdi: %v", err)
	}
	if d.State() != StateRun {
		t.Fatalf("state = %s, want Run", d.State())
	}

	if err := d.Unbind("graceful", true); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if d.State() != StateUnlocked {
		t.Fatalf("state = %s, want Unlocked", d.State())
	}
	if host.unbindCalls != 1 {
		t.Fatalf("unbindCalls = %d, want 1", host.unbindCalls)
	}
}

func TestCommandsBeforeNegotiationAreDenied(t *testing.T) {
	host := &fakeHost{}
	d := NewDevice(0x10, host)

	if err := d.Bind(); err != errNotNegotiated {
		t.Fatalf("Bind before negotiation: got %v, want errNotNegotiated", err)
	}
	if host.bindCalls != 0 {
		t.Fatalf("host.BindDevice should not have been called")
	}
}

func TestStartTdiWhileUnlockedForcesUnbindAndRecordsReason(t *testing.T) {
	host := &fakeHost{}
	d := NewDevice(0x10, host)
	negotiated(t, d)

	err := d.StartTdi()
	if err != errInvalidState {
		t.Fatalf("StartTdi while Unlocked: got %v, want errInvalidState", err)
	}
	if d.State() != StateUnlocked {
		t.Fatalf("state = %s, want Unlocked", d.State())
	}
	history := d.UnbindHistory()
	if len(history) != 1 || history[0].Kind != UnbindInvalidGuestTransitionToRun {
		t.Fatalf("unbind history = %+v, want one InvalidGuestTransitionToRun entry", history)
	}
}

func TestBindWhileLockedForcesUnbindWithReason(t *testing.T) {
	host := &fakeHost{}
	d := NewDevice(0x10, host)
	negotiated(t, d)
	if err := d.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if err := d.Bind(); err != errInvalidState {
		t.Fatalf("second Bind: got %v, want errInvalidState", err)
	}
	if d.State() != StateUnlocked {
		t.Fatalf("state = %s, want Unlocked", d.State())
	}
	history := d.UnbindHistory()
	if len(history) != 1 || history[0].Kind != UnbindInvalidGuestTransitionToLocked {
		t.Fatalf("unbind history = %+v, want one InvalidGuestTransitionToLocked entry", history)
	}
}

func TestGetTdiReportRequiresLockedOrRun(t *testing.T) {
	host := &fakeHost{report: []byte("x")}
	d := NewDevice(0x10, host)
	negotiated(t, d)

	if _, err := d.GetTdiReport(ReportInterfaceReport); err != errInvalidState {
		t.Fatalf("GetTdiReport while Unlocked: got %v, want errInvalidState", err)
	}
	history := d.UnbindHistory()
	if len(history) != 1 || history[0].Kind != UnbindInvalidGuestGetAttestationReportState {
		t.Fatalf("unbind history = %+v, want one InvalidGuestGetAttestationReportState entry", history)
	}
}

func TestGetTdiReportChecksStateBeforeReportType(t *testing.T) {
	host := &fakeHost{}
	d := NewDevice(0x10, host)
	negotiated(t, d)

	// Even an invalid report type forces an unbind when called outside
	// Locked/Run: the state check runs first.
	if _, err := d.GetTdiReport(ReportInvalid); err != errInvalidState {
		t.Fatalf("got %v, want errInvalidState", err)
	}
	history := d.UnbindHistory()
	if len(history) != 1 || history[0].Kind != UnbindInvalidGuestGetAttestationReportState {
		t.Fatalf("unbind history = %+v, want one InvalidGuestGetAttestationReportState entry", history)
	}

	if err := d.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := d.GetTdiReport(ReportInvalid); err != errInvalidReportType {
		t.Fatalf("got %v, want errInvalidReportType once Locked", err)
	}
}

func TestGuestDeviceIDReportMustBeExactly8Bytes(t *testing.T) {
	host := &fakeHost{report: []byte{1, 2, 3}}
	d := NewDevice(0x10, host)
	negotiated(t, d)
	if err := d.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if _, err := d.GetTdiReport(ReportGuestDeviceID); err != errWrongReportSize {
		t.Fatalf("got %v, want errWrongReportSize", err)
	}

	host.report = []byte{1, 2, 3, 4, 5, 6, 7, 8}
	report, err := d.GetTdiReport(ReportGuestDeviceID)
	if err != nil {
		t.Fatalf("GetTdiReport with correct size: %v", err)
	}
	if len(report) != 8 {
		t.Fatalf("len(report) = %d, want 8", len(report))
	}
}

func TestUnbindFromUnlockedIsNoOpTransitionButStillCallsHost(t *testing.T) {
	host := &fakeHost{}
	d := NewDevice(0x10, host)
	negotiated(t, d)

	if err := d.Unbind("graceful", true); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if d.State() != StateUnlocked {
		t.Fatalf("state = %s, want Unlocked", d.State())
	}
	if host.unbindCalls != 1 {
		t.Fatalf("unbindCalls = %d, want 1", host.unbindCalls)
	}
	history := d.UnbindHistory()
	if len(history) != 1 || history[0].Kind != UnbindGuestInitiated {
		t.Fatalf("unbind history = %+v, want one GuestInitiated entry", history)
	}
}

func TestUnrecognizedUnbindReasonStillSucceedsButRecordsInvalid(t *testing.T) {
	host := &fakeHost{}
	d := NewDevice(0x10, host)
	negotiated(t, d)

	if err := d.Unbind("host-error", false); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	history := d.UnbindHistory()
	if len(history) != 1 || history[0].Kind != UnbindInvalidGuestUnbindReason {
		t.Fatalf("unbind history = %+v, want one InvalidGuestUnbindReason entry", history)
	}
}

func TestHostUnbindFailureMarksDeviceFatal(t *testing.T) {
	host := &fakeHost{unbindErr: errors.New("platform refused to release device")}
	d := NewDevice(0x10, host)
	negotiated(t, d)

	if err := d.Unbind("graceful", true); err == nil {
		t.Fatalf("expected Unbind to propagate the host failure")
	}
	if !d.Fatal() {
		t.Fatalf("device should be marked fatal after a failed host unbind")
	}

	if err := d.Bind(); err != errFatal {
		t.Fatalf("Bind on a fatal device: got %v, want errFatal", err)
	}
	if host.bindCalls != 0 {
		t.Fatalf("no further commands should reach the host once fatal")
	}
}

func TestStateHistoryRingCapsAtTen(t *testing.T) {
	host := &fakeHost{}
	d := NewDevice(0x10, host)
	negotiated(t, d)

	for i := 0; i < 15; i++ {
		if err := d.Bind(); err != nil && err != errInvalidState {
			t.Fatalf("Bind iteration %d: %v", i, err)
		}
		if err := d.Unbind("graceful", true); err != nil {
			t.Fatalf("Unbind iteration %d: %v", i, err)
		}
	}

	history := d.StateHistory()
	if len(history) != historyLen {
		t.Fatalf("len(history) = %d, want %d", len(history), historyLen)
	}
}

func TestNegotiationCannotHappenTwice(t *testing.T) {
	host := &fakeHost{}
	d := NewDevice(0x10, host)
	negotiated(t, d)

	if _, err := d.GetDeviceInterfaceInfo(ProtocolV1); err != errAlreadyNegotiated {
		t.Fatalf("second negotiation: got %v, want errAlreadyNegotiated", err)
	}
}
