package vpci

import (
	"sync"

	"perrs"
)

// register offsets within the type-0 PCI configuration header that
// this client special-cases, from spec §4.5. All other offsets pass
// straight through to the host.
const (
	regStatusCommand uint16 = 0x04
	regBar0          uint16 = 0x10
	numBars                 = 6
)

const commandMmioEnabled uint16 = 0x0002

// ConfigSpaceAccess is the host's MMIO configuration-space window:
// select the target slot, then read/write a 32-bit register. Spec
// §4.5 requires the slot-select write to precede every register
// access ("reads/writes first ensure the slot register matches the
// target device"); configAccess below owns that sequencing under the
// single slot-select mutex spec §5 calls for, since the register is
// shared across every device on the bus, not per-device.
type ConfigSpaceAccess interface {
	SelectSlot(slot uint16) error
	ReadRegister(offset uint16) uint32
	WriteRegister(offset uint16, value uint32)
}

// configAccess serializes every configuration-space register access
// behind the one slot-select register, per spec §5's "Shared-resource
// policy" ("the... VPCI slot-select register... [is] protected by a
// single non-reentrant mutex").
type configAccess struct {
	mu      sync.Mutex
	backing ConfigSpaceAccess
}

func (a *configAccess) read(slot, offset uint16) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.backing.SelectSlot(slot); err != nil {
		return 0, perrs.Wrap(perrs.KindProtocol, "vpci.configAccess.read", "slot select failed", err)
	}
	return a.backing.ReadRegister(offset), nil
}

func (a *configAccess) write(slot, offset uint16, value uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.backing.SelectSlot(slot); err != nil {
		return perrs.Wrap(perrs.KindProtocol, "vpci.configAccess.write", "slot select failed", err)
	}
	a.backing.WriteRegister(offset, value)
	return nil
}

// Device is one VPCI device's client-side state: hardware identity,
// the negotiated slot, and the shadowed configuration-space registers
// a real device would otherwise see probe traffic for (spec §3 "VPCI
// device description", §4.5).
type Device struct {
	Slot      uint16
	Sequence  uint32
	VendorID  uint16
	DeviceID  uint16
	SerialNum uint32
	NumaNode  uint16

	mu      sync.Mutex
	command uint16
	bars    [numBars]uint32

	access  *configAccess
	ejectCh chan struct{}

	releaseOnce sync.Once
	releasedCh  chan struct{}
}

func newDevice(desc DeviceDescription2, sequence uint32, access *configAccess) *Device {
	return &Device{
		Slot:       desc.Slot,
		Sequence:   sequence,
		VendorID:   desc.VendorID,
		DeviceID:   desc.DeviceID,
		SerialNum:  desc.SerialNum,
		NumaNode:   desc.NumaNode,
		access:     access,
		ejectCh:    make(chan struct{}, 1),
		releasedCh: make(chan struct{}),
	}
}

// matches reports whether a re-observed BusRelations2 entry for this
// device's slot is the same incarnation (vendor/device/serial
// unchanged) or a reincarnation that should bump Sequence and
// invalidate the old Device (spec §4.5 "Device lifecycle").
func (d *Device) matches(desc DeviceDescription2) bool {
	return d.VendorID == desc.VendorID && d.DeviceID == desc.DeviceID && d.SerialNum == desc.SerialNum
}

// ReadCfg reads one 32-bit configuration-space register. STATUS_COMMAND
// composites the host's value with the client-shadowed MMIO-enable
// bit, since Hyper-V does not always surface that bit correctly on
// read (spec §4.5); BARs return the shadow directly so host probe
// traffic for BAR sizing never needs round-tripping.
func (d *Device) ReadCfg(offset uint16) (uint32, error) {
	switch {
	case offset == regStatusCommand:
		hostValue, err := d.access.read(d.Slot, offset)
		if err != nil {
			return 0, err
		}
		d.mu.Lock()
		command := d.command
		d.mu.Unlock()
		mask := uint32(commandMmioEnabled)
		return (hostValue &^ mask) | (uint32(command) & mask), nil
	case offset >= regBar0 && offset < regBar0+numBars*4:
		d.mu.Lock()
		defer d.mu.Unlock()
		i := (offset - regBar0) / 4
		return d.bars[i], nil
	default:
		return d.access.read(d.Slot, offset)
	}
}

// WriteCfg writes one 32-bit configuration-space register. BAR writes
// are shadowed locally and never reach the host until MMIO_ENABLED
// transitions 0->1 in the command register, because intermediate BAR
// probe writes (all-ones followed by a size readback) must not reach
// the host (spec §4.5).
func (d *Device) WriteCfg(offset uint16, value uint32) error {
	switch {
	case offset == regStatusCommand:
		d.mu.Lock()
		newCommand := uint16(value)
		wasEnabled := d.command&commandMmioEnabled != 0
		nowEnabled := newCommand&commandMmioEnabled != 0
		d.command = newCommand
		bars := d.bars
		d.mu.Unlock()

		if nowEnabled && !wasEnabled {
			for i, bar := range bars {
				barOffset := regBar0 + uint16(i)*4
				if err := d.access.write(d.Slot, barOffset, bar); err != nil {
					return perrs.Wrap(perrs.KindProtocol, "vpci.WriteCfg", "BAR flush failed", err)
				}
			}
		}
		return d.access.write(d.Slot, offset, value)
	case offset >= regBar0 && offset < regBar0+numBars*4:
		d.mu.Lock()
		i := (offset - regBar0) / 4
		d.bars[i] = value
		d.mu.Unlock()
		return nil
	default:
		return d.access.write(d.Slot, offset, value)
	}
}

// Ejected returns a channel that receives exactly one value when the
// host ejects this device (spec §4.5: "an ejection notification
// stream receives one item"). EjectComplete is sent by the client
// worker only after the caller has observed this notification and
// released its handle.
func (d *Device) Ejected() <-chan struct{} {
	return d.ejectCh
}

func (d *Device) notifyEjected() {
	select {
	case d.ejectCh <- struct{}{}:
	default:
	}
}

// Release signals that the caller has dropped its handle to this
// device after observing Ejected(), so the client can complete the
// host's eject handshake with EjectComplete (spec §4.5). Safe to call
// more than once or never; if it is never called, EjectComplete is
// never sent, and the goroutine waiting for it exits when the client
// shuts down.
func (d *Device) Release() {
	d.releaseOnce.Do(func() { close(d.releasedCh) })
}
