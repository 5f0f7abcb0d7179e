// Package vpci implements the VPCI (virtual PCI) client: bus protocol
// negotiation, configuration-space shadowing, MSI interrupt mapping,
// and TDISP command relay over a vmbus.Channel. Grounded on
// original_source/vm/devices/pci/vpci_client/src/lib.rs, adapted from
// an async/futures-race worker over a zerocopy ring buffer into a
// goroutine-and-channel worker over vmbus.Channel, per spec §4.5/§6.
package vpci

import "encoding/binary"

// Wire packet layouts from spec §6. These are externally fixed by the
// VPCI host protocol, not a format this module is free to choose, so
// they are hand-encoded with encoding/binary rather than run through
// an ecosystem serialization library -- the one place in this package
// where the standard library is the right tool (no teacher precedent
// applies; a real wire layout has no room for a library's own framing
// choices).

// Message type magic numbers. The real values live in a sibling
// vpci_protocol crate not present in the retrieved sources; these are
// placeholders chosen to be distinct and never collide with a zero or
// small-integer payload field, in the same spirit as hvcall's
// HypercallCode placeholders.
const (
	msgQueryProtocolVersion uint32 = 0x42490001
	msgFdoD0Entry           uint32 = 0x42490002
	msgBusRelations2        uint32 = 0x42490003
	msgCreateInterrupt2     uint32 = 0x42490004
	msgEject                uint32 = 0x42490005
	msgEjectComplete        uint32 = 0x42490006
	msgVpciTdispCommand     uint32 = 0x42490007
)

func unmarshalMsgType(buf []byte) (uint32, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[0:4]), true
}

// protocolVersions lists the versions this client offers, newest
// first; negotiate walks it in order and downgrades on
// InvalidDeviceState (spec §4.5). Placeholder values for the same
// reason as the message type constants above.
var protocolVersions = []uint32{0x00010003, 0x00010002, 0x00010001}

const statusSuccess uint32 = 0
const statusInvalidDeviceState uint32 = 0xC0000184

type queryProtocolVersion struct {
	Type    uint32
	Version uint32
}

func (q queryProtocolVersion) marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], q.Type)
	binary.LittleEndian.PutUint32(buf[4:8], q.Version)
	return buf
}

type queryProtocolVersionReply struct {
	Type   uint32
	Status uint32
}

func unmarshalQueryProtocolVersionReply(buf []byte) (queryProtocolVersionReply, bool) {
	if len(buf) < 8 {
		return queryProtocolVersionReply{}, false
	}
	return queryProtocolVersionReply{
		Type:   binary.LittleEndian.Uint32(buf[0:4]),
		Status: binary.LittleEndian.Uint32(buf[4:8]),
	}, true
}

type fdoD0Entry struct {
	Type      uint32
	Pad       uint32
	MmioStart uint64
}

func (f fdoD0Entry) marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], f.Type)
	binary.LittleEndian.PutUint32(buf[4:8], f.Pad)
	binary.LittleEndian.PutUint64(buf[8:16], f.MmioStart)
	return buf
}

// fdoD0EntryReply completes the FdoD0Entry transaction (spec §4.5:
// "transact FdoD0Entry{mmio_start} to activate the bus"). Zero or more
// BusRelations2 packets may arrive on the channel before this reply.
type fdoD0EntryReply struct {
	Type   uint32
	Status uint32
}

func unmarshalFdoD0EntryReply(buf []byte) (fdoD0EntryReply, bool) {
	if len(buf) < 8 {
		return fdoD0EntryReply{}, false
	}
	return fdoD0EntryReply{
		Type:   binary.LittleEndian.Uint32(buf[0:4]),
		Status: binary.LittleEndian.Uint32(buf[4:8]),
	}, true
}

func marshalFdoD0EntryReply(status uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], msgFdoD0Entry)
	binary.LittleEndian.PutUint32(buf[4:8], status)
	return buf
}

// DeviceDescription2 is one entry in a BusRelations2 reply: a VPCI
// device's identity as the host reports it (spec §3 "VPCI device
// description", §6).
type DeviceDescription2 struct {
	Slot       uint16
	_          uint16 // alignment padding, mirrors the wire struct's pad field
	VendorID   uint16
	DeviceID   uint16
	RevisionID uint8
	ProgIf     uint8
	SubClass   uint8
	BaseClass  uint8
	SubVendor  uint16
	SubSystem  uint16
	SerialNum  uint32
	NumaNode   uint16
	_          uint16
}

const deviceDescription2Size = 24

// marshalBusRelations2 encodes a BusRelations2 packet the way the
// host would; it mirrors unmarshalBusRelations2 and exists so an
// in-memory fake host can exercise this client's device-lifecycle
// handling without a real VPCI host.
func marshalBusRelations2(devices []DeviceDescription2) []byte {
	buf := make([]byte, 8+len(devices)*deviceDescription2Size)
	binary.LittleEndian.PutUint32(buf[0:4], msgBusRelations2)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(devices)))
	for i, d := range devices {
		off := 8 + i*deviceDescription2Size
		entry := buf[off:]
		binary.LittleEndian.PutUint16(entry[0:2], d.Slot)
		binary.LittleEndian.PutUint16(entry[4:6], d.VendorID)
		binary.LittleEndian.PutUint16(entry[6:8], d.DeviceID)
		entry[8] = d.RevisionID
		entry[9] = d.ProgIf
		entry[10] = d.SubClass
		entry[11] = d.BaseClass
		binary.LittleEndian.PutUint16(entry[12:14], d.SubVendor)
		binary.LittleEndian.PutUint16(entry[14:16], d.SubSystem)
		binary.LittleEndian.PutUint32(entry[16:20], d.SerialNum)
		binary.LittleEndian.PutUint16(entry[20:22], d.NumaNode)
	}
	return buf
}

func unmarshalBusRelations2(buf []byte) ([]DeviceDescription2, bool) {
	if len(buf) < 8 {
		return nil, false
	}
	count := binary.LittleEndian.Uint32(buf[4:8])
	buf = buf[8:]
	if uint64(len(buf)) < uint64(count)*deviceDescription2Size {
		return nil, false
	}
	devices := make([]DeviceDescription2, count)
	for i := uint32(0); i < count; i++ {
		d := buf[i*deviceDescription2Size:]
		devices[i] = DeviceDescription2{
			Slot:       binary.LittleEndian.Uint16(d[0:2]),
			VendorID:   binary.LittleEndian.Uint16(d[4:6]),
			DeviceID:   binary.LittleEndian.Uint16(d[6:8]),
			RevisionID: d[8],
			ProgIf:     d[9],
			SubClass:   d[10],
			BaseClass:  d[11],
			SubVendor:  binary.LittleEndian.Uint16(d[12:14]),
			SubSystem:  binary.LittleEndian.Uint16(d[14:16]),
			SerialNum:  binary.LittleEndian.Uint32(d[16:20]),
			NumaNode:   binary.LittleEndian.Uint16(d[20:22]),
		}
	}
	return devices, true
}

// InterruptParams describes the MSI vector request passed to
// RegisterInterrupt (spec §4.5/§6 CreateInterrupt2 payload).
type InterruptParams struct {
	Vector       uint16
	DeliveryMode uint8
	VectorCount  uint8
	Processors   []uint32
}

const maxCreateInterruptProcessors = 32

func marshalCreateInterrupt2(slot uint16, p InterruptParams) []byte {
	buf := make([]byte, 16+4*maxCreateInterruptProcessors)
	binary.LittleEndian.PutUint32(buf[0:4], msgCreateInterrupt2)
	binary.LittleEndian.PutUint16(buf[4:6], slot)
	binary.LittleEndian.PutUint16(buf[8:10], p.Vector)
	buf[10] = p.DeliveryMode
	buf[11] = p.VectorCount
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(p.Processors)))
	for i, proc := range p.Processors {
		if i >= maxCreateInterruptProcessors {
			break
		}
		off := 16 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], proc)
	}
	return buf
}

// MsiAddressData is the (address, data) pair the host returns for a
// successfully registered interrupt, to be programmed into the
// device's MSI-X table (spec §4.5/§8 scenario 3).
type MsiAddressData struct {
	Address uint64
	Data    uint32
}

// marshalCreateInterrupt2Reply encodes the host's reply to
// CreateInterrupt2, mirroring unmarshalCreateInterrupt2Reply; used by
// the in-memory fake host in tests.
func marshalCreateInterrupt2Reply(addr MsiAddressData, status uint32) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], msgCreateInterrupt2)
	binary.LittleEndian.PutUint32(buf[4:8], status)
	binary.LittleEndian.PutUint64(buf[8:16], addr.Address)
	binary.LittleEndian.PutUint32(buf[16:20], addr.Data)
	return buf
}

func unmarshalCreateInterrupt2Reply(buf []byte) (MsiAddressData, uint32, bool) {
	if len(buf) < 20 {
		return MsiAddressData{}, 0, false
	}
	status := binary.LittleEndian.Uint32(buf[4:8])
	return MsiAddressData{
		Address: binary.LittleEndian.Uint64(buf[8:16]),
		Data:    binary.LittleEndian.Uint32(buf[16:20]),
	}, status, true
}

// MaxVpciTdispCommandSize bounds the payload of a relayed TDISP
// command (spec §4.5's "strict size cap"). The original crate defines
// this in a sibling protocol crate not present in the retrieved
// sources; 4 KiB matches the config-space MMIO window size used
// elsewhere in the protocol (spec §4.5) and is documented here as a
// placeholder bound, not a value taken from the original.
const MaxVpciTdispCommandSize = 4096

func marshalVpciTdispCommand(slot uint16, payload []byte) []byte {
	buf := make([]byte, 16+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], msgVpciTdispCommand)
	binary.LittleEndian.PutUint16(buf[4:6], slot)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(payload)))
	copy(buf[16:], payload)
	return buf
}

// TdispRelayResponse is the guest-to-host error code plus the TDI
// state transition the host observed while servicing a relayed TDISP
// command (spec §4.5).
type TdispRelayResponse struct {
	ErrorCode   uint32
	StateBefore uint32
	StateAfter  uint32
	Payload     []byte
}

// marshalVpciTdispCommandReply encodes the host's reply to a relayed
// TDISP command, mirroring unmarshalVpciTdispCommandReply; used by the
// in-memory fake host in tests.
func marshalVpciTdispCommandReply(resp TdispRelayResponse) []byte {
	buf := make([]byte, 16+len(resp.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], msgVpciTdispCommand)
	binary.LittleEndian.PutUint32(buf[4:8], resp.ErrorCode)
	binary.LittleEndian.PutUint32(buf[8:12], resp.StateBefore)
	binary.LittleEndian.PutUint32(buf[12:16], resp.StateAfter)
	copy(buf[16:], resp.Payload)
	return buf
}

func unmarshalVpciTdispCommandReply(buf []byte) (TdispRelayResponse, bool) {
	if len(buf) < 16 {
		return TdispRelayResponse{}, false
	}
	return TdispRelayResponse{
		ErrorCode:   binary.LittleEndian.Uint32(buf[4:8]),
		StateBefore: binary.LittleEndian.Uint32(buf[8:12]),
		StateAfter:  binary.LittleEndian.Uint32(buf[12:16]),
		Payload:     append([]byte(nil), buf[16:]...),
	}, true
}

func unmarshalEject(buf []byte) (uint16, bool) {
	if len(buf) < 6 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf[4:6]), true
}

func marshalEjectComplete(slot uint16) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint32(buf[0:4], msgEjectComplete)
	binary.LittleEndian.PutUint16(buf[4:6], slot)
	return buf
}
