package nvme

import "encoding/binary"

// Command is the 64-byte NVMe submission queue entry. Only the
// fields this driver ever populates are named; the rest of the DWORD
// range round-trips through Cdw10..Cdw15 directly, matching the
// original's practice of leaving uninterpreted command words as raw
// integers rather than one struct type per opcode.
type Command struct {
	Opcode  uint8
	Flags   uint8
	Cid     uint16
	Nsid    uint32
	Prp1    uint64
	Prp2    uint64
	Cdw10   uint32
	Cdw11   uint32
	Cdw12   uint32
	Cdw13   uint32
	Cdw14   uint32
	Cdw15   uint32
}

const CommandSize = 64

func (c Command) marshal() []byte {
	buf := make([]byte, CommandSize)
	buf[0] = c.Opcode
	buf[1] = c.Flags
	binary.LittleEndian.PutUint16(buf[2:], c.Cid)
	binary.LittleEndian.PutUint32(buf[4:], c.Nsid)
	binary.LittleEndian.PutUint64(buf[24:], c.Prp1)
	binary.LittleEndian.PutUint64(buf[32:], c.Prp2)
	binary.LittleEndian.PutUint32(buf[40:], c.Cdw10)
	binary.LittleEndian.PutUint32(buf[44:], c.Cdw11)
	binary.LittleEndian.PutUint32(buf[48:], c.Cdw12)
	binary.LittleEndian.PutUint32(buf[52:], c.Cdw13)
	binary.LittleEndian.PutUint32(buf[56:], c.Cdw14)
	binary.LittleEndian.PutUint32(buf[60:], c.Cdw15)
	return buf
}

func unmarshalCommand(buf []byte) Command {
	return Command{
		Opcode: buf[0],
		Flags:  buf[1],
		Cid:    binary.LittleEndian.Uint16(buf[2:]),
		Nsid:   binary.LittleEndian.Uint32(buf[4:]),
		Prp1:   binary.LittleEndian.Uint64(buf[24:]),
		Prp2:   binary.LittleEndian.Uint64(buf[32:]),
		Cdw10:  binary.LittleEndian.Uint32(buf[40:]),
		Cdw11:  binary.LittleEndian.Uint32(buf[44:]),
		Cdw12:  binary.LittleEndian.Uint32(buf[48:]),
		Cdw13:  binary.LittleEndian.Uint32(buf[52:]),
		Cdw14:  binary.LittleEndian.Uint32(buf[56:]),
		Cdw15:  binary.LittleEndian.Uint32(buf[60:]),
	}
}

// Completion is the 16-byte NVMe completion queue entry.
type Completion struct {
	Dw0    uint32
	Dw1    uint32
	Sqhd   uint16
	Sqid   uint16
	Cid    uint16
	Status uint16
}

const CompletionSize = 16

func (c Completion) Phase() bool { return c.Status&1 != 0 }

// StatusCode is the completion status excluding the phase tag bit,
// per the NVMe base spec's DNR/SCT/SC packing.
func (c Completion) StatusCode() uint16 { return c.Status >> 1 }

func (c Completion) Failed() bool { return c.StatusCode() != 0 }

func unmarshalCompletion(buf []byte) Completion {
	return Completion{
		Dw0:    binary.LittleEndian.Uint32(buf[0:]),
		Dw1:    binary.LittleEndian.Uint32(buf[4:]),
		Sqhd:   binary.LittleEndian.Uint16(buf[8:]),
		Sqid:   binary.LittleEndian.Uint16(buf[10:]),
		Cid:    binary.LittleEndian.Uint16(buf[12:]),
		Status: binary.LittleEndian.Uint16(buf[14:]),
	}
}

func marshalCompletion(c Completion) []byte {
	buf := make([]byte, CompletionSize)
	binary.LittleEndian.PutUint32(buf[0:], c.Dw0)
	binary.LittleEndian.PutUint32(buf[4:], c.Dw1)
	binary.LittleEndian.PutUint16(buf[8:], c.Sqhd)
	binary.LittleEndian.PutUint16(buf[10:], c.Sqid)
	binary.LittleEndian.PutUint16(buf[12:], c.Cid)
	binary.LittleEndian.PutUint16(buf[14:], c.Status)
	return buf
}

// Admin and IO opcodes this driver issues.
const (
	OpDeleteIoSQ   uint8 = 0x00
	OpCreateIoSQ   uint8 = 0x01
	OpDeleteIoCQ   uint8 = 0x04
	OpCreateIoCQ   uint8 = 0x05
	OpIdentify     uint8 = 0x06
	OpAbort        uint8 = 0x08
	OpSetFeatures  uint8 = 0x09
	OpGetLogPage   uint8 = 0x02
	OpAsyncEvent   uint8 = 0x0C

	OpIoRead  uint8 = 0x02
	OpIoWrite uint8 = 0x01
	OpIoFlush uint8 = 0x00
)

const (
	cnsController     uint32 = 0x01
	cnsNamespace      uint32 = 0x00
	featNumberOfQueues uint32 = 0x07
	logChangedNsList  uint32 = 0x04
)

func identifyControllerCommand(prp1 uint64) Command {
	return Command{Opcode: OpIdentify, Prp1: prp1, Cdw10: cnsController}
}

func identifyNamespaceCommand(nsid uint32, prp1 uint64) Command {
	return Command{Opcode: OpIdentify, Nsid: nsid, Prp1: prp1, Cdw10: cnsNamespace}
}

// setFeaturesNumberOfQueuesCommand requests nsq/ncq IO queues beyond
// the admin pair (zero-based counts per the NVMe base spec: a value
// of N requests N+1 queues).
func setFeaturesNumberOfQueuesCommand(nsq, ncq uint16) Command {
	cdw11 := uint32(nsq) | uint32(ncq)<<16
	return Command{Opcode: OpSetFeatures, Cdw10: featNumberOfQueues, Cdw11: cdw11}
}

// grantedQueueCounts decodes a SetFeatures(NumberOfQueues) completion
// DW0 into the 1-based granted submission/completion queue counts.
func grantedQueueCounts(dw0 uint32) (sq, cq uint32) {
	return (dw0 & 0xFFFF) + 1, ((dw0 >> 16) & 0xFFFF) + 1
}

func createIoCQCommand(qid uint16, depth uint32, prp1 uint64, vector uint16) Command {
	cdw10 := uint32(qid) | (depth-1)<<16
	cdw11 := uint32(1) | uint32(1)<<1 | uint32(vector)<<16 // PC=1 (physically contiguous), IEN=1 (interrupts enabled)
	return Command{Opcode: OpCreateIoCQ, Prp1: prp1, Cdw10: cdw10, Cdw11: cdw11}
}

func deleteIoCQCommand(qid uint16) Command {
	return Command{Opcode: OpDeleteIoCQ, Cdw10: uint32(qid)}
}

func createIoSQCommand(qid uint16, depth uint32, prp1 uint64, cqid uint16) Command {
	cdw10 := uint32(qid) | (depth-1)<<16
	cdw11 := uint32(1) | uint32(cqid)<<16 // PC=1, same priority class as admin
	return Command{Opcode: OpCreateIoSQ, Prp1: prp1, Cdw10: cdw10, Cdw11: cdw11}
}

func deleteIoSQCommand(qid uint16) Command {
	return Command{Opcode: OpDeleteIoSQ, Cdw10: uint32(qid)}
}

func asyncEventRequestCommand() Command {
	return Command{Opcode: OpAsyncEvent}
}

func getChangedNsListCommand(prp1 uint64) Command {
	// NUMD: number of dwords in the log page, minus one.
	numd := uint32(1024 - 1)
	cdw10 := logChangedNsList | numd<<16
	return Command{Opcode: OpGetLogPage, Nsid: 0xFFFFFFFF, Prp1: prp1, Cdw10: cdw10}
}

// asyncEventType decodes the low byte of an AsynchronousEventRequest
// completion's DW0, the event type field of the Async Event Result.
type asyncEventType uint8

const (
	asyncEventError       asyncEventType = 0
	asyncEventSmart       asyncEventType = 1
	asyncEventNotice      asyncEventType = 2
	asyncEventVendorSpec  asyncEventType = 7
)

func decodeAsyncEventType(dw0 uint32) asyncEventType {
	return asyncEventType(dw0 & 0x7)
}
