package nvme

import (
	"context"

	"pagepool"
	"perrs"
	"plog"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/mohae/deepcopy"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the top-level SavedState record. The payload
// format follows pstate's convention (flat protowire fields, no
// protoc codegen) rather than introducing a second schema style for
// the same kind of service-update boundary (spec §6 "Persisted-state
// layout", §9 design note on save/restore).
const (
	fieldDeviceID     = protowire.Number(1)
	fieldAdminDepth   = protowire.Number(2)
	fieldIoDepth      = protowire.Number(3)
	fieldDstrd        = protowire.Number(4)
	fieldMaxIOQueues  = protowire.Number(5)
	fieldIdentifyCtrl = protowire.Number(6)
	fieldPoolSave     = protowire.Number(7)
	fieldQueue        = protowire.Number(8)  // repeated
	fieldCPUAssign    = protowire.Number(9)  // repeated (cpu, qid, fallback)
	fieldNamespace    = protowire.Number(10) // repeated (nsid)
)

// queueRecord is the saved DMA geometry and doorbell state of one
// queue pair: the base page-frame number and page count of its SQ and
// CQ allocations (as Allocator.RestoreAlloc matches them), and the
// driver-local head/tail/phase bookkeeping needed to resume issuing
// without re-touching the controller (spec §4.7 "Save/restore").
type queueRecord struct {
	qid     uint16
	depth   uint32
	sqBase  uint64
	cqBase  uint64
	sqPages int32
	cqPages int32
	sqTail  uint32
	cqHead  uint32
	cqPhase bool
}

func appendQueueRecord(buf []byte, r queueRecord) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, 1, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(r.qid))
	sub = protowire.AppendTag(sub, 2, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(r.depth))
	sub = protowire.AppendTag(sub, 3, protowire.VarintType)
	sub = protowire.AppendVarint(sub, r.sqBase)
	sub = protowire.AppendTag(sub, 4, protowire.VarintType)
	sub = protowire.AppendVarint(sub, r.cqBase)
	sub = protowire.AppendTag(sub, 5, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(r.sqPages))
	sub = protowire.AppendTag(sub, 6, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(r.cqPages))
	sub = protowire.AppendTag(sub, 7, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(r.sqTail))
	sub = protowire.AppendTag(sub, 8, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(r.cqHead))
	sub = protowire.AppendTag(sub, 9, protowire.VarintType)
	phase := uint64(0)
	if r.cqPhase {
		phase = 1
	}
	sub = protowire.AppendVarint(sub, phase)

	buf = protowire.AppendTag(buf, fieldQueue, protowire.BytesType)
	return protowire.AppendBytes(buf, sub)
}

func consumeQueueRecord(sub []byte) (queueRecord, error) {
	var r queueRecord
	for len(sub) > 0 {
		num, typ, n := protowire.ConsumeTag(sub)
		if n < 0 || typ != protowire.VarintType {
			return r, perrs.New(perrs.KindSaveRestore, "nvme.consumeQueueRecord", "bad field")
		}
		sub = sub[n:]
		v, n2 := protowire.ConsumeVarint(sub)
		if n2 < 0 {
			return r, perrs.New(perrs.KindSaveRestore, "nvme.consumeQueueRecord", "bad varint")
		}
		sub = sub[n2:]
		switch num {
		case 1:
			r.qid = uint16(v)
		case 2:
			r.depth = uint32(v)
		case 3:
			r.sqBase = v
		case 4:
			r.cqBase = v
		case 5:
			r.sqPages = int32(v)
		case 6:
			r.cqPages = int32(v)
		case 7:
			r.sqTail = uint32(v)
		case 8:
			r.cqHead = uint32(v)
		case 9:
			r.cqPhase = v != 0
		}
	}
	return r, nil
}

// Save captures the driver's state for a servicing handoff: every
// live queue pair's doorbell/DMA geometry, the per-CPU-to-queue
// assignment (including which CPUs are on a fallback queue), the set
// of identified namespaces (so a caller's existing *Namespace handles
// keep referring to valid nsids across a restore -- their Rescan
// channels do not need to survive, since a missed rescan notification
// during the handoff window is re-delivered on the next changed-
// namespace event), the controller identify bytes (deep-copied so the
// live driver can keep mutating its own copy after Save returns), and
// the underlying page pool's own save record (spec §4.7). Save
// requires Keepalive to have been requested at New; otherwise a save
// would describe state the driver intends to discard on Drop.
func (d *Driver) Save(ctx context.Context) ([]byte, error) {
	if !d.keepalive {
		return nil, perrs.New(perrs.KindSaveRestore, "nvme.Driver.Save", "Save requires Keepalive")
	}

	var buf []byte
	buf = appendBytesField(buf, fieldDeviceID, []byte(d.device.ID()))
	buf = appendVarintField(buf, fieldAdminDepth, uint64(d.adminDepth))
	buf = appendVarintField(buf, fieldIoDepth, uint64(d.ioDepth))
	buf = appendVarintField(buf, fieldDstrd, uint64(d.dstrd))
	buf = appendVarintField(buf, fieldMaxIOQueues, uint64(d.maxIOQueues))

	identifyCopy := deepcopy.Copy(d.identifyCtrl).([]byte)
	buf = appendBytesField(buf, fieldIdentifyCtrl, identifyCopy)
	buf = appendBytesField(buf, fieldPoolSave, d.pool.Save())

	d.mu.Lock()
	buf = appendQueueRecord(buf, queueRecordOf(d.admin))
	seen := map[uint16]bool{0: true}
	for cpu, qid := range d.cpuQid {
		if d.fallbackCPUs[cpu] {
			continue
		}
		if seen[qid] {
			continue
		}
		seen[qid] = true
		buf = appendQueueRecord(buf, queueRecordOf(d.perCPU[cpu].qp))
	}
	for cpu, qid := range d.cpuQid {
		fallback := uint64(0)
		if d.fallbackCPUs[cpu] {
			fallback = 1
		}
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(cpu))
		sub = protowire.AppendTag(sub, 2, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(qid))
		sub = protowire.AppendTag(sub, 3, protowire.VarintType)
		sub = protowire.AppendVarint(sub, fallback)
		buf = protowire.AppendTag(buf, fieldCPUAssign, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	}
	d.mu.Unlock()

	d.nsMu.Lock()
	for nsid := range d.namespaces {
		buf = appendVarintField(buf, fieldNamespace, uint64(nsid))
	}
	d.nsMu.Unlock()

	daemon.SdNotify(false, daemon.SdNotifyReady)
	return buf, nil
}

func queueRecordOf(qp *QueuePair) queueRecord {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return queueRecord{
		qid:     qp.qid,
		depth:   qp.depth,
		sqBase:  uint64(qp.sq.BasePFN()),
		cqBase:  uint64(qp.cq.BasePFN()),
		sqPages: qp.sq.Pages,
		cqPages: qp.cq.Pages,
		sqTail:  qp.sqTail,
		cqHead:  qp.cqHead,
		cqPhase: qp.cqPhase,
	}
}

func appendVarintField(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

func appendBytesField(buf []byte, num protowire.Number, data []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, data)
}

// Restore rebuilds a Driver from a record produced by Save, re-
// opening BAR0 at the device's current mapping (keepalive implies the
// controller is still CSTS.RDY=1) and re-binding every queue pair's
// DMA memory by PFN list instead of recreating it through an admin
// command (spec §4.7 "On restore the driver re-opens BAR0... re-binds
// the DMA buffers using their PFN lists, and resumes issuing without
// touching the controller").
func Restore(ctx context.Context, device Device, pool *pagepool.Pool, data []byte) (*Driver, error) {
	mem, err := device.MapBar0()
	if err != nil {
		return nil, perrs.Wrap(perrs.KindDevice, "nvme.Restore", "BAR0 map failed", err)
	}
	bar := NewBar0(mem)

	allocator, err := pool.NewAllocator(device.ID())
	if err != nil {
		return nil, perrs.Wrap(perrs.KindResource, "nvme.Restore", "allocator claim failed", err)
	}

	log := plog.For("nvme")
	d := &Driver{
		device: device, bar: bar, log: log,
		pool: pool, allocator: allocator,
		perCPU:       make(map[uint32]*Issuer),
		cpuQid:       make(map[uint32]uint16),
		fallbackCPUs: make(map[uint32]bool),
		namespaces:   make(map[uint32]*Namespace),
		keepalive:    true,
	}

	queues := make(map[uint16]*QueuePair)
	buf := data
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, perrs.New(perrs.KindSaveRestore, "nvme.Restore", "bad tag")
		}
		buf = buf[n:]
		switch {
		case typ == protowire.VarintType:
			v, n2 := protowire.ConsumeVarint(buf)
			if n2 < 0 {
				return nil, perrs.New(perrs.KindSaveRestore, "nvme.Restore", "bad varint")
			}
			buf = buf[n2:]
			switch num {
			case fieldAdminDepth:
				d.adminDepth = uint32(v)
			case fieldIoDepth:
				d.ioDepth = uint32(v)
			case fieldDstrd:
				d.dstrd = uint32(v)
			case fieldMaxIOQueues:
				d.maxIOQueues = uint32(v)
			case fieldNamespace:
				nsid := uint32(v)
				d.namespaces[nsid] = &Namespace{NSID: nsid, rescan: make(chan struct{}, 1)}
			}
		case typ == protowire.BytesType:
			v, n2 := protowire.ConsumeBytes(buf)
			if n2 < 0 {
				return nil, perrs.New(perrs.KindSaveRestore, "nvme.Restore", "bad bytes field")
			}
			buf = buf[n2:]
			switch num {
			case fieldDeviceID:
				// informational only; the Device passed in is authoritative.
			case fieldIdentifyCtrl:
				d.identifyCtrl = append([]byte(nil), v...)
			case fieldPoolSave:
				if err := pool.Restore(v); err != nil {
					return nil, perrs.Wrap(perrs.KindSaveRestore, "nvme.Restore", "pool restore failed", err)
				}
			case fieldQueue:
				rec, err := consumeQueueRecord(v)
				if err != nil {
					return nil, err
				}
				qp, err := restoreQueuePair(allocator, pool, bar, d.dstrd, log, rec)
				if err != nil {
					return nil, err
				}
				queues[rec.qid] = qp
			case fieldCPUAssign:
				cpu, qid, fallback, err := consumeCPUAssign(v)
				if err != nil {
					return nil, err
				}
				qp, ok := queues[qid]
				if !ok {
					return nil, perrs.New(perrs.KindSaveRestore, "nvme.Restore", "cpu assignment references unknown queue")
				}
				d.cpuQid[cpu] = qid
				d.perCPU[cpu] = newIssuer(qp)
				if fallback {
					d.fallbackCPUs[cpu] = true
				}
			}
		default:
			return nil, perrs.New(perrs.KindSaveRestore, "nvme.Restore", "unsupported wire type")
		}
	}

	admin, ok := queues[0]
	if !ok {
		return nil, perrs.New(perrs.KindSaveRestore, "nvme.Restore", "saved state has no admin queue")
	}
	d.admin = admin
	d.adminIssuer = newIssuer(admin)

	for qid, qp := range queues {
		vector := qid
		if qid == 0 || qid == 1 {
			vector = vectorAdmin
		}
		interrupt, err := device.MapInterrupt(vector)
		if err != nil {
			return nil, perrs.Wrap(perrs.KindDevice, "nvme.Restore", "interrupt map failed", err)
		}
		qp.run(ctx, interrupt)
	}

	asyncCtx, cancel := context.WithCancel(ctx)
	d.asyncCancel = cancel
	d.asyncDone = make(chan struct{})
	go d.asyncEventLoop(asyncCtx)

	daemon.SdNotify(false, daemon.SdNotifyReady)
	return d, nil
}

func consumeCPUAssign(sub []byte) (cpu uint32, qid uint16, fallback bool, err error) {
	for len(sub) > 0 {
		num, typ, n := protowire.ConsumeTag(sub)
		if n < 0 || typ != protowire.VarintType {
			return 0, 0, false, perrs.New(perrs.KindSaveRestore, "nvme.consumeCPUAssign", "bad field")
		}
		sub = sub[n:]
		v, n2 := protowire.ConsumeVarint(sub)
		if n2 < 0 {
			return 0, 0, false, perrs.New(perrs.KindSaveRestore, "nvme.consumeCPUAssign", "bad varint")
		}
		sub = sub[n2:]
		switch num {
		case 1:
			cpu = uint32(v)
		case 2:
			qid = uint16(v)
		case 3:
			fallback = v != 0
		}
	}
	return cpu, qid, fallback, nil
}

// KeepaliveHeartbeat notifies systemd's watchdog the driver is still
// live, meant to be called periodically by whatever owns the
// driver's lifecycle while save/restore keepalive is in effect (spec
// §2's domain-stack table, §4.7).
func (d *Driver) KeepaliveHeartbeat() {
	daemon.SdNotify(false, daemon.SdNotifyWatchdog)
}
