package pagepool

import (
	"perrs"
	"pstate"
)

var errPoolNotEmpty = perrs.New(perrs.KindConfig, "pagepool.Pool.Restore", "pool already has slots")
var errPoolGrowable = perrs.New(perrs.KindConfig, "pagepool.Pool.Restore", "growable pools cannot be restored")
var errUnrestoredSlots = perrs.New(perrs.KindSaveRestore, "pagepool.Pool.ValidateRestore", "one or more slots were never restored")
var errNoMatchingSlot = perrs.New(perrs.KindSaveRestore, "pagepool.Allocator.RestoreAlloc", "no pending-restore slot matches base/size")
var errBadRecordKind = perrs.New(perrs.KindSaveRestore, "pagepool.Pool.Restore", "range record has unknown kind")

// RangeRecord.Kind values used by Save/Restore to tell a free gap from
// an allocated slot -- the field is otherwise unused by pagepool.
const (
	recordKindFree      = 0
	recordKindAllocated = 1
)

// Save walks every slot in address order and returns its wire
// encoding: allocated slots are downgraded to AllocatedPendingRestore,
// free slots are recorded as-is so a gap that existed at save time
// isn't silently dropped by Restore (§4.3, §8). Call this immediately
// before a service-update handoff; RestoreAlloc on the far side must
// be called once per allocated record before ValidateRestore.
func (p *Pool) Save() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf []byte
	for s := p.addrHead; s != nil; s = s.addrNext {
		rec := pstate.RangeRecord{
			Start: uint64(s.base) * PageSize,
			End:   uint64(s.base+Pa(s.pages)) * PageSize,
		}
		switch s.state {
		case slotAllocated:
			s.state = slotAllocatedPendingRestore
			rec.Kind = recordKindAllocated
		case slotFree:
			rec.Kind = recordKindFree
		default:
			continue
		}
		buf = pstate.AppendRangeRecord(buf, rec)
	}
	return buf
}

// Restore rebuilds a pool's slot list from a Save record: records
// marked allocated come back AllocatedPendingRestore, records marked
// free come back Free and are re-threaded onto the free list in
// address order. It refuses to run on a pool that already has slots,
// or on a growable pool (§4.3).
func (p *Pool) Restore(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addrHead != nil {
		return errPoolNotEmpty
	}
	if p.growable {
		return errPoolGrowable
	}
	var prev, freeTail *slot
	for len(data) > 0 {
		rec, rest, err := pstate.ConsumeRangeRecord(data)
		if err != nil {
			return err
		}
		data = rest
		s := &slot{
			base:  Pa(rec.Start / PageSize),
			pages: int32((rec.End - rec.Start) / PageSize),
		}
		switch rec.Kind {
		case recordKindAllocated:
			s.state = slotAllocatedPendingRestore
		case recordKindFree:
			s.state = slotFree
		default:
			return errBadRecordKind
		}
		if prev == nil {
			p.addrHead = s
		} else {
			prev.addrNext = s
			s.addrPrev = prev
		}
		prev = s
		if s.state == slotFree {
			if freeTail == nil {
				p.freeHead = s
			} else {
				freeTail.freeNext = s
			}
			freeTail = s
		}
	}
	return nil
}

// RestoreAlloc reclaims ownership of a previously-saved slot matching
// basePFN/sizePages and hands the caller a live Handle for it.
func (a *Allocator) RestoreAlloc(basePFN Pa, sizePages int32) (*Handle, error) {
	p := a.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := p.addrHead; s != nil; s = s.addrNext {
		if s.state == slotAllocatedPendingRestore && s.base == basePFN && s.pages == sizePages {
			p.nextGen++
			s.state = slotAllocated
			s.device = a.device
			s.allocGen = p.nextGen
			return &Handle{pool: p, s: s, gen: p.nextGen, Pages: sizePages}, nil
		}
	}
	return nil, errNoMatchingSlot
}

// ValidateRestore checks that every slot restored via Restore was
// reclaimed with RestoreAlloc. If leakUnrestored is true, any slot
// still pending is permanently marked allocated (leaked, never freed
// again) instead of returning an error -- the explicit choice spec
// §4.3 offers callers who would rather lose a DMA buffer than fail a
// service update outright.
func (p *Pool) ValidateRestore(leakUnrestored bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var anyPending bool
	for s := p.addrHead; s != nil; s = s.addrNext {
		if s.state == slotAllocatedPendingRestore {
			anyPending = true
			if leakUnrestored {
				s.state = slotAllocated
				s.device = "<leaked>"
			}
		}
	}
	if anyPending && !leakUnrestored {
		return errUnrestoredSlots
	}
	return nil
}
