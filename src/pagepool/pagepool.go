// Package pagepool implements a DMA-visible page arena shared by
// device drivers (nvme) and the VPCI client. It hands out contiguous
// page ranges from one or more backing sources and tracks them with
// an intrusive free list, the same design the teacher kernel's
// mem.Physmem_t uses for whole-page allocation (mem/mem.go's
// freei/nexti bump-and-recycle scheme), generalized here from
// fixed-size single-page entries to variable-length page runs since
// callers request multi-page DMA buffers, not single pages.
package pagepool

import (
	"os"
	"sync"

	"perrs"
)

// Pa is a guest physical page-frame address (not a byte offset).
type Pa uint64

const PageSize = 4096

// PoolSource is the minimal trait a backing memory source must
// satisfy: where its pages sit relative to the guest's physical
// address space, where its bytes live in a mappable file, and how to
// get an *os.File to map it. Spec calls this "a small closed-world
// interface... expose as a trait object"; here that is simply an
// interface value stored on Pool.
type PoolSource interface {
	AddressBias() Pa
	FileOffset() int64
	Mappable() (*os.File, error)
}

type slotState int

const (
	slotFree slotState = iota
	slotAllocated
	slotAllocatedPendingRestore
)

// slot is one run of contiguous pages. Slots form two intrusive
// lists: addrNext/addrPrev keep the whole pool walkable in address
// order (needed for lazy coalescing and for Save's ordered dump);
// freeNext chains only the free slots, mirroring Physmem_t's
// single-purpose free list.
type slot struct {
	base      Pa
	pages     int32
	state     slotState
	device    string
	tag       string
	allocGen  uint64
	addrNext  *slot
	addrPrev  *slot
	freeNext  *slot
}

// Pool owns one contiguous backing region and the slot list carved
// out of it.
type Pool struct {
	mu       sync.Mutex
	source   PoolSource
	growable bool
	backing  []byte
	addrHead *slot
	freeHead *slot
	nextGen  uint64
	devices  map[string]bool
}

// NewSourcePool creates a pool over an entire, already-sized backing
// region (the "preallocated, source-backed" variant from §4.3/§12).
func NewSourcePool(source PoolSource, backing []byte) *Pool {
	p := &Pool{source: source, backing: backing, devices: make(map[string]bool)}
	if len(backing) > 0 {
		p.addrHead = &slot{base: 0, pages: int32(len(backing) / PageSize), state: slotFree}
		p.freeHead = p.addrHead
	}
	return p
}

// Allocator claims a device name against a pool and allocates on its
// behalf. Spec describes a flat "device identity table (name ->
// status)"; Allocator is the handle a caller keeps after registering
// into that table.
type Allocator struct {
	pool   *Pool
	device string
}

var errDeviceNameTaken = perrs.New(perrs.KindConfig, "pagepool.Pool.NewAllocator", "device name already claimed")
var errNoSpace = perrs.New(perrs.KindResource, "pagepool.Allocator.Allocate", "no free slot large enough")
var errZeroLength = perrs.New(perrs.KindConfig, "pagepool.Allocator.Allocate", "zero-length allocation")

// NewAllocator claims deviceName in the pool's identity table. A name
// may only be claimed once at a time.
func (p *Pool) NewAllocator(deviceName string) (*Allocator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.devices[deviceName] {
		return nil, errDeviceNameTaken
	}
	p.devices[deviceName] = true
	return &Allocator{pool: p, device: deviceName}, nil
}

// Release frees the allocator's claim on its device name. It does not
// free any outstanding handles.
func (a *Allocator) Release() {
	a.pool.mu.Lock()
	defer a.pool.mu.Unlock()
	delete(a.pool.devices, a.device)
}

// Handle is an owned reference to one allocated page run. It carries
// no refcount: dropping it without calling Free leaks the slot, the
// same contract pagepool's callers already have with pstate's
// leak-on-unrestored-slot design (§4.3).
type Handle struct {
	pool  *Pool
	s     *slot
	gen   uint64
	Pages int32
}

// BasePFN returns the handle's starting page-frame address.
func (h *Handle) BasePFN() Pa { return h.s.base }

// BasePFNWithBias returns BasePFN adjusted by the pool's address
// bias, the guest-physical address a device descriptor should carry.
func (h *Handle) BasePFNWithBias() Pa { return h.s.base + h.pool.source.AddressBias() }

// Slice returns the raw bytes backing this handle, if the pool is
// backed by in-process memory (mmap'd backing, not restored from a
// pre-existing save record with no local mapping).
func (h *Handle) Slice() []byte {
	off := int64(h.s.base)*PageSize - h.pool.source.FileOffset()
	if off < 0 || int(off)+int(h.Pages)*PageSize > len(h.pool.backing) {
		return nil
	}
	return h.pool.backing[off : int(off)+int(h.Pages)*PageSize]
}

// coalesce walks the address list once, merging adjacent free slots.
// Called lazily at the start of Allocate per §3's "adjacent free
// slots may coalesce lazily" rather than eagerly on every Free.
func (p *Pool) coalesce() {
	for s := p.addrHead; s != nil && s.addrNext != nil; {
		n := s.addrNext
		if s.state == slotFree && n.state == slotFree {
			s.pages += n.pages
			s.addrNext = n.addrNext
			if n.addrNext != nil {
				n.addrNext.addrPrev = s
			}
			p.removeFromFreeList(n)
			continue
		}
		s = s.addrNext
	}
}

func (p *Pool) removeFromFreeList(target *slot) {
	if p.freeHead == target {
		p.freeHead = target.freeNext
		return
	}
	for s := p.freeHead; s != nil; s = s.freeNext {
		if s.freeNext == target {
			s.freeNext = target.freeNext
			return
		}
	}
}

// Allocate carves pages contiguous pages out of the first free slot
// big enough to hold them (first-fit, grounded on Physmem_t's
// "pop head of free list" scheme, generalized to variable-length
// runs that may need splitting).
func (a *Allocator) Allocate(pages int32, tag string) (*Handle, error) {
	if pages <= 0 {
		return nil, errZeroLength
	}
	p := a.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	p.coalesce()

	var found *slot
	for s := p.freeHead; s != nil; s = s.freeNext {
		if s.pages >= pages {
			found = s
			break
		}
	}
	if found == nil {
		return nil, errNoSpace
	}

	var allocated *slot
	if found.pages == pages {
		p.removeFromFreeList(found)
		found.state = slotAllocated
		allocated = found
	} else {
		allocated = &slot{base: found.base, pages: pages, state: slotAllocated}
		found.base += Pa(pages)
		found.pages -= pages
		allocated.addrPrev = found.addrPrev
		allocated.addrNext = found
		if found.addrPrev != nil {
			found.addrPrev.addrNext = allocated
		} else {
			p.addrHead = allocated
		}
		found.addrPrev = allocated
	}

	p.nextGen++
	allocated.device = a.device
	allocated.tag = tag
	allocated.allocGen = p.nextGen

	return &Handle{pool: p, s: allocated, gen: p.nextGen, Pages: pages}, nil
}

var errDoubleFree = perrs.New(perrs.KindConfig, "pagepool.Pool.Free", "handle already freed or stale")

// Free returns h's pages to the pool. Calling Free twice on the same
// handle, or on a handle whose slot has since been reallocated (the
// generation check), returns errDoubleFree instead of corrupting the
// free list.
func (p *Pool) Free(h *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.s.state != slotAllocated || h.s.allocGen != h.gen {
		return errDoubleFree
	}
	h.s.state = slotFree
	h.s.device = ""
	h.s.tag = ""
	h.s.freeNext = p.freeHead
	p.freeHead = h.s
	return nil
}
