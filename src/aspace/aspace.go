// Package aspace partitions the bootshim/VTL2 guest-physical address
// space into free/used/reserved ranges and hands out allocations to
// the rest of the paravisor (spec §3/§4.2).
//
// The sorted-slot-vector-plus-mutex discipline, and the
// split-at-requested-length / re-insert-remainder pattern used by
// Allocate, are grounded on the teacher kernel's Vmregion_t handling
// in vm/as.go (Vm_t embeds a sync.Mutex guarding Vmregion/Pmap/P_pmap
// exactly as Manager's mutex guards its own slot vector here, and
// Page_insert's "split the old mapping, re-insert what's left" shape
// recurs as allocate's slot-split logic below).
package aspace

import (
	"sort"
	"sync"

	"perrs"

	"github.com/google/btree"
)

const pageSize = uint64(4096)

// Range is a half-open [Start, End) guest-physical range, always 4
// KiB aligned (spec §3).
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Len() uint64      { return r.End - r.Start }
func (r Range) Empty() bool      { return r.Start >= r.End }
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Kind enumerates the reserved-range kinds from spec §3, plus the VTL
// type constants spec §6 requires the guest memory map to emit.
type Kind int

const (
	KindNone Kind = iota
	KindConfig
	KindReserved
	KindSidecarImage
	KindSidecarNode
	KindGPAPool
	KindTDXPageTables
	KindLogBuffer
	KindPersistedStateHeader
	KindPersistedStatePayload
)

func (k Kind) VTL2Type() string {
	switch k {
	case KindConfig:
		return "VTL2_CONFIG"
	case KindReserved:
		return "VTL2_RESERVED"
	case KindSidecarImage:
		return "VTL2_SIDECAR_IMAGE"
	case KindSidecarNode:
		return "VTL2_SIDECAR_NODE"
	case KindGPAPool:
		return "VTL2_GPA_POOL"
	case KindTDXPageTables:
		return "VTL2_TDX_PAGE_TABLES"
	case KindLogBuffer:
		return "VTL2_BOOTSHIM_LOG_BUFFER"
	case KindPersistedStateHeader:
		return "VTL2_PERSISTED_STATE_HEADER"
	case KindPersistedStatePayload:
		return "VTL2_PERSISTED_STATE_PROTOBUF"
	default:
		return "VTL2_RAM"
	}
}

// UsageKind discriminates a slot's usage state (spec §3).
type UsageKind int

const (
	Free UsageKind = iota
	Used
	Reserved
)

// Usage is a slot's usage tag: Free, Used (bootshim-reclaimable), or
// Reserved(kind).
type Usage struct {
	Kind         UsageKind
	ReservedKind Kind
}

// Slot is one entry of the address-space manager's slot vector.
type Slot struct {
	Range    Range
	NumaNode uint32
	Usage    Usage
}

// Policy selects where Allocate searches for a free slot.
type Policy int

const (
	LowMemory Policy = iota
	HighMemory
)

// AllocatedRange is the result of a successful Allocate call.
type AllocatedRange struct {
	Range    Range
	NumaNode uint32
	Kind     Kind
}

// Manager owns the sorted slot vector for one guest's VTL2-visible
// RAM. All mutating operations are serialized under a single
// non-reentrant mutex (spec §5's shared-resource policy).
type Manager struct {
	mu    sync.Mutex
	slots []Slot // kept sorted by Range.Start, non-overlapping (spec §8)
	index *btree.BTreeG[btreeItem]
	built bool
}

type btreeItem struct {
	start uint64
	idx   int
}

func lessItem(a, b btreeItem) bool { return a.start < b.start }

// New returns an empty Manager. Use NewBuilder to construct one from
// a boot topology; New is exposed for tests that want to drive the
// slot vector directly.
func New() *Manager {
	return &Manager{index: btree.NewG[btreeItem](32, lessItem)}
}

func (m *Manager) rebuildIndex() {
	m.index = btree.NewG[btreeItem](32, lessItem)
	for i, s := range m.slots {
		m.index.ReplaceOrInsert(btreeItem{start: s.Range.Start, idx: i})
	}
}

// roundUpPage rounds n up to the next multiple of 4 KiB.
func roundUpPage(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// Allocate finds a free slot satisfying the request, splits it, and
// returns the carved range with usage Reserved(kind). It returns
// (nil, false) on any failure -- allocation failures are never fatal
// (spec §4.2/§7).
func (m *Manager) Allocate(numaNode *uint32, length uint64, kind Kind, policy Policy) (*AllocatedRange, bool) {
	length = roundUpPage(length)
	if length == 0 {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.candidateIndices(numaNode, length)
	if len(candidates) == 0 {
		return nil, false
	}
	var chosen int
	if policy == LowMemory {
		chosen = candidates[0]
	} else {
		chosen = candidates[len(candidates)-1]
	}

	slot := m.slots[chosen]
	var carved Range
	var remainder *Slot
	if policy == LowMemory {
		carved = Range{Start: slot.Range.Start, End: slot.Range.Start + length}
		if rem := slot.Range.End - carved.End; rem > 0 {
			remainder = &Slot{Range: Range{Start: carved.End, End: slot.Range.End}, NumaNode: slot.NumaNode, Usage: Usage{Kind: Free}}
		}
	} else {
		carved = Range{Start: slot.Range.End - length, End: slot.Range.End}
		if rem := carved.Start - slot.Range.Start; rem > 0 {
			remainder = &Slot{Range: Range{Start: slot.Range.Start, End: carved.Start}, NumaNode: slot.NumaNode, Usage: Usage{Kind: Free}}
		}
	}

	newSlot := Slot{Range: carved, NumaNode: slot.NumaNode, Usage: Usage{Kind: Reserved, ReservedKind: kind}}

	replacement := []Slot{newSlot}
	if remainder != nil {
		if policy == LowMemory {
			replacement = append(replacement, *remainder)
		} else {
			replacement = append([]Slot{*remainder}, replacement...)
		}
	}
	m.replaceSlot(chosen, replacement)

	return &AllocatedRange{Range: carved, NumaNode: slot.NumaNode, Kind: kind}, true
}

// candidateIndices returns indices of free slots big enough for
// length, optionally filtered to numaNode, sorted by Range.Start.
// NUMA preference is strict: if none satisfy it, the caller gets no
// fallback to "any node" (spec §4.2: "no fallback -- the caller
// chooses per-node vs. any").
func (m *Manager) candidateIndices(numaNode *uint32, length uint64) []int {
	var out []int
	for i, s := range m.slots {
		if s.Usage.Kind != Free {
			continue
		}
		if s.Range.Len() < length {
			continue
		}
		if numaNode != nil && s.NumaNode != *numaNode {
			continue
		}
		out = append(out, i)
	}
	return out
}

// replaceSlot swaps slots[at] for the given ordered replacement
// slice, then re-sorts and rebuilds the index. Allocation is rare
// relative to lookups so the O(n) re-sort is not a hot path.
func (m *Manager) replaceSlot(at int, replacement []Slot) {
	out := make([]Slot, 0, len(m.slots)+len(replacement)-1)
	out = append(out, m.slots[:at]...)
	out = append(out, replacement...)
	out = append(out, m.slots[at+1:]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start < out[j].Range.Start })
	m.slots = out
	m.rebuildIndex()
}

// Slots returns a snapshot copy of the current slot vector, sorted by
// address.
func (m *Manager) Slots() []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Slot, len(m.slots))
	copy(out, m.slots)
	return out
}

// VTLRange is one merged, address-sorted region tagged with its VTL2
// memory-map type string.
type VTLRange struct {
	Range   Range
	VTLType string
}

// VTL2Ranges yields every slot with adjacent same-type ranges merged,
// for the guest's memory-map producer (spec §4.2).
func (m *Manager) VTL2Ranges() []VTLRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mergeAdjacent(m.slots, func(s Slot) string {
		if s.Usage.Kind == Reserved {
			return s.Usage.ReservedKind.VTL2Type()
		}
		return "VTL2_RAM"
	})
}

// ReservedVTL2Ranges yields only reserved slots (merged by type),
// used to annotate the persisted-state header (spec §4.2).
func (m *Manager) ReservedVTL2Ranges() []VTLRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reserved []Slot
	for _, s := range m.slots {
		if s.Usage.Kind == Reserved {
			reserved = append(reserved, s)
		}
	}
	return mergeAdjacent(reserved, func(s Slot) string { return s.Usage.ReservedKind.VTL2Type() })
}

func mergeAdjacent(slots []Slot, typeOf func(Slot) string) []VTLRange {
	var out []VTLRange
	for _, s := range slots {
		t := typeOf(s)
		if n := len(out); n > 0 && out[n-1].VTLType == t && out[n-1].Range.End == s.Range.Start {
			out[n-1].Range.End = s.Range.End
			continue
		}
		out = append(out, VTLRange{Range: s.Range, VTLType: t})
	}
	return out
}

// SlotFor returns the slot covering addr, if any, found via the
// start-indexed btree rather than a linear scan (spec §7: memory-map
// producers and device-bind paths query by address, not just iterate).
func (m *Manager) SlotFor(addr uint64) (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found Slot
	ok := false
	m.index.DescendLessOrEqual(btreeItem{start: addr}, func(item btreeItem) bool {
		s := m.slots[item.idx]
		if addr < s.Range.End {
			found, ok = s, true
		}
		return false
	})
	return found, ok
}

var errAlreadyInitialised = perrs.New(perrs.KindConfig, "aspace.Builder.Build", "manager already contains slots")
var errReservedOutsideUsed = perrs.New(perrs.KindConfig, "aspace.Builder.Build", "reserved range lies outside bootshim-used range")

// Builder constructs a Manager from a boot topology: RAM regions
// become Free slots, reserved carve-outs become Reserved slots, and
// the bootshim-used prefix of each region is marked Used so later
// Allocate calls never return bootshim's own image (spec §4.2, §8
// scenario 1).
type Builder struct {
	m *Manager
}

// NewBuilder starts an empty Builder. Regions are added one at a time
// with AddRAMRegion; FromTopology drives this from a parsed
// bootcfg.Topology for the common case of building straight from the
// boot handoff document.
func NewBuilder() *Builder {
	return &Builder{m: New()}
}

// AddRAMRegion records one contiguous free RAM region with its NUMA
// node. usedEnd is the absolute end address (exclusive) of the
// bootshim-reclaimable image at the start of this region; pass 0 if none.
func (b *Builder) AddRAMRegion(start, end uint64, numaNode uint32, usedEnd uint64) *Builder {
	if usedEnd > start {
		b.m.slots = append(b.m.slots, Slot{Range: Range{Start: start, End: usedEnd}, NumaNode: numaNode, Usage: Usage{Kind: Used}})
		start = usedEnd
	}
	if start < end {
		b.m.slots = append(b.m.slots, Slot{Range: Range{Start: start, End: end}, NumaNode: numaNode, Usage: Usage{Kind: Free}})
	}
	return b
}

// Reserve carves out [start,end) as Reserved(kind). The range must
// fall entirely within a Used slot already added by AddRAMRegion --
// spec §3/§4.2 requires every reserved range supplied at init to lie
// strictly within the bootshim's used range, so a Free or already
// Reserved slot is rejected the same as one outside all known RAM.
func (b *Builder) Reserve(start, end uint64, kind Kind) error {
	for i, s := range b.m.slots {
		if s.Usage.Kind == Used && s.Range.Start <= start && end <= s.Range.End {
			var out []Slot
			if s.Range.Start < start {
				out = append(out, Slot{Range: Range{Start: s.Range.Start, End: start}, NumaNode: s.NumaNode, Usage: s.Usage})
			}
			out = append(out, Slot{Range: Range{Start: start, End: end}, NumaNode: s.NumaNode, Usage: Usage{Kind: Reserved, ReservedKind: kind}})
			if end < s.Range.End {
				out = append(out, Slot{Range: Range{Start: end, End: s.Range.End}, NumaNode: s.NumaNode, Usage: s.Usage})
			}
			b.m.replaceSlot(i, out)
			return nil
		}
	}
	return errReservedOutsideUsed
}

// Build finalises the Manager. It is an error to call Build twice on
// slots produced by the same Builder.
func (b *Builder) Build() (*Manager, error) {
	if b.m.built {
		return nil, errAlreadyInitialised
	}
	sort.Slice(b.m.slots, func(i, j int) bool { return b.m.slots[i].Range.Start < b.m.slots[j].Range.Start })
	b.m.rebuildIndex()
	b.m.built = true
	return b.m, nil
}
