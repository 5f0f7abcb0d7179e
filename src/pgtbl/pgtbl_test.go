package pgtbl

import "testing"

func TestBuildSingle4KiBRange(t *testing.T) {
	scratch := make([]PageTable, 8)
	b := NewBuilder(0x100000, scratch, Config{})
	ranges := []MappedRange{
		{Start: 0x400000, End: 0x401000, Writable: true},
	}
	root, err := b.Build(ranges)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if root != 0x100000 {
		t.Fatalf("root = %#x, want %#x", root, 0x100000)
	}

	out := make([]byte, 8*PageSize)
	n, err := b.Serialize(out)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if n%PageSize != 0 {
		t.Fatalf("serialized size %d not page aligned", n)
	}

	// Walk PML4 -> PDPT -> PD -> PT to find the 4 KiB leaf for 0x400000.
	pml4 := &b.scratch.tables[0]
	pte := pml4[pteIndex(0x400000, levelPML4)]
	if !pte.Present() {
		t.Fatalf("PML4 entry not present")
	}
	pdpt := b.tableAt(pte.Addr())
	pte = pdpt[pteIndex(0x400000, levelPDPT)]
	if !pte.Present() || pte.Large() {
		t.Fatalf("expected PDPT to point to a PD, not a 1GiB leaf")
	}
	pd := b.tableAt(pte.Addr())
	pte = pd[pteIndex(0x400000, levelPD)]
	if !pte.Present() || pte.Large() {
		t.Fatalf("expected PD to point to a PT, not a 2MiB leaf")
	}
	pt := b.tableAt(pte.Addr())
	pte = pt[pteIndex(0x400000, levelPT)]
	if !pte.Present() {
		t.Fatalf("expected a present 4KiB leaf")
	}
	if pte.Addr() != 0x400000 {
		t.Fatalf("leaf PA = %#x, want %#x", pte.Addr(), 0x400000)
	}
	if !pte.Writable() {
		t.Fatalf("expected writable leaf")
	}
}

func TestBuildLargestAlignedLeaf(t *testing.T) {
	// A full 2MiB-aligned, 2MiB-sized range should collapse to a
	// single PD leaf rather than 512 PT leaves.
	scratch := make([]PageTable, 8)
	b := NewBuilder(0, scratch, Config{})
	ranges := []MappedRange{
		{Start: 0, End: LargePageSize, Writable: true},
	}
	if _, err := b.Build(ranges); err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Expect exactly 3 tables allocated: PML4, PDPT, PD (no PT).
	if b.scratch.next != 3 {
		t.Fatalf("allocated %d tables, want 3 (no PT should be needed)", b.scratch.next)
	}
}

func TestBuildRejectsUnsortedRanges(t *testing.T) {
	scratch := make([]PageTable, 8)
	b := NewBuilder(0, scratch, Config{})
	ranges := []MappedRange{
		{Start: 0x2000, End: 0x3000},
		{Start: 0x1000, End: 0x2000},
	}
	if _, err := b.Build(ranges); err == nil {
		t.Fatalf("expected error for unsorted ranges")
	}
}

func TestBuildNoPresentEntryOutsideRange(t *testing.T) {
	scratch := make([]PageTable, 8)
	b := NewBuilder(0, scratch, Config{})
	ranges := []MappedRange{
		{Start: 0x400000, End: 0x401000, Writable: true},
	}
	if _, err := b.Build(ranges); err != nil {
		t.Fatalf("Build: %v", err)
	}
	pml4 := &b.scratch.tables[0]
	for i, e := range pml4 {
		if i == pteIndex(0x400000, levelPML4) {
			continue
		}
		if e.Present() {
			t.Fatalf("unexpected present PML4 entry at index %d", i)
		}
	}
}

func TestIdentityMap4GiB(t *testing.T) {
	out, err := IdentityMap(IdentityMapConfig{SizeGiB: 4})
	if err != nil {
		t.Fatalf("IdentityMap: %v", err)
	}
	// 1 PML4 + 1 PDPT + 4 PDs = 6 pages (spec §8 scenario 2).
	if len(out) != 6*PageSize {
		t.Fatalf("image size = %d, want %d", len(out), 6*PageSize)
	}
}

func TestIdentityMapBiasSkipsPML4(t *testing.T) {
	out, err := IdentityMap(IdentityMapConfig{SizeGiB: 4, Bias: 1 << 46})
	if err != nil {
		t.Fatalf("IdentityMap: %v", err)
	}
	// 1 PDPT + 4 PDs = 5 pages; no PML4 when a bias is supplied.
	if len(out) != 5*PageSize {
		t.Fatalf("image size = %d, want %d", len(out), 5*PageSize)
	}
}

func TestIdentityMapRejectsBadSize(t *testing.T) {
	if _, err := IdentityMap(IdentityMapConfig{SizeGiB: 3}); err == nil {
		t.Fatalf("expected error for unsupported size")
	}
}
