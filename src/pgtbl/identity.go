package pgtbl

import "perrs"

// SecondPML4Slot lets a caller point a high-canonical virtual address
// at a table it built itself (spec §4.1's "optional second PML4
// linkage slot").
type SecondPML4Slot struct {
	TargetPA Pa
	VA       Pa
}

// IdentityMapConfig controls the identity-map variant of the builder.
type IdentityMapConfig struct {
	SizeGiB int // 4 or 8
	Bias    Pa  // added to every leaf PA
	Second  *SecondPML4Slot
}

// IdentityMap produces a flat byte image mapping the first
// cfg.SizeGiB gigabytes using 2 MiB leaves, per spec §4.1/§8 scenario
// 2. When cfg.Bias is non-zero the PML4 is skipped entirely (the
// caller is expected to link a higher-level table itself); otherwise
// a single PML4 is emitted with entry 0 linked to the PDPT, plus one
// PDPT entry and one PD of 512 entries per gigabyte.
func IdentityMap(cfg IdentityMapConfig) ([]byte, error) {
	if cfg.SizeGiB != 4 && cfg.SizeGiB != 8 {
		return nil, perrs.New(perrs.KindConfig, "pgtbl.IdentityMap", "size must be 4 or 8 GiB")
	}
	numPDPTEntries := cfg.SizeGiB // one PDPT entry, and one PD, per GiB
	skipPML4 := cfg.Bias != 0

	tableCount := numPDPTEntries + 1 // PDPT + one PD per GiB
	if !skipPML4 {
		tableCount++
	}
	scratchTables := make([]PageTable, tableCount)

	s := &scratch{tables: scratchTables}

	var pml4 *PageTable
	var pml4Idx int
	basePA := Pa(0)
	if !skipPML4 {
		var err error
		pml4Idx, pml4, err = s.alloc(levelPML4)
		if err != nil {
			return nil, err
		}
	}
	pdptIdx, pdpt, err := s.alloc(levelPDPT)
	if err != nil {
		return nil, err
	}
	pdptPA := basePA + Pa(pdptIdx*PageSize)

	if !skipPML4 {
		pml4[0] = Pte(pdptPA) | Pte(PteP) | Pte(PteW) | Pte(PteA)
		if cfg.Second != nil {
			idx := pteIndex(cfg.Second.VA, levelPML4)
			pml4[idx] = Pte(cfg.Second.TargetPA) | Pte(PteP) | Pte(PteW) | Pte(PteA)
		}
	}

	for g := 0; g < numPDPTEntries; g++ {
		pdIdx, pd, err := s.alloc(levelPD)
		if err != nil {
			return nil, err
		}
		pdPA := basePA + Pa(pdIdx*PageSize)
		pdpt[g] = Pte(pdPA) | Pte(PteP) | Pte(PteW) | Pte(PteA)

		for e := 0; e < entriesPerTable; e++ {
			leafPA := Pa(g)*HugePageSize + Pa(e)*LargePageSize + cfg.Bias
			pd[e] = Pte(leafPA) | Pte(PteP) | Pte(PteW) | Pte(PteA) | Pte(PtePS) | Pte(PteD)
		}
	}

	out := make([]byte, tableCount*PageSize)
	for i := 0; i < tableCount; i++ {
		base := i * PageSize
		t := &s.tables[i]
		for e := 0; e < entriesPerTable; e++ {
			off := base + e*entrySize
			putU64(out[off:off+8], uint64(t[e]))
		}
	}
	_ = pml4Idx
	return out, nil
}
