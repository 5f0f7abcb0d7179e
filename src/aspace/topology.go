package aspace

import (
	"fmt"

	"bootcfg"
	"perrs"
	"pstate"
)

var errUnknownReservedKind = perrs.New(perrs.KindConfig, "aspace.FromTopology", "unknown reserved-range kind")

func kindFromString(s string) (Kind, error) {
	switch s {
	case "config":
		return KindConfig, nil
	case "reserved":
		return KindReserved, nil
	case "sidecar_image":
		return KindSidecarImage, nil
	case "sidecar_node":
		return KindSidecarNode, nil
	case "gpa_pool":
		return KindGPAPool, nil
	case "page_tables":
		return KindTDXPageTables, nil
	case "log_buffer":
		return KindLogBuffer, nil
	default:
		return KindNone, fmt.Errorf("%w: %q", errUnknownReservedKind, s)
	}
}

// FromTopology builds a Manager from a parsed boot topology document:
// each RAMRegion becomes a Free slot with the bootshim-used prefix
// split out as Used (spec §4.2), the persisted-state region is
// reserved and split into its fixed-size header page and payload
// remainder (spec §6), every ReservedRange is carved out by kind, and
// a carried-over PriorGPAPool (if present) is reserved last so a
// service update keeps its GPA pool identity across the handoff.
func FromTopology(topo bootcfg.Topology) (*Manager, error) {
	b := NewBuilder()
	for _, region := range topo.VTL2RAM {
		usedEnd := uint64(0)
		if topo.BootshimUsed.End > region.Range.Start && topo.BootshimUsed.Start < region.Range.End {
			usedEnd = topo.BootshimUsed.End
		}
		b.AddRAMRegion(region.Range.Start, region.Range.End, region.NumaNode, usedEnd)
	}

	if topo.PersistedState.Len() > 0 {
		headerEnd := topo.PersistedState.Start + pstate.HeaderSize
		if headerEnd > topo.PersistedState.End {
			headerEnd = topo.PersistedState.End
		}
		if err := b.Reserve(topo.PersistedState.Start, headerEnd, KindPersistedStateHeader); err != nil {
			return nil, err
		}
		if headerEnd < topo.PersistedState.End {
			if err := b.Reserve(headerEnd, topo.PersistedState.End, KindPersistedStatePayload); err != nil {
				return nil, err
			}
		}
	}

	for _, rr := range topo.Reserved {
		kind, err := kindFromString(rr.Kind)
		if err != nil {
			return nil, err
		}
		if err := b.Reserve(rr.Range.Start, rr.Range.End, kind); err != nil {
			return nil, err
		}
	}

	if topo.PriorGPAPool != nil {
		if err := b.Reserve(topo.PriorGPAPool.Start, topo.PriorGPAPool.End, KindGPAPool); err != nil {
			return nil, err
		}
	}

	return b.Build()
}
