// Package bootcfg describes the boot firmware's handoff to the
// paravisor: the VTL2 RAM list, the bootshim-used range, the
// persisted-state region, and the reserved-range list that seed the
// address-space manager's builder (spec §2, §4.2). It is loaded from
// a TOML document via github.com/BurntSushi/toml, adopted from the
// retrieved pack (gvisor depends on it) since the teacher kernel has
// no configuration-file story of its own -- biscuit's equivalent
// inputs are compiled-in constants.
package bootcfg

import (
	"io"

	"github.com/BurntSushi/toml"
)

// Range is a half-open [Start, End) byte range, always 4 KiB aligned
// (spec §3).
type Range struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

func (r Range) Len() uint64 { return r.End - r.Start }

// RAMRegion is one entry of the sorted VTL2 RAM list, tagged with the
// NUMA node it belongs to.
type RAMRegion struct {
	Range    Range `toml:"range"`
	NumaNode uint32 `toml:"numa_node"`
}

// ReservedRange is one reserved-range carve-out supplied at init; it
// must lie strictly within BootshimUsed (spec §3).
type ReservedRange struct {
	Range Range  `toml:"range"`
	Kind  string `toml:"kind"` // one of: config, reserved, sidecar_image, sidecar_node, page_tables, log_buffer, gpa_pool
}

// Topology is the full boot handoff document.
type Topology struct {
	VTL2RAM        []RAMRegion     `toml:"vtl2_ram"`
	BootshimUsed   Range           `toml:"bootshim_used"`
	PersistedState Range           `toml:"persisted_state"`
	Reserved       []ReservedRange `toml:"reserved"`
	// PriorGPAPool, if non-empty, is a GPA-pool range carried across a
	// service update and re-added as reserved (spec §4.2).
	PriorGPAPool *Range `toml:"prior_gpa_pool,omitempty"`
}

// Load parses a Topology document from r.
func Load(r io.Reader) (*Topology, error) {
	var t Topology
	if _, err := toml.NewDecoder(r).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}
