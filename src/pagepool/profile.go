package pagepool

import (
	"github.com/google/pprof/profile"
)

// DumpProfile snapshots the pool's non-free slots as a pprof profile,
// one sample per slot labeled by device name and tag with the page
// count as its value -- a debugging aid for DMA fragmentation (§5's
// "google/pprof wiring"), not exercised by any guest-visible
// behavior.
func (p *Pool) DumpProfile() *profile.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "pages", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "pages"},
		Period:     1,
	}
	for s := p.addrHead; s != nil; s = s.addrNext {
		if s.state == slotFree {
			continue
		}
		label := map[string][]string{
			"device": {s.device},
			"tag":    {s.tag},
			"state":  {slotStateLabel(s.state)},
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Value: []int64{int64(s.pages)},
			Label: label,
		})
	}
	return prof
}

func slotStateLabel(s slotState) string {
	switch s {
	case slotAllocated:
		return "allocated"
	case slotAllocatedPendingRestore:
		return "pending_restore"
	default:
		return "free"
	}
}
