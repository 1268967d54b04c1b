package upgrade

import (
	"sort"
	"time"

	"github.com/kuutamolabs/kld-mgr/internal/config"
)

// Window is one host's scheduled activation slot. Slots for hosts of the
// same role never overlap: safety against taking a quorum majority down
// comes from time-sequencing agreed in the descriptors, not from any
// cross-host lock.
type Window struct {
	Host  string
	Role  config.Role
	Start time.Time
	End   time.Time
}

// Schedule derives each host's activation window from its stagger offset.
// The hosts' own self-upgrade timers use the same arithmetic, so an
// operator-driven update and an autonomous one agree on the slots.
func Schedule(hosts []config.HostSpec, base time.Time, width time.Duration) []Window {
	windows := make([]Window, 0, len(hosts))
	for i := range hosts {
		offset := time.Duration(hosts[i].UpgradeStagger) * width
		windows = append(windows, Window{
			Host:  hosts[i].Name,
			Role:  hosts[i].Role,
			Start: base.Add(offset),
			End:   base.Add(offset + width),
		})
	}
	sort.SliceStable(windows, func(i, j int) bool { return windows[i].Start.Before(windows[j].Start) })
	return windows
}

// ByStagger returns the hosts ordered by stagger offset, ties broken by
// description order. Update walks hosts in this order.
func ByStagger(hosts []config.HostSpec) []config.HostSpec {
	ordered := append([]config.HostSpec{}, hosts...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].UpgradeStagger < ordered[j].UpgradeStagger
	})
	return ordered
}
