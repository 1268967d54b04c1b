package config

import "time"

// Timeouts bounds every remote-facing wait the orchestrators perform.
type Timeouts struct {
	// Connect bounds remote connection establishment.
	Connect time.Duration
	// FirstBoot bounds the wait for a freshly installed host to come back.
	FirstBoot time.Duration
	// ReadinessPoll bounds a single readiness-poll iteration.
	ReadinessPoll time.Duration
	// ReadinessTotal bounds the overall per-host readiness wait.
	ReadinessTotal time.Duration
	// UpgradeWindow is the activation window length backing one upgrade
	// stagger slot. An upgrade overrunning its window is logged, not
	// blocked: non-overlap is a timing assumption agreed in the
	// descriptor, not a runtime invariant.
	UpgradeWindow time.Duration
}

// DefaultTimeouts returns the production bounds.
func DefaultTimeouts() *Timeouts {
	return &Timeouts{
		Connect:        10 * time.Second,
		FirstBoot:      15 * time.Minute,
		ReadinessPoll:  15 * time.Second,
		ReadinessTotal: 10 * time.Minute,
		UpgradeWindow:  time.Hour,
	}
}
