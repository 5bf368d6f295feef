package rollout

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/adgo-io/deployer/internal/observability"
)

// Phase is the position of a run in the pipeline.
type Phase string

// Pipeline phases. Done, Recovered, RecoveryFailed, ManualIntervention and
// Aborted are terminal.
const (
	PhaseInit               Phase = "Init"
	PhaseScalingDown        Phase = "ScalingDown"
	PhaseMigrating          Phase = "Migrating"
	PhaseSettingImages      Phase = "SettingImages"
	PhaseScalingUp          Phase = "ScalingUp"
	PhaseRecovering         Phase = "Recovering"
	PhaseDone               Phase = "Done"
	PhaseRecovered          Phase = "Recovered"
	PhaseRecoveryFailed     Phase = "RecoveryFailed"
	PhaseManualIntervention Phase = "ManualIntervention"
	PhaseAborted            Phase = "Aborted"
)

var allPhases = []string{
	string(PhaseInit),
	string(PhaseScalingDown),
	string(PhaseMigrating),
	string(PhaseSettingImages),
	string(PhaseScalingUp),
	string(PhaseRecovering),
	string(PhaseDone),
	string(PhaseRecovered),
	string(PhaseRecoveryFailed),
	string(PhaseManualIntervention),
	string(PhaseAborted),
}

// Terminal reports whether the run has finished.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseRecovered, PhaseRecoveryFailed, PhaseManualIntervention, PhaseAborted:
		return true
	}
	return false
}

// PhaseTracker tracks the current phase of a run. It is written by the
// orchestrator and read by the health server.
type PhaseTracker struct {
	mu      sync.RWMutex
	phase   Phase
	reason  string
	since   time.Time
	clock   clock.PassiveClock
	metrics *observability.Metrics
}

// NewPhaseTracker creates a PhaseTracker starting in PhaseInit. metrics may
// be nil.
func NewPhaseTracker(clk clock.PassiveClock, metrics *observability.Metrics) *PhaseTracker {
	pt := &PhaseTracker{
		phase:   PhaseInit,
		since:   clk.Now(),
		clock:   clk,
		metrics: metrics,
	}
	pt.export()
	return pt
}

// Phase returns the current phase.
func (pt *PhaseTracker) Phase() Phase {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.phase
}

// Reason returns the human-readable reason for the current phase.
func (pt *PhaseTracker) Reason() string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.reason
}

// Since returns when the current phase was entered.
func (pt *PhaseTracker) Since() time.Time {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.since
}

// TransitionTo sets the phase with a reason.
func (pt *PhaseTracker) TransitionTo(phase Phase, reason string) {
	pt.mu.Lock()
	pt.phase = phase
	pt.reason = reason
	pt.since = pt.clock.Now()
	pt.mu.Unlock()

	pt.export()
}

func (pt *PhaseTracker) export() {
	if pt.metrics == nil {
		return
	}
	observability.SetActive(pt.metrics.RolloutPhase, string(pt.Phase()), allPhases)
}
