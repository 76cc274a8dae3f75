package engine

import (
	"time"

	"github.com/sprucehealth/ivrdialer/model"
)

// TransferToAgentField tags the automated response that requests a human agent
const TransferToAgentField = "transfer to agent"

// Detection reports which heuristic decided that an agent joined
type Detection int

const (
	NoDetection Detection = iota
	DetectedByEnergy
	DetectedByTranscript
)

func (d Detection) String() string {
	switch d {
	case DetectedByEnergy:
		return "energy"
	case DetectedByTranscript:
		return "transcript"
	default:
		return "none"
	}
}

// PresenceConfig tunes the agent presence heuristics
type PresenceConfig struct {
	EnergyThreshold float64
	SilenceWindow   time.Duration
	IndicatorTTL    time.Duration
}

// DefaultPresenceConfig returns the standard thresholds
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		EnergyThreshold: 0.02,
		SilenceWindow:   5 * time.Second,
		IndicatorTTL:    3 * time.Second,
	}
}

// PresenceDetector decides when a human agent has joined after a transfer
// request. Audio energy above the threshold during hold music, or transcript
// growth after the silence window, each complete the detection; the first to
// fire disarms the watch so one transfer yields one detection.
//
// The detector holds no timers. The engine drives it with Tick on a fixed
// interval, which keeps it deterministic under a manual clock.
type PresenceDetector struct {
	cfg            PresenceConfig
	phase          model.CallPhase
	watch          model.AgentTransferWatch
	indicatorUntil time.Time
}

// NewPresenceDetector creates a detector, filling zero config values with defaults
func NewPresenceDetector(cfg PresenceConfig) *PresenceDetector {
	def := DefaultPresenceConfig()
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = def.EnergyThreshold
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = def.SilenceWindow
	}
	if cfg.IndicatorTTL <= 0 {
		cfg.IndicatorTTL = def.IndicatorTTL
	}
	return &PresenceDetector{cfg: cfg}
}

// Arm starts watching for an agent. Re-arming while armed keeps the original baseline.
func (d *PresenceDetector) Arm(now time.Time, transcriptLen int) {
	if d.watch.Armed {
		return
	}
	d.watch = model.AgentTransferWatch{
		Armed:                    true,
		ArmedAt:                  now,
		BaselineTranscriptLength: transcriptLen,
	}
	d.phase = model.PhaseHoldMusic
}

// ObserveEnergy applies the audio energy heuristic to one sample
func (d *PresenceDetector) ObserveEnergy(now time.Time, level float64) Detection {
	if d.phase != model.PhaseHoldMusic || level <= d.cfg.EnergyThreshold {
		return NoDetection
	}
	d.detected(now)
	return DetectedByEnergy
}

// ObserveTranscript applies the transcript growth heuristic
func (d *PresenceDetector) ObserveTranscript(now time.Time, transcriptLen int) Detection {
	if !d.watch.Armed {
		return NoDetection
	}
	if now.Sub(d.watch.ArmedAt) < d.cfg.SilenceWindow {
		return NoDetection
	}
	if transcriptLen <= d.watch.BaselineTranscriptLength {
		return NoDetection
	}
	d.detected(now)
	return DetectedByTranscript
}

// Tick runs both heuristics and expires the connected indicator.
// hasEnergy is false when no audio sampler is attached.
func (d *PresenceDetector) Tick(now time.Time, transcriptLen int, energy float64, hasEnergy bool) Detection {
	if !d.indicatorUntil.IsZero() && !now.Before(d.indicatorUntil) {
		d.indicatorUntil = time.Time{}
	}
	if hasEnergy {
		if det := d.ObserveEnergy(now, energy); det != NoDetection {
			return det
		}
	}
	return d.ObserveTranscript(now, transcriptLen)
}

func (d *PresenceDetector) detected(now time.Time) {
	d.phase = model.PhaseAgentSpeaking
	d.watch = model.AgentTransferWatch{}
	d.indicatorUntil = now.Add(d.cfg.IndicatorTTL)
}

// AgentConnected reports whether the transient "agent connected" indicator is showing
func (d *PresenceDetector) AgentConnected(now time.Time) bool {
	return !d.indicatorUntil.IsZero() && now.Before(d.indicatorUntil)
}

// Phase returns the current call phase
func (d *PresenceDetector) Phase() model.CallPhase {
	return d.phase
}

// Watch returns the transfer watch
func (d *PresenceDetector) Watch() model.AgentTransferWatch {
	return d.watch
}

// Reset discards the watch and phase on teardown or terminal status
func (d *PresenceDetector) Reset() {
	d.phase = model.PhaseIVR
	d.watch = model.AgentTransferWatch{}
	d.indicatorUntil = time.Time{}
}
