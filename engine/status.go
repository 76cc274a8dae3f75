package engine

import (
	"strings"

	"github.com/sprucehealth/ivrdialer/model"
)

// Source identifies where a status report came from
type Source int

const (
	// SourceChannel is the transcription/automation status channel
	SourceChannel Source = iota
	// SourceProvider is the telephony provider's callbacks
	SourceProvider
)

func (s Source) String() string {
	if s == SourceProvider {
		return "provider"
	}
	return "channel"
}

var statusTable = map[string]model.CallState{
	"IDLE":         model.CallIdle,
	"INIT":         model.CallInitiating,
	"INITIATED":    model.CallInitiating,
	"INITIATING":   model.CallInitiating,
	"QUEUED":       model.CallInitiating,
	"CONNECTING":   model.CallConnecting,
	"RINGING":      model.CallConnecting,
	"PENDING":      model.CallConnecting,
	"CONNECTED":    model.CallConnected,
	"ACCEPTED":     model.CallConnected,
	"ANSWERED":     model.CallConnected,
	"IN_PROGRESS":  model.CallInProgress,
	"INPROGRESS":   model.CallInProgress,
	"COMPLETED":    model.CallCompleted,
	"ENDED":        model.CallCompleted,
	"DISCONNECTED": model.CallCompleted,
	"FAILED":       model.CallFailed,
	"BUSY":         model.CallFailed,
	"CANCELED":     model.CallFailed,
	"CANCELLED":    model.CallFailed,
	"REJECTED":     model.CallFailed,
	"MISSED":       model.CallMissed,
	"NO_ANSWER":    model.CallMissed,
	"NOANSWER":     model.CallMissed,
	"ERROR":        model.CallError,
}

// NormalizeStatus maps a raw status string to a CallState. ok is false for
// strings outside the known vocabulary.
func NormalizeStatus(raw string) (model.CallState, bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	st, ok := statusTable[key]
	return st, ok
}

// StatusUpdate is the result of merging one status report
type StatusUpdate struct {
	Raw    string
	Source Source
	State  model.CallState
	// Known is false when Raw is outside the status vocabulary
	Known bool
	// Applied is true when the report changed the tracked state
	Applied bool
	// Finalized is true when this report moved the session to a terminal state
	Finalized bool
}

// StatusTracker reconciles call status from the status channel and the
// telephony provider. The first terminal status wins, reports that would move
// the session backwards are dropped, and unknown strings are kept for display
// without changing state.
type StatusTracker struct {
	state     model.CallState
	display   string
	connected bool
}

// NewStatusTracker creates a tracker in the IDLE state
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{state: model.CallIdle}
}

// Begin starts tracking a new session at INITIATING
func (t *StatusTracker) Begin() {
	t.state = model.CallInitiating
	t.display = string(model.CallInitiating)
	t.connected = false
}

// Merge applies a raw status report from src
func (t *StatusTracker) Merge(src Source, raw string) StatusUpdate {
	up := StatusUpdate{Raw: raw, Source: src, State: t.state}
	if strings.TrimSpace(raw) == "" {
		return up
	}
	st, ok := NormalizeStatus(raw)
	up.Known = ok
	if t.state.IsTerminal() {
		return up
	}
	if !ok {
		t.display = strings.TrimSpace(raw)
		return up
	}
	if st.Rank() < t.state.Rank() {
		return up
	}
	if st.IsLive() {
		t.connected = true
	}
	t.display = string(st)
	if st == t.state {
		return up
	}
	t.state = st
	up.State = st
	up.Applied = true
	up.Finalized = st.IsTerminal()
	return up
}

// Finish forces the session into the terminal state st unless it already ended
func (t *StatusTracker) Finish(st model.CallState) bool {
	if t.state.IsTerminal() || !st.IsTerminal() {
		return false
	}
	t.state = st
	t.display = string(st)
	return true
}

// State returns the tracked state
func (t *StatusTracker) State() model.CallState {
	return t.state
}

// Display returns the status text for the operator, which may be an unknown raw string
func (t *StatusTracker) Display() string {
	if t.display == "" {
		return string(t.state)
	}
	return t.display
}

// Connected reports whether the callee side was ever reported connected
func (t *StatusTracker) Connected() bool {
	return t.connected
}

// Reset returns the tracker to IDLE
func (t *StatusTracker) Reset() {
	t.state = model.CallIdle
	t.display = ""
	t.connected = false
}
