// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"time"
)

// CallState is the unified status of an outbound call session
type CallState string

const (
	CallIdle       CallState = "IDLE"
	CallInitiating CallState = "INITIATING"
	CallConnecting CallState = "CONNECTING"
	CallConnected  CallState = "CONNECTED"
	CallInProgress CallState = "IN_PROGRESS"
	CallCompleted  CallState = "COMPLETED"
	CallFailed     CallState = "FAILED"
	CallMissed     CallState = "MISSED"
	CallError      CallState = "ERROR"
)

// IsTerminal reports whether no further transitions are accepted after s
func (s CallState) IsTerminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallMissed, CallError:
		return true
	default:
		return false
	}
}

// IsLive reports whether the callee side is connected
func (s CallState) IsLive() bool {
	return s == CallConnected || s == CallInProgress
}

// Rank orders states along the session lifecycle. Unknown states rank -1.
func (s CallState) Rank() int {
	switch s {
	case CallIdle:
		return 0
	case CallInitiating:
		return 1
	case CallConnecting:
		return 2
	case CallConnected:
		return 3
	case CallInProgress:
		return 4
	case CallCompleted, CallFailed, CallMissed, CallError:
		return 5
	default:
		return -1
	}
}

// ConnectionHealth is the state of the status channel
type ConnectionHealth string

const (
	HealthDisconnected ConnectionHealth = "disconnected"
	HealthConnecting   ConnectionHealth = "connecting"
	HealthConnected    ConnectionHealth = "connected"
	HealthError        ConnectionHealth = "error"
)

// CallPhase tracks the agent-transfer progression of a live call
type CallPhase string

const (
	PhaseIVR           CallPhase = ""
	PhaseHoldMusic     CallPhase = "HOLD_MUSIC"
	PhaseAgentSpeaking CallPhase = "AGENT_SPEAKING"
)

// CampaignPhase is the state of the campaign sequencer
type CampaignPhase string

const (
	CampaignIdle                 CampaignPhase = "idle"
	CampaignReady                CampaignPhase = "ready"
	CampaignRunning              CampaignPhase = "running"
	CampaignAwaitingConfirmation CampaignPhase = "awaitingConfirmation"
	CampaignCompleted            CampaignPhase = "completed"
)

// Contact is one externally sourced row of the contact list. It is never mutated.
type Contact struct {
	Fields map[string]string `json:"fields"`
}

// CallSession is the single active outbound call
type CallSession struct {
	ID               string     `json:"id"`
	ContactID        string     `json:"contact_id,omitempty"` // provider contact id, empty until initiation returns
	PhoneNumber      string     `json:"phone_number"`
	Status           CallState  `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	Campaign         bool       `json:"campaign"`
	ContactIndex     int        `json:"contact_index"`
	DisconnectReason string     `json:"disconnect_reason,omitempty"`
	Timeline         []Event    `json:"timeline"`
}

// AutomatedResponse is an answer the automation already sent to an IVR prompt
type AutomatedResponse struct {
	Question  string `json:"question"`
	Field     string `json:"field"`
	Value     string `json:"value"`
	Timestamp string `json:"timestamp"`
}

// Key identifies a response event for at-most-once side effects
func (r AutomatedResponse) Key() string {
	return r.Timestamp + "|" + r.Question + "|" + r.Field + "|" + r.Value
}

// StatusMessage is one message of the per-session status/transcript channel.
// Any subset of the fields may be present.
type StatusMessage struct {
	ContactStatus    string             `json:"ContactStatus,omitempty"`
	Status           string             `json:"status,omitempty"`
	Transcript       string             `json:"transcript,omitempty"`
	ResponseSent     *AutomatedResponse `json:"responseSent,omitempty"`
	DisconnectReason string             `json:"DisconnectReason,omitempty"`
}

// NotificationKind classifies operator notifications
type NotificationKind string

const (
	NotifyInfo  NotificationKind = "info"
	NotifyError NotificationKind = "error"
	NotifyAudio NotificationKind = "audio"
)

// Notification is an ephemeral operator message
type Notification struct {
	ID        int64            `json:"id"`
	Message   string           `json:"message"`
	Kind      NotificationKind `json:"kind"`
	CreatedAt time.Time        `json:"created_at"`
}

// AgentTransferWatch records the transcript baseline when a transfer to a human was requested
type AgentTransferWatch struct {
	Armed                    bool      `json:"armed"`
	ArmedAt                  time.Time `json:"armed_at"`
	BaselineTranscriptLength int       `json:"baseline_transcript_length"`
}

// CampaignState is a snapshot of the campaign sequencer
type CampaignState struct {
	Phase                CampaignPhase `json:"phase"`
	Contacts             []Contact     `json:"contacts"`
	CurrentIndex         int           `json:"current_index"`
	AutoModeEnabled      bool          `json:"auto_mode_enabled"`
	PendingConfirmation  bool          `json:"pending_confirmation"`
	InterCallDelay       time.Duration `json:"inter_call_delay"`
	ConfirmationRequired bool          `json:"confirmation_required"`
}

// CallRecord is a finished session kept for operator review
type CallRecord struct {
	Session    CallSession         `json:"session"`
	Transcript string              `json:"transcript"`
	Responses  []AutomatedResponse `json:"responses"`
}

// Event represents a timeline event for a call session
type Event struct {
	Time   time.Time      `json:"time"`
	Type   string         `json:"type"` // "call.reserved", "status.changed", "dtmf.sent", etc.
	Detail map[string]any `json:"detail"`
}

// NewEvent creates a new timeline event
func NewEvent(t time.Time, eventType string, detail map[string]any) Event {
	if detail == nil {
		detail = make(map[string]any)
	}
	return Event{
		Time:   t,
		Type:   eventType,
		Detail: detail,
	}
}
