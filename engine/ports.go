// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"

	"github.com/sprucehealth/ivrdialer/model"
)

// CallRequest asks the call backend to dial a number
type CallRequest struct {
	PhoneNumber string            `json:"phoneNumber"`
	RowData     map[string]string `json:"rowData"`
}

// CallResponse is the call backend's answer to a CallRequest
type CallResponse struct {
	ContactID string `json:"contact_id"`
}

// Dialer initiates outbound calls. Implementations return *RateLimitedError
// when throttled and *TransportError on other failures.
type Dialer interface {
	InitiateCall(ctx context.Context, req CallRequest) (*CallResponse, error)
}

// Hanger is implemented by dialers that can terminate a call
type Hanger interface {
	HangupCall(ctx context.Context, contactID string) error
}

// StatusSink receives status channel traffic for one session
type StatusSink interface {
	OnStatusMessage(msg model.StatusMessage)
	// OnStatusClosed is called once when the channel ends; err is nil for a clean close
	OnStatusClosed(err error)
}

// StatusChannel opens the per-session status/transcript stream
type StatusChannel interface {
	Dial(ctx context.Context, contactID string, sink StatusSink) (StatusConn, error)
}

// StatusConn is an open status channel
type StatusConn interface {
	Close() error
}

// Provider contact states delivered through ProviderSink.OnContactState
const (
	ContactConnecting = "connecting"
	ContactConnected  = "connected"
	ContactAccepted   = "accepted"
	ContactEnded      = "ended"
	ContactMissed     = "missed"
)

// Agent is the softphone agent handle
type Agent interface {
	Mute() error
}

// MediaInfo describes the media leg of a connection
type MediaInfo struct {
	CallID     string `json:"call_id"`
	Codec      string `json:"codec,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Connection is the telephony provider's handle for the active call
type Connection interface {
	ID() string
	IsActive() bool
	// SendDigits emits DTMF asynchronously and reports the outcome through done
	SendDigits(digits string, done func(error))
	MediaInfo() MediaInfo
}

// Speaker is implemented by connections that can play synthesized speech into the call
type Speaker interface {
	Speak(text string, done func(error))
}

// ProviderSink receives telephony provider callbacks
type ProviderSink interface {
	OnAgent(agent Agent)
	OnContactState(state string, conn Connection)
	OnMediaConnected(conn Connection)
	OnMediaDisconnected(conn Connection)
}

// Softphone is the narrow telephony provider contract used by the engine
type Softphone interface {
	Initialize(ctx context.Context, sink ProviderSink) error
	Unbind()
}

// Sampler reads the current audio energy of a call, normalized to [0,1]
type Sampler interface {
	Sample() float64
}

// EnergySource attaches audio energy samplers to call connections
type EnergySource interface {
	Attach(conn Connection) (Sampler, error)
}
