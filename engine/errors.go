// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCallActive is returned when a dial is requested while a call is in flight
	ErrCallActive = errors.New("a call is already active")
	// ErrInvalidContact is returned for contacts without a usable phone number
	ErrInvalidContact = errors.New("invalid contact phone number")
	// ErrNoActiveConnection is returned when DTMF or audio needs a live call connection
	ErrNoActiveConnection = errors.New("no active call connection")
	// ErrInvalidDigits is returned for keypad responses that are not dialable DTMF
	ErrInvalidDigits = errors.New("not a DTMF sequence")
	// ErrNoContacts is returned when a campaign is loaded or started without contacts
	ErrNoContacts = errors.New("no contacts loaded")
	// ErrCampaignState is returned for operator actions not valid in the current campaign phase
	ErrCampaignState = errors.New("action not allowed in current campaign phase")
	// ErrClosed is returned after the engine has been closed
	ErrClosed = errors.New("engine closed")
)

// TransportError is a socket or HTTP failure talking to the call backend
type TransportError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RateLimitedError is returned when call initiation is throttled
type RateLimitedError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rate limited"
	}
	if e.RetryAfter <= 0 {
		return msg
	}
	return fmt.Sprintf("%s: retry in %ds", msg, int(e.RetryAfter.Round(time.Second)/time.Second))
}

// ProviderInitError is returned when the telephony provider cannot be initialized.
// Call automation is unavailable for the session but the process keeps running.
type ProviderInitError struct {
	Err error
}

func (e *ProviderInitError) Error() string {
	return "telephony provider init: " + e.Err.Error()
}

func (e *ProviderInitError) Unwrap() error {
	return e.Err
}
