// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package mediastream receives Twilio Media Streams and turns the callee audio
// into an energy level the engine samples for presence detection.
package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sprucehealth/ivrdialer/engine"
)

const maxMessageBytes = 64 << 10

// ErrNoStream is returned by Attach when no media stream is open for the call
var ErrNoStream = errors.New("no media stream for call")

// Listener is told when a call's media stream starts and stops
type Listener interface {
	MediaStarted(callSID string)
	MediaStopped(callSID string)
}

// Hub accepts media stream websockets and tracks per-call audio energy
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener Listener
	streams  map[string]*Stream
}

var _ engine.EnergySource = (*Hub)(nil)

// NewHub creates a hub. listener and logger may be nil.
func NewHub(listener Listener, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:      logger.With("component", "mediastream"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		listener: listener,
		streams:  make(map[string]*Stream),
	}
}

// SetListener replaces the start/stop listener
func (h *Hub) SetListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

// Attach implements engine.EnergySource
func (h *Hub) Attach(conn engine.Connection) (engine.Sampler, error) {
	callSID := conn.MediaInfo().CallID
	if callSID == "" {
		callSID = conn.ID()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[callSID]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoStream, callSID)
	}
	return s, nil
}

// Stream returns the open stream for a call
func (h *Hub) Stream(callSID string) (*Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[callSID]
	return s, ok
}

// ServeHTTP upgrades the request and consumes stream events until the socket closes
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("media stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	var callSID string
	defer func() {
		if callSID != "" {
			h.stop(callSID)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("media stream read ended", "call_sid", callSID, "error", err)
			}
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			h.log.Warn("undecodable media event", "error", err)
			continue
		}
		switch ev.Event {
		case "connected":
		case "start":
			if ev.Start == nil || ev.Start.CallSID == "" || callSID != "" {
				continue
			}
			callSID = ev.Start.CallSID
			h.start(callSID, ev.StreamSID)
		case "media":
			if callSID == "" || ev.Media == nil || (ev.Media.Track != "" && ev.Media.Track != "inbound") {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				h.log.Warn("bad media payload", "call_sid", callSID, "error", err)
				continue
			}
			if s, ok := h.Stream(callSID); ok {
				s.observe(Energy(payload))
			}
		case "stop":
			if callSID != "" {
				h.stop(callSID)
				callSID = ""
			}
		}
	}
}

func (h *Hub) start(callSID, streamSID string) {
	h.mu.Lock()
	h.streams[callSID] = &Stream{callSID: callSID, streamSID: streamSID}
	l := h.listener
	h.mu.Unlock()
	h.log.Info("media stream started", "call_sid", callSID, "stream_sid", streamSID)
	if l != nil {
		l.MediaStarted(callSID)
	}
}

func (h *Hub) stop(callSID string) {
	h.mu.Lock()
	_, ok := h.streams[callSID]
	delete(h.streams, callSID)
	l := h.listener
	h.mu.Unlock()
	if !ok {
		return
	}
	h.log.Info("media stream stopped", "call_sid", callSID)
	if l != nil {
		l.MediaStopped(callSID)
	}
}

// Stream is the energy state of one call's inbound audio. It implements engine.Sampler.
type Stream struct {
	callSID   string
	streamSID string

	mu     sync.Mutex
	last   float64
	peak   float64
	frames int
}

// Sample returns the loudest frame since the previous sample
func (s *Stream) Sample() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.peak
	s.peak = s.last
	return v
}

// Frames returns the number of audio frames received
func (s *Stream) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Stream) observe(level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.last = level
	if level > s.peak {
		s.peak = level
	}
}
