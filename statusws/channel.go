// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package statusws is the websocket client for the per-call status and
// transcript channel served at {base}/ws/{contact_id}.
package statusws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sprucehealth/ivrdialer/engine"
	"github.com/sprucehealth/ivrdialer/model"
)

const defaultConnectTimeout = 15 * time.Second

// Channel dials status channels for call sessions
type Channel struct {
	base   string
	dialer *websocket.Dialer
	log    *slog.Logger
}

// New creates a channel dialer. baseURL may use ws, wss, http or https.
func New(baseURL string, logger *slog.Logger) (*Channel, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse status channel url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported status channel scheme %q", u.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		base:   u.String(),
		dialer: websocket.DefaultDialer,
		log:    logger.With("component", "statusws"),
	}, nil
}

// URL returns the channel endpoint for contactID
func (c *Channel) URL(contactID string) string {
	return c.base + "/ws/" + url.PathEscape(contactID)
}

// Dial opens the channel for contactID and starts delivering messages to sink
func (c *Channel) Dial(ctx context.Context, contactID string, sink engine.StatusSink) (engine.StatusConn, error) {
	wsURL := c.URL(contactID)

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := c.dialer.DialContext(dialCtx, wsURL, make(http.Header))
	if err != nil {
		if resp != nil {
			return nil, &engine.TransportError{Op: "GET", URL: wsURL, Status: resp.StatusCode, Err: fmt.Errorf("websocket dial failed: %w", err)}
		}
		return nil, &engine.TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	s := &Session{
		conn:      conn,
		sink:      sink,
		url:       wsURL,
		contactID: contactID,
		log:       c.log.With("contact_id", contactID),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Session is one open status channel
type Session struct {
	conn      *websocket.Conn
	sink      engine.StatusSink
	url       string
	contactID string
	log       *slog.Logger

	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// Close closes the websocket and waits for the read loop to exit
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Done is closed when the read loop exits
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) readLoop() {
	defer close(s.done)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.sink.OnStatusClosed(nil)
				return
			}
			s.sink.OnStatusClosed(&engine.TransportError{Op: "READ", URL: s.url, Err: err})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg model.StatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("undecodable status message", "error", err)
			continue
		}
		s.sink.OnStatusMessage(msg)
	}
}
