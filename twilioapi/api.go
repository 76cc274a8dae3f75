// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twilioapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/sprucehealth/ivrdialer/engine"
)

// DefaultHoldSeconds keeps an answered call open while nothing else is playing
const DefaultHoldSeconds = 600

// statusEvents are the call progress events requested from Twilio
var statusEvents = []string{"initiated", "ringing", "answered", "completed"}

// CallsAPI is the subset of the Twilio REST API used to place and steer calls.
// *openapi.ApiService satisfies it.
type CallsAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// Config holds the Twilio account settings
type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	// AnswerURL serves the TwiML for answered calls. When empty the call is
	// created with inline TwiML that forks audio to MediaURL and holds the line.
	AnswerURL         string
	StatusCallbackURL string
	MediaURL          string
	APIKeySID         string
	APISecret         string
	ApplicationSID    string
	Identity          string
	HoldSeconds       int
}

// NewRestAPI returns the Twilio REST calls API for cfg
func NewRestAPI(cfg Config) CallsAPI {
	params := twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	}
	if cfg.APIKeySID != "" && cfg.APISecret != "" {
		params = twilio.ClientParams{
			Username:   cfg.APIKeySID,
			Password:   cfg.APISecret,
			AccountSid: cfg.AccountSID,
		}
	}
	return twilio.NewRestClientWithParams(params).Api
}

// Provider places calls through Twilio and reports their progress to the
// engine. It implements engine.Dialer, engine.Hanger and engine.Softphone.
type Provider struct {
	api CallsAPI
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	sink  engine.ProviderSink
	calls map[string]*Connection
	media map[string]bool
}

var (
	_ engine.Dialer    = (*Provider)(nil)
	_ engine.Hanger    = (*Provider)(nil)
	_ engine.Softphone = (*Provider)(nil)
)

// NewProvider creates a Twilio provider. logger may be nil.
func NewProvider(cfg Config, api CallsAPI, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HoldSeconds <= 0 {
		cfg.HoldSeconds = DefaultHoldSeconds
	}
	return &Provider{
		api:   api,
		cfg:   cfg,
		log:   logger.With("component", "twilio"),
		calls: make(map[string]*Connection),
		media: make(map[string]bool),
	}
}

// InitiateCall implements engine.Dialer. The Twilio call SID becomes the contact ID.
func (p *Provider) InitiateCall(ctx context.Context, req engine.CallRequest) (*engine.CallResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(req.PhoneNumber)
	params.SetFrom(p.cfg.From)
	if p.cfg.AnswerURL != "" {
		params.SetUrl(p.cfg.AnswerURL)
	} else {
		doc, err := p.holdTwiML()
		if err != nil {
			return nil, err
		}
		params.SetTwiml(doc)
	}
	if p.cfg.StatusCallbackURL != "" {
		params.SetStatusCallback(p.cfg.StatusCallbackURL)
		params.SetStatusCallbackEvent(statusEvents)
		params.SetStatusCallbackMethod(http.MethodPost)
	}

	call, err := p.api.CreateCall(params)
	if err != nil {
		return nil, restError("CreateCall", err)
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return nil, &engine.TransportError{Op: "CreateCall", Err: errors.New("response carried no call sid")}
	}
	sid := *call.Sid
	p.connection(sid)
	p.log.Info("call created", "call_sid", sid)
	return &engine.CallResponse{ContactID: sid}, nil
}

// HangupCall implements engine.Hanger
func (p *Provider) HangupCall(ctx context.Context, contactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := p.api.UpdateCall(contactID, params); err != nil {
		return restError("UpdateCall", err)
	}
	return nil
}

// holdTwiML forks call audio to the media stream endpoint and keeps the line open
func (p *Provider) holdTwiML() (string, error) {
	var verbs []twiml.Element
	if p.cfg.MediaURL != "" {
		verbs = append(verbs, &twiml.VoiceStart{
			InnerElements: []twiml.Element{&twiml.VoiceStream{Url: p.cfg.MediaURL}},
		})
	}
	verbs = append(verbs, &twiml.VoicePause{Length: fmt.Sprint(p.cfg.HoldSeconds)})
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("build twiml: %w", err)
	}
	return doc, nil
}

// connection returns the tracked connection for sid, creating it if needed
func (p *Provider) connection(sid string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.calls[sid]
	if !ok {
		conn = newConnection(sid, p.api, p.cfg.HoldSeconds, p.log)
		p.calls[sid] = conn
	}
	return conn
}

// Lookup returns the connection for a call SID
func (p *Provider) Lookup(sid string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.calls[sid]
	return conn, ok
}

// restError maps a Twilio REST failure onto the engine error types
func restError(op string, err error) error {
	var rest *client.TwilioRestError
	if errors.As(err, &rest) {
		if rest.Status == http.StatusTooManyRequests {
			// the REST error carries no retry hint; the engine applies its default cooldown
			return &engine.RateLimitedError{Message: rest.Message}
		}
		return &engine.TransportError{Op: op, Status: rest.Status, Err: fmt.Errorf("twilio %d: %s", rest.Code, rest.Message)}
	}
	return &engine.TransportError{Op: op, Err: err}
}
