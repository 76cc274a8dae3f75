package twilioapi

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/sprucehealth/ivrdialer/engine"
)

// Connection is a live Twilio call that can be steered by replacing its TwiML
type Connection struct {
	sid    string
	api    CallsAPI
	hold   int
	log    *slog.Logger
	active atomic.Bool
}

var (
	_ engine.Connection = (*Connection)(nil)
	_ engine.Speaker    = (*Connection)(nil)
)

func newConnection(sid string, api CallsAPI, hold int, log *slog.Logger) *Connection {
	c := &Connection{sid: sid, api: api, hold: hold, log: log}
	c.active.Store(true)
	return c
}

// ID returns the call SID
func (c *Connection) ID() string {
	return c.sid
}

// IsActive reports whether the call has not ended
func (c *Connection) IsActive() bool {
	return c.active.Load()
}

func (c *Connection) setActive(v bool) {
	c.active.Store(v)
}

// MediaInfo describes the Twilio media stream format
func (c *Connection) MediaInfo() engine.MediaInfo {
	return engine.MediaInfo{CallID: c.sid, Codec: "audio/x-mulaw", SampleRate: 8000}
}

// SendDigits plays DTMF tones into the call. done runs on its own goroutine.
func (c *Connection) SendDigits(digits string, done func(error)) {
	c.update(&twiml.VoicePlay{Digits: digits}, done)
}

// Speak reads text into the call
func (c *Connection) Speak(text string, done func(error)) {
	c.update(&twiml.VoiceSay{Message: text}, done)
}

func (c *Connection) update(verb twiml.Element, done func(error)) {
	if !c.IsActive() {
		done(engine.ErrNoActiveConnection)
		return
	}
	doc, err := twiml.Voice([]twiml.Element{
		verb,
		&twiml.VoicePause{Length: fmt.Sprint(c.hold)},
	})
	if err != nil {
		done(fmt.Errorf("build twiml: %w", err))
		return
	}
	go func() {
		params := &openapi.UpdateCallParams{}
		params.SetTwiml(doc)
		_, err := c.api.UpdateCall(c.sid, params)
		if err != nil {
			c.log.Warn("call update failed", "call_sid", c.sid, "error", err)
			err = restError("UpdateCall", err)
		}
		done(err)
	}()
}
