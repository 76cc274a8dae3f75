package twilioapi

import (
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"

	"github.com/sprucehealth/ivrdialer/engine"
)

// SignatureHeader carries Twilio's request signature
const SignatureHeader = "X-Twilio-Signature"

// ContactState maps a Twilio CallStatus onto a provider contact state
func ContactState(callStatus string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(callStatus)) {
	case "queued", "initiated", "ringing":
		return engine.ContactConnecting, true
	case "in-progress":
		return engine.ContactAccepted, true
	case "completed", "canceled":
		return engine.ContactEnded, true
	case "busy", "failed", "no-answer":
		return engine.ContactMissed, true
	}
	return "", false
}

// StatusHandler returns the endpoint for Twilio status callbacks. Requests are
// rejected with 403 when an auth token is configured and the signature does
// not match.
func (p *Provider) StatusHandler() http.Handler {
	return http.HandlerFunc(p.handleStatus)
}

func (p *Provider) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if !p.validSignature(r) {
		p.log.Warn("status callback signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	sid := r.PostForm.Get("CallSid")
	callStatus := r.PostForm.Get("CallStatus")
	if sid == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	state, ok := ContactState(callStatus)
	if !ok {
		p.log.Debug("ignoring call status", "call_sid", sid, "status", callStatus)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	p.log.Info("call status", "call_sid", sid, "status", callStatus)
	p.dispatchState(sid, state)
	w.WriteHeader(http.StatusNoContent)
}

func (p *Provider) validSignature(r *http.Request) bool {
	if p.cfg.AuthToken == "" {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := client.NewRequestValidator(p.cfg.AuthToken)
	return validator.Validate(p.callbackURL(r), params, r.Header.Get(SignatureHeader))
}

// callbackURL is the URL Twilio signed: the configured public callback URL, or
// the request URL as seen by this server
func (p *Provider) callbackURL(r *http.Request) string {
	if p.cfg.StatusCallbackURL != "" {
		return p.cfg.StatusCallbackURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// dispatchState forwards a contact state to the sink outside the provider lock.
// Without a media stream the answered call counts as media connected.
func (p *Provider) dispatchState(sid, state string) {
	conn := p.connection(sid)
	terminal := state == engine.ContactEnded || state == engine.ContactMissed
	if terminal {
		conn.setActive(false)
	}

	p.mu.Lock()
	sink := p.sink
	mediaUp := p.media[sid]
	streamed := p.cfg.MediaURL != ""
	if terminal {
		delete(p.calls, sid)
		delete(p.media, sid)
	} else if state == engine.ContactAccepted && !streamed {
		p.media[sid] = true
	}
	p.mu.Unlock()

	if sink == nil {
		return
	}
	sink.OnContactState(state, conn)
	switch {
	case state == engine.ContactAccepted && !streamed && !mediaUp:
		sink.OnMediaConnected(conn)
	case terminal && mediaUp:
		sink.OnMediaDisconnected(conn)
	}
}
