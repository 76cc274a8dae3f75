package twilioapi

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sprucehealth/ivrdialer/engine"
)

// operator is the softphone identity. Calls placed over REST carry no
// operator audio leg, so muting only records the request.
type operator struct {
	identity string
	muted    atomic.Bool
}

func (o *operator) Mute() error {
	o.muted.Store(true)
	return nil
}

// Initialize implements engine.Softphone. It checks the account settings and,
// when an API key is configured, round-trips a softphone token to confirm the
// voice grant before binding sink.
func (p *Provider) Initialize(ctx context.Context, sink engine.ProviderSink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.cfg.AccountSID == "" {
		return errors.New("twilio account sid is not configured")
	}
	if p.cfg.From == "" {
		return errors.New("twilio caller id is not configured")
	}
	if p.cfg.APIKeySID != "" {
		token, err := MintToken(TokenParams{
			AccountSID:     p.cfg.AccountSID,
			APIKeySID:      p.cfg.APIKeySID,
			APISecret:      p.cfg.APISecret,
			ApplicationSID: p.cfg.ApplicationSID,
			Identity:       p.cfg.Identity,
		})
		if err != nil {
			return err
		}
		appSID, err := ParseJWTForApplicationSID(token, p.cfg.APISecret)
		if err != nil {
			return err
		}
		if appSID != p.cfg.ApplicationSID {
			return fmt.Errorf("voice grant application %s does not match %s", appSID, p.cfg.ApplicationSID)
		}
	}

	identity := p.cfg.Identity
	if identity == "" {
		identity = "operator"
	}
	agent := &operator{identity: identity}
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
	p.log.Info("softphone ready", "identity", identity)
	sink.OnAgent(agent)
	return nil
}

// Unbind implements engine.Softphone
func (p *Provider) Unbind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = nil
}

// MediaStarted marks the call's audio stream as connected
func (p *Provider) MediaStarted(callSID string) {
	p.mu.Lock()
	conn, ok := p.calls[callSID]
	sink := p.sink
	already := p.media[callSID]
	if ok {
		p.media[callSID] = true
	}
	p.mu.Unlock()
	if !ok || already || sink == nil {
		return
	}
	sink.OnMediaConnected(conn)
}

// MediaStopped marks the call's audio stream as gone
func (p *Provider) MediaStopped(callSID string) {
	p.mu.Lock()
	conn, ok := p.calls[callSID]
	sink := p.sink
	was := p.media[callSID]
	delete(p.media, callSID)
	p.mu.Unlock()
	if !ok || !was || sink == nil {
		return
	}
	sink.OnMediaDisconnected(conn)
}
