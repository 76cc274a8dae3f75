// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sprucehealth/ivrdialer/model"
)

const (
	// DefaultPollInterval drives energy sampling and transcript growth polling
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultCooldown applies when a rate limited response carries no retry hint
	DefaultCooldown = 60 * time.Second

	notificationSweepInterval = time.Second
	historyLimit              = 50
)

// Snapshot is a JSON-serializable view of the engine state
type Snapshot struct {
	Session           *model.CallSession        `json:"session,omitempty"`
	LastSession       *model.CallSession        `json:"last_session,omitempty"`
	ActiveCall        bool                      `json:"active_call"`
	Status            string                    `json:"status"`
	Health            model.ConnectionHealth    `json:"health"`
	Phase             model.CallPhase           `json:"phase"`
	AgentConnected    bool                      `json:"agent_connected"`
	Watch             model.AgentTransferWatch  `json:"watch"`
	Transcript        string                    `json:"transcript"`
	Responses         []model.AutomatedResponse `json:"responses"`
	Campaign          model.CampaignState       `json:"campaign"`
	CooldownRemaining time.Duration             `json:"cooldown_remaining"`
	AgentReady        bool                      `json:"agent_ready"`
	ProviderError     string                    `json:"provider_error,omitempty"`
	Notifications     []model.Notification      `json:"notifications"`
	Timestamp         time.Time                 `json:"timestamp"`
}

// Engine orchestrates outbound IVR calls: it reconciles status from the
// status channel and the telephony provider, reacts to automated responses,
// watches for agent hand-off and sequences campaign calls.
//
// All state is guarded by one mutex. Handlers never block on I/O while
// holding it; network work is queued as jobs and started once the lock is
// released, and its results re-enter through update.
type Engine struct {
	mu sync.Mutex

	clock     Clock
	log       *slog.Logger
	dialer    Dialer
	status    StatusChannel
	softphone Softphone
	energy    EnergySource

	presenceCfg     PresenceConfig
	notifyTTL       time.Duration
	pollInterval    time.Duration
	defaultCooldown time.Duration
	delay           time.Duration
	confirm         bool
	inlineJobs      bool

	notes      *NotificationBus
	transcript Transcript
	presence   *PresenceDetector
	dtmf       *DTMFDispatcher
	tracker    *StatusTracker
	sup        *Supervisor
	campaign   *Campaign

	responses    []model.AutomatedResponse
	responseSeen map[string]struct{}
	history      []model.CallRecord
	lastSession  *model.CallSession

	agent         Agent
	sampler       Sampler
	providerErr   error
	sessionTick   Timer
	sweepTick     Timer
	advanceTimer  Timer
	advanceSeq    uint64
	cooldownUntil time.Time
	cooldownTimer Timer
	retryOnCool   bool

	pending []func()
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithManualClock configures the engine to use a manual clock
func WithManualClock() EngineOption {
	return func(e *Engine) {
		e.clock = NewManualClock(time.Time{})
	}
}

// WithClock sets a specific clock implementation
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// WithInlineJobs runs queued network work synchronously once the engine lock
// is released instead of on goroutines. Used by tests.
func WithInlineJobs() EngineOption {
	return func(e *Engine) {
		e.inlineJobs = true
	}
}

// WithDialer sets the call initiation backend
func WithDialer(d Dialer) EngineOption {
	return func(e *Engine) {
		e.dialer = d
	}
}

// WithStatusChannel sets the status/transcript channel
func WithStatusChannel(s StatusChannel) EngineOption {
	return func(e *Engine) {
		e.status = s
	}
}

// WithSoftphone sets the telephony provider
func WithSoftphone(s Softphone) EngineOption {
	return func(e *Engine) {
		e.softphone = s
	}
}

// WithContactBoundConnections tells the engine that provider connection ids
// equal the dialer's contact ids, so a connection for any other call is ignored.
func WithContactBoundConnections() EngineOption {
	return func(e *Engine) {
		e.sup.SetStrictBinding(true)
	}
}

// WithEnergySource sets the audio energy source for agent detection
func WithEnergySource(s EnergySource) EngineOption {
	return func(e *Engine) {
		e.energy = s
	}
}

// WithPresenceConfig overrides the agent presence thresholds
func WithPresenceConfig(cfg PresenceConfig) EngineOption {
	return func(e *Engine) {
		e.presenceCfg = cfg
	}
}

// WithNotificationTTL sets how long notifications stay listed
func WithNotificationTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.notifyTTL = d
	}
}

// WithPollInterval sets the session tick interval
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithDefaultCooldown sets the rate limit cooldown used when the backend gives no hint
func WithDefaultCooldown(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.defaultCooldown = d
		}
	}
}

// WithInterCallDelay sets the initial pause between campaign calls
func WithInterCallDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.delay = d
	}
}

// WithConfirmationRequired sets whether the campaign waits for the operator between calls
func WithConfirmationRequired(v bool) EngineOption {
	return func(e *Engine) {
		e.confirm = v
	}
}

// NewEngine creates a new engine instance
func NewEngine(opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		sup:             NewSupervisor(),
		clock:           NewAutoClock(),
		log:             slog.Default(),
		presenceCfg:     DefaultPresenceConfig(),
		notifyTTL:       DefaultNotificationTTL,
		pollInterval:    DefaultPollInterval,
		defaultCooldown: DefaultCooldown,
		delay:           DefaultInterCallDelay,
		confirm:         true,
		dtmf:            NewDTMFDispatcher(),
		tracker:         NewStatusTracker(),
		responseSeen:    make(map[string]struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.log = e.log.With("component", "engine")
	e.notes = NewNotificationBus(e.clock, e.notifyTTL)
	e.presence = NewPresenceDetector(e.presenceCfg)
	e.campaign = NewCampaign(e.delay, e.confirm)
	e.sweepTick = Every(e.clock, notificationSweepInterval, func() {
		e.update(func() { e.notes.Expire() })
	})
	return e
}

// Clock returns the engine clock
func (e *Engine) Clock() Clock {
	return e.clock
}

// Start initializes the telephony provider. A failure is reported once as a
// notification and returned as *ProviderInitError; the engine keeps running
// without provider callbacks.
func (e *Engine) Start(ctx context.Context) error {
	if e.softphone == nil {
		return nil
	}
	if err := e.softphone.Initialize(ctx, e); err != nil {
		perr := &ProviderInitError{Err: err}
		e.update(func() {
			if e.providerErr != nil {
				return
			}
			e.providerErr = perr
			e.notifyLocked(model.NotifyError, "%v", perr)
			e.log.Error("telephony provider unavailable", "error", err)
		})
		return perr
	}
	e.log.Info("telephony provider initialized")
	return nil
}

// update runs fn under the engine lock, then starts the jobs it queued
func (e *Engine) update(fn func()) {
	e.mu.Lock()
	fn()
	jobs := e.pending
	e.pending = nil
	e.mu.Unlock()
	e.runJobs(jobs)
}

// do is update for operator actions that report an error
func (e *Engine) do(fn func() error) error {
	var err error
	e.update(func() {
		if e.closed {
			err = ErrClosed
			return
		}
		err = fn()
	})
	return err
}

func (e *Engine) enqueueLocked(job func()) {
	if e.closed {
		return
	}
	e.wg.Add(1)
	e.pending = append(e.pending, job)
}

func (e *Engine) runJobs(jobs []func()) {
	for _, job := range jobs {
		if e.inlineJobs {
			job()
			e.wg.Done()
			continue
		}
		go func(job func()) {
			defer e.wg.Done()
			job()
		}(job)
	}
}

func (e *Engine) notifyLocked(kind model.NotificationKind, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	e.notes.Push(kind, msg)
}

func (e *Engine) addEventLocked(eventType string, detail map[string]any) {
	if sess := e.sup.Session(); sess != nil {
		sess.Timeline = append(sess.Timeline, model.NewEvent(e.clock.Now(), eventType, detail))
	}
}

// UploadContacts replaces the campaign contact list
func (e *Engine) UploadContacts(contacts []model.Contact) error {
	return e.do(func() error {
		if err := e.campaign.Load(contacts); err != nil {
			return err
		}
		invalid := 0
		for _, c := range contacts {
			if ContactPhone(c) == "" {
				invalid++
			}
		}
		if invalid > 0 {
			e.notifyLocked(model.NotifyInfo, "Loaded %d contacts (%d without a valid phone number)", len(contacts), invalid)
		} else {
			e.notifyLocked(model.NotifyInfo, "Loaded %d contacts", len(contacts))
		}
		e.log.Info("contacts loaded", "count", len(contacts), "invalid", invalid)
		return nil
	})
}

// StartCampaign enters auto mode and dials the first valid contact
func (e *Engine) StartCampaign() error {
	return e.do(func() error {
		if e.sup.Busy() {
			e.notifyLocked(model.NotifyInfo, "A call is already active")
			return ErrCallActive
		}
		if err := e.campaign.Start(); err != nil {
			return err
		}
		e.notifyLocked(model.NotifyInfo, "Campaign started")
		e.log.Info("campaign started", "contacts", len(e.campaign.contacts))
		e.dialNextLocked()
		return nil
	})
}

// Proceed releases the confirmation gate and dials the next contact after the inter-call delay
func (e *Engine) Proceed() error {
	return e.do(func() error {
		completed, err := e.campaign.Proceed()
		if err != nil {
			return err
		}
		if completed {
			e.campaignCompletedLocked()
			return nil
		}
		e.scheduleAdvanceLocked()
		return nil
	})
}

// Retry releases the confirmation gate and redials the current contact
func (e *Engine) Retry() error {
	return e.do(func() error {
		if err := e.campaign.Retry(); err != nil {
			return err
		}
		e.dialNextLocked()
		return nil
	})
}

// Stop leaves auto mode and rewinds the campaign. A call in flight is not aborted.
func (e *Engine) Stop() error {
	return e.do(func() error {
		e.cancelAdvanceLocked()
		e.retryOnCool = false
		e.campaign.Stop()
		e.notifyLocked(model.NotifyInfo, "Campaign stopped")
		e.log.Info("campaign stopped")
		return nil
	})
}

// SetInterCallDelay sets the pause between campaign calls
func (e *Engine) SetInterCallDelay(d time.Duration) error {
	return e.do(func() error {
		e.campaign.SetDelay(d)
		return nil
	})
}

// SetConfirmationRequired toggles the operator gate between campaign calls
func (e *Engine) SetConfirmationRequired(v bool) error {
	return e.do(func() error {
		e.campaign.SetConfirmationRequired(v)
		return nil
	})
}

// ManualCall dials a single number outside of the campaign
func (e *Engine) ManualCall(phone string) (*model.CallSession, error) {
	var out *model.CallSession
	err := e.do(func() error {
		normalized := NormalizePhone(phone)
		if normalized == "" {
			e.notifyLocked(model.NotifyError, "Invalid phone number %q", phone)
			return fmt.Errorf("manual call %q: %w", phone, ErrInvalidContact)
		}
		if e.sup.Busy() {
			e.notifyLocked(model.NotifyInfo, "A call is already active")
			return ErrCallActive
		}
		if err := e.cooldownErrLocked(); err != nil {
			e.notifyLocked(model.NotifyError, "%v", err)
			return err
		}
		contact := model.Contact{Fields: map[string]string{"phone": normalized}}
		sess, err := e.startCallLocked(normalized, contact, false, -1)
		if err != nil {
			return err
		}
		cp := copySession(sess)
		out = cp
		return nil
	})
	return out, err
}

// Hangup ends the active call. With a dialer that can hang up, the backend
// is asked to terminate the call first.
func (e *Engine) Hangup() error {
	return e.do(func() error {
		sess := e.sup.Session()
		if sess == nil {
			return ErrNoActiveConnection
		}
		hanger, ok := e.dialer.(Hanger)
		if !ok || sess.ContactID == "" {
			e.finishLocked(model.CallCompleted, "hung up by operator")
			return nil
		}
		id, contactID := sess.ID, sess.ContactID
		e.addEventLocked("call.hangup_requested", map[string]any{"contact_id": contactID})
		e.enqueueLocked(func() {
			err := hanger.HangupCall(e.ctx, contactID)
			e.update(func() {
				if err != nil {
					e.notifyLocked(model.NotifyError, "Hang up failed: %v", err)
					e.log.Warn("hangup failed", "contact_id", contactID, "error", err)
					return
				}
				if e.sup.SessionID() == id {
					e.finishLocked(model.CallCompleted, "hung up by operator")
				}
			})
		})
		return nil
	})
}

// Snapshot returns the current engine state
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	s := &Snapshot{
		ActiveCall:     e.sup.Active(),
		Status:         e.tracker.Display(),
		Health:         e.sup.Health(),
		Phase:          e.presence.Phase(),
		AgentConnected: e.presence.AgentConnected(now),
		Watch:          e.presence.Watch(),
		Transcript:     e.transcript.Text(),
		Responses:      append([]model.AutomatedResponse(nil), e.responses...),
		Campaign:       e.campaign.State(),
		AgentReady:     e.agent != nil,
		Notifications:  e.notes.List(),
		Timestamp:      now,
	}
	if sess := e.sup.Session(); sess != nil {
		s.Session = copySession(sess)
	}
	if e.lastSession != nil {
		s.LastSession = copySession(e.lastSession)
	}
	if e.cooldownUntil.After(now) {
		s.CooldownRemaining = e.cooldownUntil.Sub(now)
	}
	if e.providerErr != nil {
		s.ProviderError = e.providerErr.Error()
	}
	return s
}

// Notifications returns the unexpired operator notifications
func (e *Engine) Notifications() []model.Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notes.List()
}

// History returns finished calls, most recent last
func (e *Engine) History() []model.CallRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.CallRecord, len(e.history))
	copy(out, e.history)
	return out
}

// Close tears down the active session, stops all timers and waits for
// outstanding jobs
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	conn, _ := e.sup.Release()
	e.stopSessionTickLocked()
	e.cancelAdvanceLocked()
	if e.cooldownTimer != nil {
		e.cooldownTimer.Stop()
		e.cooldownTimer = nil
	}
	if e.sweepTick != nil {
		e.sweepTick.Stop()
	}
	e.presence.Reset()
	e.sampler = nil
	e.closed = true
	jobs := e.pending
	e.pending = nil
	e.mu.Unlock()

	e.runJobs(jobs)
	if conn != nil {
		if err := conn.Close(); err != nil {
			e.log.Debug("close status channel", "error", err)
		}
	}
	if e.softphone != nil {
		e.softphone.Unbind()
	}
	e.cancel()
	e.wg.Wait()
	return nil
}

// dialNextLocked places the next campaign call if the campaign is running
func (e *Engine) dialNextLocked() {
	if !e.campaign.Running() {
		return
	}
	if e.sup.Busy() {
		e.notifyLocked(model.NotifyInfo, "A call is already active")
		return
	}
	if remaining := e.cooldownRemainingLocked(); remaining > 0 {
		e.retryOnCool = true
		e.notifyLocked(model.NotifyInfo, "Rate limited, next call in %ds", secondsCeil(remaining))
		return
	}
	sel, ok := e.campaign.Next()
	for _, idx := range sel.Skipped {
		e.notifyLocked(model.NotifyInfo, "Skipping contact %d: no valid phone number", idx+1)
		e.log.Info("contact skipped", "index", idx)
	}
	if !ok {
		e.campaignCompletedLocked()
		return
	}
	if _, err := e.startCallLocked(sel.Phone, sel.Contact, true, sel.Index); err != nil {
		e.log.Error("campaign dial", "index", sel.Index, "error", err)
	}
}

func (e *Engine) campaignCompletedLocked() {
	e.notifyLocked(model.NotifyInfo, "Campaign completed")
	e.log.Info("campaign completed")
}

func (e *Engine) scheduleAdvanceLocked() {
	e.cancelAdvanceLocked()
	delay := e.campaign.Delay()
	if delay <= 0 {
		e.dialNextLocked()
		return
	}
	seq := e.advanceSeq
	e.advanceTimer = e.clock.AfterFunc(delay, func() {
		e.update(func() {
			if e.closed || seq != e.advanceSeq {
				return
			}
			e.advanceTimer = nil
			e.dialNextLocked()
		})
	})
}

func (e *Engine) cancelAdvanceLocked() {
	e.advanceSeq++
	if e.advanceTimer != nil {
		e.advanceTimer.Stop()
		e.advanceTimer = nil
	}
}

// startCallLocked reserves a session and queues the initiation request
func (e *Engine) startCallLocked(phone string, contact model.Contact, campaign bool, index int) (*model.CallSession, error) {
	if e.dialer == nil {
		return nil, errors.New("no call backend configured")
	}
	sess, err := e.sup.Reserve(e.clock.Now(), phone, campaign, index)
	if err != nil {
		return nil, err
	}
	e.resetSessionLocked()
	e.tracker.Begin()

	rowData := make(map[string]string, len(contact.Fields))
	for k, v := range contact.Fields {
		rowData[k] = v
	}
	req := CallRequest{PhoneNumber: phone, RowData: rowData}
	id := sess.ID
	e.log.Info("initiating call", "session", id, "phone", phone, "campaign", campaign)
	e.notifyLocked(model.NotifyInfo, "Calling %s", phone)

	e.enqueueLocked(func() {
		resp, err := e.dialer.InitiateCall(e.ctx, req)
		e.update(func() { e.onInitiatedLocked(id, resp, err) })
	})
	e.startSessionTickLocked(id)
	return sess, nil
}

func (e *Engine) onInitiatedLocked(sessionID string, resp *CallResponse, err error) {
	if e.sup.SessionID() != sessionID {
		// The session was torn down while the request was in flight.
		if err == nil && resp != nil && resp.ContactID != "" {
			e.log.Warn("call initiated for a disposed session", "session", sessionID, "contact_id", resp.ContactID)
			e.sup.Retire(resp.ContactID)
			if hanger, ok := e.dialer.(Hanger); ok {
				contactID := resp.ContactID
				e.enqueueLocked(func() {
					if err := hanger.HangupCall(e.ctx, contactID); err != nil {
						e.log.Warn("hangup orphaned call", "contact_id", contactID, "error", err)
					}
				})
			}
		}
		return
	}
	sess := e.sup.Session()
	if err == nil && (resp == nil || resp.ContactID == "") {
		err = errors.New("backend returned no contact id")
	}
	if err != nil {
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			e.rateLimitedLocked(rl, sess.Campaign)
			return
		}
		e.log.Error("call initiation failed", "session", sessionID, "error", err)
		e.notifyLocked(model.NotifyError, "Failed to start call: %v", err)
		e.finishLocked(model.CallError, err.Error())
		return
	}

	e.log.Info("call initiated", "session", sessionID, "contact_id", resp.ContactID)
	e.addEventLocked("call.initiated", map[string]any{"contact_id": resp.ContactID})
	e.openStatusLocked(resp.ContactID)
}

func (e *Engine) rateLimitedLocked(rl *RateLimitedError, campaign bool) {
	d := rl.RetryAfter
	if d <= 0 {
		d = e.defaultCooldown
	}
	e.startCooldownLocked(d)
	e.notifyLocked(model.NotifyError, "Rate limited: retry in %ds", secondsCeil(d))
	e.log.Warn("call initiation rate limited", "retry_after", d)

	// No call was placed, so the campaign is not told a call ended.
	conn, sess := e.sup.Release()
	e.closeStatusLocked(conn)
	e.stopSessionTickLocked()
	if sess != nil {
		sess.Status = model.CallError
		sess.DisconnectReason = "rate limited"
		now := e.clock.Now()
		sess.EndedAt = &now
		e.lastSession = sess
	}
	e.tracker.Reset()
	e.resetSessionLocked()
	// A pending advance re-checks the cooldown itself. Without one the
	// campaign has nothing left to wake it.
	if e.campaign.Running() && (campaign || e.advanceTimer == nil) {
		e.retryOnCool = true
	}
}

func (e *Engine) startCooldownLocked(d time.Duration) {
	e.cooldownUntil = e.clock.Now().Add(d)
	if e.cooldownTimer != nil {
		e.cooldownTimer.Stop()
	}
	until := e.cooldownUntil
	e.cooldownTimer = e.clock.AfterFunc(d, func() {
		e.update(func() {
			if e.closed || !e.cooldownUntil.Equal(until) {
				return
			}
			e.cooldownUntil = time.Time{}
			e.cooldownTimer = nil
			e.notifyLocked(model.NotifyInfo, "Rate limit cooldown expired")
			if e.retryOnCool {
				e.retryOnCool = false
				e.dialNextLocked()
			}
		})
	})
}

func (e *Engine) cooldownRemainingLocked() time.Duration {
	now := e.clock.Now()
	if e.cooldownUntil.After(now) {
		return e.cooldownUntil.Sub(now)
	}
	return 0
}

func (e *Engine) cooldownErrLocked() error {
	if remaining := e.cooldownRemainingLocked(); remaining > 0 {
		return &RateLimitedError{RetryAfter: remaining, Message: "call initiation rate limited"}
	}
	return nil
}

// openStatusLocked binds the contact id and dials the status channel
func (e *Engine) openStatusLocked(contactID string) {
	gen, prior := e.sup.Begin(contactID)
	e.closeStatusLocked(prior)
	if e.status == nil {
		e.sup.Closed(gen)
		return
	}
	sink := &sessionSink{e: e, gen: gen}
	e.enqueueLocked(func() {
		conn, err := e.status.Dial(e.ctx, contactID, sink)
		e.update(func() {
			if err != nil {
				if !e.sup.Fail(gen) {
					return
				}
				e.log.Error("status channel dial failed", "contact_id", contactID, "error", err)
				e.notifyLocked(model.NotifyError, "Status connection failed: %v", err)
				e.finishLocked(model.CallError, "status channel: "+err.Error())
				return
			}
			if !e.sup.Attach(gen, conn) {
				e.closeStatusLocked(conn)
				return
			}
			e.addEventLocked("channel.connected", map[string]any{"contact_id": contactID})
		})
	})
}

func (e *Engine) closeStatusLocked(conn StatusConn) {
	if conn == nil {
		return
	}
	if e.closed {
		go conn.Close()
		return
	}
	e.enqueueLocked(func() {
		if err := conn.Close(); err != nil {
			e.log.Debug("close status channel", "error", err)
		}
	})
}

// sessionSink delivers status channel traffic for one channel generation
type sessionSink struct {
	e   *Engine
	gen uint64
}

func (s *sessionSink) OnStatusMessage(msg model.StatusMessage) {
	s.e.update(func() {
		if !s.e.sup.Current(s.gen) {
			return
		}
		s.e.handleStatusMessageLocked(msg)
	})
}

func (s *sessionSink) OnStatusClosed(err error) {
	s.e.update(func() {
		if err == nil {
			if s.e.sup.Closed(s.gen) {
				s.e.log.Info("status channel closed")
			}
			return
		}
		if !s.e.sup.Fail(s.gen) {
			return
		}
		s.e.log.Error("status channel lost", "error", err)
		s.e.notifyLocked(model.NotifyError, "Status connection lost: %v", err)
		s.e.finishLocked(model.CallError, "status channel: "+err.Error())
	})
}

func (e *Engine) handleStatusMessageLocked(msg model.StatusMessage) {
	sess := e.sup.Session()
	if msg.DisconnectReason != "" {
		sess.DisconnectReason = msg.DisconnectReason
	}
	for _, raw := range []string{msg.ContactStatus, msg.Status} {
		if st, ok := NormalizeStatus(raw); ok && st == model.CallInitiating && !e.tracker.Connected() {
			e.transcript.Reset()
		}
	}
	if msg.Transcript != "" {
		e.transcript.Append(msg.Transcript)
	}
	if msg.ResponseSent != nil {
		e.handleResponseLocked(*msg.ResponseSent)
	}
	for _, raw := range []string{msg.ContactStatus, msg.Status} {
		// A terminal status may already have started the next campaign call.
		if e.sup.SessionID() != sess.ID {
			return
		}
		e.applyStatusLocked(SourceChannel, raw)
	}
}

func (e *Engine) applyStatusLocked(src Source, raw string) {
	sess := e.sup.Session()
	if sess == nil || strings.TrimSpace(raw) == "" {
		return
	}
	up := e.tracker.Merge(src, raw)
	if !up.Known {
		e.log.Debug("unrecognized call status", "session", sess.ID, "raw", raw, "source", src.String())
	}
	if !up.Applied {
		return
	}
	sess.Status = up.State
	e.addEventLocked("status.changed", map[string]any{
		"source": src.String(),
		"raw":    raw,
		"status": string(up.State),
	})
	e.log.Info("call status", "session", sess.ID, "contact_id", sess.ContactID, "status", up.State, "source", src.String())
	if up.Finalized {
		e.finishLocked(up.State, "")
	}
}

func (e *Engine) handleResponseLocked(r model.AutomatedResponse) {
	key := r.Key()
	if _, dup := e.responseSeen[key]; dup {
		return
	}
	e.responseSeen[key] = struct{}{}
	e.responses = append(e.responses, r)
	e.addEventLocked("response.sent", map[string]any{
		"question": r.Question,
		"field":    r.Field,
		"value":    r.Value,
	})

	if strings.EqualFold(strings.TrimSpace(r.Field), TransferToAgentField) {
		e.presence.Arm(e.clock.Now(), e.transcript.Len())
		e.notifyLocked(model.NotifyInfo, "Transfer to agent requested, waiting for an agent")
		return
	}

	out := e.dtmf.MaybeDispatch(r, e.sup.Connection(), e.sup.MediaConnected(), e.emitDigitsLocked)
	if out.Keypad {
		switch {
		case out.Err != nil:
			e.notifyLocked(model.NotifyError, "Cannot send digits %s: %v", out.Digits, out.Err)
		case out.Emitted:
			e.notifyLocked(model.NotifyInfo, "Sending digits %s", out.Digits)
			e.addEventLocked("dtmf.sent", map[string]any{"digits": out.Digits})
		}
		return
	}

	e.notifyLocked(model.NotifyAudio, "%s: %s", r.Question, r.Value)
	conn := e.sup.Connection()
	sp, ok := conn.(Speaker)
	if !ok || !conn.IsActive() {
		return
	}
	text := r.Value
	e.enqueueLocked(func() {
		sp.Speak(text, func(err error) {
			if err == nil {
				return
			}
			e.update(func() {
				e.notifyLocked(model.NotifyError, "Audio playback failed: %v", err)
			})
		})
	})
}

func (e *Engine) emitDigitsLocked(conn Connection, digits string) {
	e.enqueueLocked(func() {
		conn.SendDigits(digits, func(err error) {
			e.update(func() {
				if err != nil {
					e.notifyLocked(model.NotifyError, "Digits %s failed: %v", digits, err)
					e.log.Warn("dtmf failed", "digits", digits, "error", err)
					return
				}
				e.notifyLocked(model.NotifyInfo, "Digits %s delivered", digits)
			})
		})
	})
}

func (e *Engine) startSessionTickLocked(sessionID string) {
	e.stopSessionTickLocked()
	e.sessionTick = Every(e.clock, e.pollInterval, func() {
		e.update(func() { e.tickLocked(sessionID) })
	})
}

func (e *Engine) stopSessionTickLocked() {
	if e.sessionTick != nil {
		e.sessionTick.Stop()
		e.sessionTick = nil
	}
}

func (e *Engine) tickLocked(sessionID string) {
	if e.closed || e.sup.SessionID() != sessionID {
		return
	}
	energy, hasEnergy := 0.0, false
	if e.sampler != nil {
		energy, hasEnergy = e.sampler.Sample(), true
	}
	det := e.presence.Tick(e.clock.Now(), e.transcript.Len(), energy, hasEnergy)
	if det == NoDetection {
		return
	}
	e.notifyLocked(model.NotifyInfo, "Agent connected")
	e.addEventLocked("agent.detected", map[string]any{"by": det.String()})
	e.log.Info("agent detected", "session", sessionID, "by", det.String())
}

// finishLocked ends the session with state, archives it and tells the campaign
func (e *Engine) finishLocked(state model.CallState, reason string) {
	sess := e.sup.Session()
	if sess == nil {
		return
	}
	if !state.IsTerminal() {
		state = model.CallCompleted
	}
	e.tracker.Finish(state)
	now := e.clock.Now()
	sess.Status = state
	sess.EndedAt = &now
	if reason != "" && sess.DisconnectReason == "" {
		sess.DisconnectReason = reason
	}
	sess.Timeline = append(sess.Timeline, model.NewEvent(now, "call.ended", map[string]any{
		"status": string(state),
		"reason": sess.DisconnectReason,
	}))

	e.history = append(e.history, model.CallRecord{
		Session:    *copySession(sess),
		Transcript: e.transcript.Text(),
		Responses:  append([]model.AutomatedResponse(nil), e.responses...),
	})
	if len(e.history) > historyLimit {
		e.history = append([]model.CallRecord(nil), e.history[len(e.history)-historyLimit:]...)
	}

	conn, _ := e.sup.Release()
	e.closeStatusLocked(conn)
	e.stopSessionTickLocked()
	e.lastSession = sess
	e.resetSessionLocked()

	e.notifyLocked(model.NotifyInfo, "Call ended: %s", state)
	e.log.Info("call ended", "session", sess.ID, "contact_id", sess.ContactID, "status", state, "reason", sess.DisconnectReason)

	if !sess.Campaign {
		// A manual call placed while the campaign was between calls holds it up.
		if e.campaign.Running() {
			e.scheduleAdvanceLocked()
		}
		return
	}
	switch e.campaign.CallEnded(state) {
	case DecisionGate:
		if state == model.CallError {
			e.notifyLocked(model.NotifyInfo, "Campaign paused after an error, retry or proceed to continue")
		} else {
			e.notifyLocked(model.NotifyInfo, "Call finished, proceed to call the next contact")
		}
	case DecisionAdvance:
		e.scheduleAdvanceLocked()
	case DecisionComplete:
		e.campaignCompletedLocked()
	}
}

// resetSessionLocked clears per-call state
func (e *Engine) resetSessionLocked() {
	e.transcript.Reset()
	e.presence.Reset()
	e.dtmf.Reset()
	e.responses = nil
	e.responseSeen = make(map[string]struct{})
	e.sampler = nil
}

// OnAgent implements ProviderSink. The agent leg is muted so automation
// audio is not polluted by the operator's microphone.
func (e *Engine) OnAgent(agent Agent) {
	e.update(func() {
		e.agent = agent
		e.log.Info("softphone agent ready")
		e.enqueueLocked(func() {
			if err := agent.Mute(); err != nil {
				e.update(func() {
					e.notifyLocked(model.NotifyError, "Failed to mute agent: %v", err)
				})
			}
		})
	})
}

// OnContactState implements ProviderSink
func (e *Engine) OnContactState(state string, conn Connection) {
	e.update(func() {
		if !e.sup.BindConnection(conn) {
			e.log.Debug("provider state without a session", "state", state)
			return
		}
		e.applyStatusLocked(SourceProvider, state)
	})
}

// OnMediaConnected implements ProviderSink
func (e *Engine) OnMediaConnected(conn Connection) {
	e.update(func() {
		if !e.sup.BindConnection(conn) {
			return
		}
		e.sup.SetMediaConnected(true)
		e.addEventLocked("media.connected", map[string]any{"connection": conn.ID()})
		if e.energy == nil {
			return
		}
		sampler, err := e.energy.Attach(conn)
		if err != nil {
			e.log.Warn("audio energy unavailable", "connection", conn.ID(), "error", err)
			return
		}
		e.sampler = sampler
	})
}

// OnMediaDisconnected implements ProviderSink
func (e *Engine) OnMediaDisconnected(conn Connection) {
	e.update(func() {
		cur := e.sup.Connection()
		if cur == nil || conn == nil || cur.ID() != conn.ID() {
			return
		}
		e.sup.SetMediaConnected(false)
		e.sampler = nil
		e.addEventLocked("media.disconnected", map[string]any{"connection": conn.ID()})
	})
}

func copySession(s *model.CallSession) *model.CallSession {
	cp := *s
	cp.Timeline = append([]model.Event(nil), s.Timeline...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func secondsCeil(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
