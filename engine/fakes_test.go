package engine_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sprucehealth/ivrdialer/engine"
	"github.com/sprucehealth/ivrdialer/model"
)

type fakeDialer struct {
	mu       sync.Mutex
	requests []engine.CallRequest
	hangups  []string
	respond  func(n int, req engine.CallRequest) (*engine.CallResponse, error)
}

func (d *fakeDialer) InitiateCall(ctx context.Context, req engine.CallRequest) (*engine.CallResponse, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	n := len(d.requests)
	respond := d.respond
	d.mu.Unlock()
	if respond != nil {
		return respond(n, req)
	}
	return &engine.CallResponse{ContactID: fmt.Sprintf("contact-%d", n)}, nil
}

func (d *fakeDialer) HangupCall(ctx context.Context, contactID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangups = append(d.hangups, contactID)
	return nil
}

func (d *fakeDialer) Requests() []engine.CallRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]engine.CallRequest(nil), d.requests...)
}

// plainDialer cannot hang up
type plainDialer struct {
	d *fakeDialer
}

func (p plainDialer) InitiateCall(ctx context.Context, req engine.CallRequest) (*engine.CallResponse, error) {
	return p.d.InitiateCall(ctx, req)
}

type fakeStatus struct {
	mu      sync.Mutex
	sinks   map[string]engine.StatusSink
	conns   []*fakeStatusConn
	dialErr error
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{sinks: make(map[string]engine.StatusSink)}
}

func (f *fakeStatus) Dial(ctx context.Context, contactID string, sink engine.StatusSink) (engine.StatusConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	f.sinks[contactID] = sink
	c := &fakeStatusConn{contactID: contactID}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeStatus) sink(t *testing.T, contactID string) engine.StatusSink {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sinks[contactID]
	if !ok {
		t.Fatalf("no status channel dialed for %s", contactID)
	}
	return s
}

func (f *fakeStatus) open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

type fakeStatusConn struct {
	mu        sync.Mutex
	contactID string
	closed    bool
}

func (c *fakeStatusConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeStatusConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeConnection struct {
	id      string
	mu      sync.Mutex
	digits  []string
	spoken  []string
	sendErr error
}

func (c *fakeConnection) ID() string     { return c.id }
func (c *fakeConnection) IsActive() bool { return true }

func (c *fakeConnection) SendDigits(digits string, done func(error)) {
	c.mu.Lock()
	c.digits = append(c.digits, digits)
	err := c.sendErr
	c.mu.Unlock()
	done(err)
}

func (c *fakeConnection) Speak(text string, done func(error)) {
	c.mu.Lock()
	c.spoken = append(c.spoken, text)
	c.mu.Unlock()
	done(nil)
}

func (c *fakeConnection) MediaInfo() engine.MediaInfo {
	return engine.MediaInfo{CallID: c.id}
}

func (c *fakeConnection) sentDigits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.digits...)
}

type fakeSampler struct {
	mu    sync.Mutex
	level float64
}

func (s *fakeSampler) Sample() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *fakeSampler) set(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = v
}

type fakeEnergy struct {
	sampler *fakeSampler
}

func (f *fakeEnergy) Attach(conn engine.Connection) (engine.Sampler, error) {
	return f.sampler, nil
}

type fakeAgent struct {
	mu    sync.Mutex
	muted bool
}

func (a *fakeAgent) Mute() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muted = true
	return nil
}

type fakeSoftphone struct {
	err error
}

func (s *fakeSoftphone) Initialize(ctx context.Context, sink engine.ProviderSink) error {
	return s.err
}

func (s *fakeSoftphone) Unbind() {}

type harness struct {
	e      *engine.Engine
	clock  *engine.ManualClock
	dialer *fakeDialer
	status *fakeStatus
}

func newHarness(t *testing.T, opts ...engine.EngineOption) *harness {
	t.Helper()
	h := &harness{
		clock:  engine.NewManualClock(time.Time{}),
		dialer: &fakeDialer{},
		status: newFakeStatus(),
	}
	base := []engine.EngineOption{
		engine.WithClock(h.clock),
		engine.WithInlineJobs(),
		engine.WithDialer(h.dialer),
		engine.WithStatusChannel(h.status),
		engine.WithNotificationTTL(time.Hour),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	h.e = engine.NewEngine(append(base, opts...)...)
	t.Cleanup(func() { h.e.Close() })
	return h
}

func (h *harness) send(t *testing.T, contactID string, msg model.StatusMessage) {
	t.Helper()
	h.status.sink(t, contactID).OnStatusMessage(msg)
}

func (h *harness) countNotifications(msg string) int {
	n := 0
	for _, note := range h.e.Notifications() {
		if note.Message == msg {
			n++
		}
	}
	return n
}

func (h *harness) hasNotification(substr string) bool {
	for _, note := range h.e.Notifications() {
		if strings.Contains(note.Message, substr) {
			return true
		}
	}
	return false
}

func contactsOf(phones ...string) []model.Contact {
	out := make([]model.Contact, len(phones))
	for i, p := range phones {
		out[i] = model.Contact{Fields: map[string]string{"Name": fmt.Sprintf("Contact %d", i+1), "Phone": p}}
	}
	return out
}
