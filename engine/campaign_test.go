package engine_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sprucehealth/ivrdialer/engine"
	"github.com/sprucehealth/ivrdialer/model"
)

func TestCampaignSkipsInvalidContacts(t *testing.T) {
	h := newHarness(t)
	if err := h.e.UploadContacts(contactsOf("not a number", "", "555-123-4567")); err != nil {
		t.Fatal(err)
	}
	if err := h.e.StartCampaign(); err != nil {
		t.Fatal(err)
	}
	reqs := h.dialer.Requests()
	if len(reqs) != 1 || reqs[0].PhoneNumber != "+15551234567" {
		t.Fatalf("expected only the valid contact dialed, got %+v", reqs)
	}
	if reqs[0].RowData["Name"] != "Contact 3" {
		t.Errorf("expected row data forwarded, got %v", reqs[0].RowData)
	}
	if !h.hasNotification("Skipping contact 1") || !h.hasNotification("Skipping contact 2") {
		t.Error("expected skip notifications")
	}
	snap := h.e.Snapshot()
	if snap.Campaign.CurrentIndex != 2 || snap.Session.ContactIndex != 2 {
		t.Fatalf("expected index 2, got %d", snap.Campaign.CurrentIndex)
	}
}

func TestCampaignConfirmationGate(t *testing.T) {
	h := newHarness(t)
	if err := h.e.UploadContacts(contactsOf("+15551230001", "+15551230002")); err != nil {
		t.Fatal(err)
	}
	if err := h.e.Proceed(); !errors.Is(err, engine.ErrCampaignState) {
		t.Fatalf("proceed before start should fail, got %v", err)
	}
	if err := h.e.StartCampaign(); err != nil {
		t.Fatal(err)
	}
	h.send(t, "contact-1", model.StatusMessage{Transcript: "hello"})
	h.send(t, "contact-1", model.StatusMessage{ContactStatus: "MISSED"})

	snap := h.e.Snapshot()
	if snap.Campaign.Phase != model.CampaignAwaitingConfirmation || !snap.Campaign.PendingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %+v", snap.Campaign)
	}
	if snap.Transcript != "" || len(snap.Responses) != 0 {
		t.Fatal("expected logs cleared between calls")
	}
	h.clock.Advance(time.Minute)
	if n := len(h.dialer.Requests()); n != 1 {
		t.Fatalf("gate must hold the campaign, got %d requests", n)
	}

	if err := h.e.Proceed(); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Second)
	if n := len(h.dialer.Requests()); n != 1 {
		t.Fatal("next call must wait for the inter-call delay")
	}
	h.clock.Advance(time.Second)
	reqs := h.dialer.Requests()
	if len(reqs) != 2 || reqs[1].PhoneNumber != "+15551230002" {
		t.Fatalf("expected second contact dialed, got %+v", reqs)
	}

	h.send(t, "contact-2", model.StatusMessage{Status: "COMPLETED"})
	if err := h.e.Proceed(); err != nil {
		t.Fatal(err)
	}
	snap = h.e.Snapshot()
	if snap.Campaign.Phase != model.CampaignCompleted || snap.Campaign.AutoModeEnabled {
		t.Fatalf("expected completed campaign, got %+v", snap.Campaign)
	}
	if !h.hasNotification("Campaign completed") {
		t.Error("expected completion notification")
	}
}

func TestCampaignRunsToCompletionWithoutConfirmation(t *testing.T) {
	h := newHarness(t,
		engine.WithConfirmationRequired(false),
		engine.WithInterCallDelay(0),
	)
	if err := h.e.UploadContacts(contactsOf("+15551230001", "bogus", "+15551230003")); err != nil {
		t.Fatal(err)
	}
	if err := h.e.StartCampaign(); err != nil {
		t.Fatal(err)
	}
	h.send(t, "contact-1", model.StatusMessage{ContactStatus: "COMPLETED", Status: "COMPLETED"})
	h.send(t, "contact-2", model.StatusMessage{ContactStatus: "FAILED"})

	reqs := h.dialer.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 dials, got %d", len(reqs))
	}
	if reqs[1].PhoneNumber != "+15551230003" {
		t.Fatalf("unexpected second dial %s", reqs[1].PhoneNumber)
	}
	snap := h.e.Snapshot()
	if snap.Campaign.Phase != model.CampaignCompleted || snap.Campaign.AutoModeEnabled {
		t.Fatalf("expected campaign completed, got %+v", snap.Campaign)
	}
	if snap.ActiveCall {
		t.Fatal("no call should be active")
	}
	if n := len(h.e.History()); n != 2 {
		t.Fatalf("expected 2 history records, got %d", n)
	}
}

func TestCampaignAutoAdvanceHonorsDelay(t *testing.T) {
	h := newHarness(t,
		engine.WithConfirmationRequired(false),
		engine.WithInterCallDelay(3*time.Second),
	)
	if err := h.e.UploadContacts(contactsOf("+15551230001", "+15551230002")); err != nil {
		t.Fatal(err)
	}
	if err := h.e.StartCampaign(); err != nil {
		t.Fatal(err)
	}
	h.send(t, "contact-1", model.StatusMessage{Status: "COMPLETED"})
	h.clock.Advance(2 * time.Second)
	if len(h.dialer.Requests()) != 1 {
		t.Fatal("dialed before the delay elapsed")
	}
	h.clock.Advance(time.Second)
	if len(h.dialer.Requests()) != 2 {
		t.Fatal("expected auto advance after the delay")
	}
}

func TestCampaignErrorPausesAndRetries(t *testing.T) {
	h := newHarness(t, engine.WithConfirmationRequired(false))
	h.dialer.respond = func(n int, req engine.CallRequest) (*engine.CallResponse, error) {
		if n == 1 {
			return nil, &engine.TransportError{Op: "POST", URL: "http://backend/initiate-call", Status: 502, Err: errors.New("bad gateway")}
		}
		return &engine.CallResponse{ContactID: "contact-2"}, nil
	}
	if err := h.e.UploadContacts(contactsOf("+15551230001", "+15551230002")); err != nil {
		t.Fatal(err)
	}
	if err := h.e.StartCampaign(); err != nil {
		t.Fatal(err)
	}
	snap := h.e.Snapshot()
	if snap.Campaign.Phase != model.CampaignAwaitingConfirmation {
		t.Fatalf("transport failure must pause the campaign, got %s", snap.Campaign.Phase)
	}
	if snap.LastSession == nil || snap.LastSession.Status != model.CallError {
		t.Fatalf("expected ERROR session, got %+v", snap.LastSession)
	}
	if !h.hasNotification("Failed to start call") {
		t.Error("expected an error notification")
	}

	if err := h.e.Retry(); err != nil {
		t.Fatal(err)
	}
	reqs := h.dialer.Requests()
	if len(reqs) != 2 || reqs[1].PhoneNumber != "+15551230001" {
		t.Fatalf("retry should redial the same contact, got %+v", reqs)
	}
	if h.e.Snapshot().Campaign.Phase != model.CampaignRunning {
		t.Fatal("expected campaign running after retry")
	}
}

func TestCampaignStopCancelsPendingDial(t *testing.T) {
	h := newHarness(t,
		engine.WithConfirmationRequired(false),
		engine.WithInterCallDelay(5*time.Second),
	)
	if err := h.e.UploadContacts(contactsOf("+15551230001", "+15551230002")); err != nil {
		t.Fatal(err)
	}
	if err := h.e.StartCampaign(); err != nil {
		t.Fatal(err)
	}
	h.send(t, "contact-1", model.StatusMessage{Status: "COMPLETED"})
	if err := h.e.Stop(); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(10 * time.Second)
	if n := len(h.dialer.Requests()); n != 1 {
		t.Fatalf("stopped campaign must not dial, got %d requests", n)
	}
	snap := h.e.Snapshot()
	if snap.Campaign.Phase != model.CampaignReady || snap.Campaign.CurrentIndex != 0 || snap.Campaign.AutoModeEnabled {
		t.Fatalf("unexpected campaign state %+v", snap.Campaign)
	}
}

func TestCampaignStopDoesNotAbortActiveCall(t *testing.T) {
	h := newHarness(t)
	if err := h.e.UploadContacts(contactsOf("+15551230001", "+15551230002")); err != nil {
		t.Fatal(err)
	}
	if err := h.e.StartCampaign(); err != nil {
		t.Fatal(err)
	}
	if err := h.e.Stop(); err != nil {
		t.Fatal(err)
	}
	if !h.e.Snapshot().ActiveCall {
		t.Fatal("stop must not abort the call in flight")
	}
	h.send(t, "contact-1", model.StatusMessage{Status: "COMPLETED"})
	snap := h.e.Snapshot()
	if snap.Campaign.Phase != model.CampaignReady || snap.Campaign.PendingConfirmation {
		t.Fatalf("ended call must not gate a stopped campaign, got %+v", snap.Campaign)
	}
}

func TestCampaignRateLimitedRedialsSameContact(t *testing.T) {
	h := newHarness(t)
	h.dialer.respond = func(n int, req engine.CallRequest) (*engine.CallResponse, error) {
		if n == 1 {
			return nil, &engine.RateLimitedError{RetryAfter: 30 * time.Second}
		}
		return &engine.CallResponse{ContactID: "contact-2"}, nil
	}
	if err := h.e.UploadContacts(contactsOf("+15551230001", "+15551230002")); err != nil {
		t.Fatal(err)
	}
	if err := h.e.StartCampaign(); err != nil {
		t.Fatal(err)
	}
	snap := h.e.Snapshot()
	if snap.Campaign.Phase != model.CampaignRunning {
		t.Fatalf("rate limiting must not gate the campaign, got %s", snap.Campaign.Phase)
	}
	if snap.CooldownRemaining != 30*time.Second {
		t.Fatalf("expected 30s cooldown, got %s", snap.CooldownRemaining)
	}

	h.clock.Advance(29 * time.Second)
	if len(h.dialer.Requests()) != 1 {
		t.Fatal("redialed before cooldown elapsed")
	}
	h.clock.Advance(time.Second)
	reqs := h.dialer.Requests()
	if len(reqs) != 2 || reqs[1].PhoneNumber != "+15551230001" {
		t.Fatalf("expected the same contact redialed, got %+v", reqs)
	}
}

func TestManualCallRateLimitedKeepsCampaignMoving(t *testing.T) {
	h := newHarness(t,
		engine.WithConfirmationRequired(false),
		engine.WithInterCallDelay(3*time.Second),
	)
	h.dialer.respond = func(n int, req engine.CallRequest) (*engine.CallResponse, error) {
		if n == 2 {
			// The campaign's advance fires while this manual dial is in flight.
			h.clock.Advance(3 * time.Second)
			return nil, &engine.RateLimitedError{RetryAfter: 10 * time.Second}
		}
		return &engine.CallResponse{ContactID: fmt.Sprintf("contact-%d", n)}, nil
	}
	if err := h.e.UploadContacts(contactsOf("+15551230001", "+15551230002")); err != nil {
		t.Fatal(err)
	}
	if err := h.e.StartCampaign(); err != nil {
		t.Fatal(err)
	}
	h.send(t, "contact-1", model.StatusMessage{Status: "COMPLETED"})
	if _, err := h.e.ManualCall("+15559990000"); err != nil {
		t.Fatal(err)
	}
	if n := len(h.dialer.Requests()); n != 2 {
		t.Fatalf("expected no campaign dial during the cooldown, got %d requests", n)
	}
	if h.e.Snapshot().Campaign.Phase != model.CampaignRunning {
		t.Fatal("expected the campaign still running")
	}

	h.clock.Advance(10 * time.Second)
	reqs := h.dialer.Requests()
	if len(reqs) != 3 || reqs[2].PhoneNumber != "+15551230002" {
		t.Fatalf("expected the next contact dialed after the cooldown, got %+v", reqs)
	}
}

func TestStartCampaignWithoutContacts(t *testing.T) {
	h := newHarness(t)
	if err := h.e.StartCampaign(); !errors.Is(err, engine.ErrNoContacts) {
		t.Fatalf("expected ErrNoContacts, got %v", err)
	}
	if err := h.e.UploadContacts(nil); !errors.Is(err, engine.ErrNoContacts) {
		t.Fatalf("expected ErrNoContacts, got %v", err)
	}
}

func TestManualCallDuringGateDoesNotAdvance(t *testing.T) {
	h := newHarness(t)
	if err := h.e.UploadContacts(contactsOf("+15551230001", "+15551230002")); err != nil {
		t.Fatal(err)
	}
	if err := h.e.StartCampaign(); err != nil {
		t.Fatal(err)
	}
	h.send(t, "contact-1", model.StatusMessage{Status: "COMPLETED"})
	if _, err := h.e.ManualCall("+15559990000"); err != nil {
		t.Fatal(err)
	}
	h.send(t, "contact-2", model.StatusMessage{Status: "COMPLETED"})
	if phase := h.e.Snapshot().Campaign.Phase; phase != model.CampaignAwaitingConfirmation {
		t.Fatalf("manual call must leave the gate up, got %s", phase)
	}
	if n := len(h.dialer.Requests()); n != 2 {
		t.Fatalf("expected 2 requests, got %d", n)
	}
}

func TestCampaignUnit(t *testing.T) {
	c := engine.NewCampaign(time.Second, true)
	if err := c.Start(); !errors.Is(err, engine.ErrNoContacts) {
		t.Fatalf("expected ErrNoContacts, got %v", err)
	}
	if err := c.Load(contactsOf("+15551230001")); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Load(contactsOf("+15551230002")); !errors.Is(err, engine.ErrCampaignState) {
		t.Fatalf("loading while running should fail, got %v", err)
	}
	sel, ok := c.Next()
	if !ok || sel.Index != 0 || sel.Phone != "+15551230001" {
		t.Fatalf("unexpected selection %+v", sel)
	}
	if d := c.CallEnded(model.CallCompleted); d != engine.DecisionGate {
		t.Fatalf("expected gate, got %v", d)
	}
	completed, err := c.Proceed()
	if err != nil || !completed {
		t.Fatalf("expected completion, got %v %v", completed, err)
	}
	// A completed campaign starts over
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if st := c.State(); st.CurrentIndex != 0 || st.Phase != model.CampaignRunning {
		t.Fatalf("unexpected state %+v", st)
	}
}
