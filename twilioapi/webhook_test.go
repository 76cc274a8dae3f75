package twilioapi_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/sprucehealth/ivrdialer/engine"
	"github.com/sprucehealth/ivrdialer/twilioapi"
)

func postStatus(t *testing.T, h http.Handler, target string, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(twilioapi.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sign(authToken, target string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(target)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func statusForm(sid, status string) url.Values {
	return url.Values{"CallSid": {sid}, "CallStatus": {status}, "AccountSid": {"AC123"}}
}

func TestContactState(t *testing.T) {
	cases := map[string]string{
		"queued":      engine.ContactConnecting,
		"initiated":   engine.ContactConnecting,
		"ringing":     engine.ContactConnecting,
		"in-progress": engine.ContactAccepted,
		"completed":   engine.ContactEnded,
		"canceled":    engine.ContactEnded,
		"busy":        engine.ContactMissed,
		"failed":      engine.ContactMissed,
		"no-answer":   engine.ContactMissed,
		" Ringing ":   engine.ContactConnecting,
	}
	for in, want := range cases {
		got, ok := twilioapi.ContactState(in)
		if !ok || got != want {
			t.Errorf("ContactState(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := twilioapi.ContactState("answered-by-machine"); ok {
		t.Error("unknown status mapped")
	}
}

func TestStatusCallbackLifecycle(t *testing.T) {
	api := &fakeCalls{}
	p := twilioapi.NewProvider(baseConfig(), api, discard)
	sink := &fakeSink{}
	if err := p.Initialize(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	if _, err := p.InitiateCall(context.Background(), engine.CallRequest{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}
	h := p.StatusHandler()

	for _, st := range []string{"ringing", "in-progress", "completed"} {
		if rec := postStatus(t, h, "/twilio/status", statusForm("CA0001", st), ""); rec.Code != http.StatusNoContent {
			t.Fatalf("%s: code = %d", st, rec.Code)
		}
	}
	want := []string{engine.ContactConnecting, engine.ContactAccepted, "media-up", engine.ContactEnded, "media-down"}
	got := sink.kinds()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
	if _, ok := p.Lookup("CA0001"); ok {
		t.Error("ended call still tracked")
	}
}

func TestStatusCallbackEndedConnectionInactive(t *testing.T) {
	p := twilioapi.NewProvider(baseConfig(), &fakeCalls{}, discard)
	sink := &fakeSink{}
	if err := p.Initialize(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	if _, err := p.InitiateCall(context.Background(), engine.CallRequest{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}
	conn, _ := p.Lookup("CA0001")
	postStatus(t, p.StatusHandler(), "/twilio/status", statusForm("CA0001", "busy"), "")
	if conn.IsActive() {
		t.Error("connection still active after busy")
	}
	done := make(chan error, 1)
	conn.SendDigits("1", func(err error) { done <- err })
	if err := <-done; err != engine.ErrNoActiveConnection {
		t.Errorf("SendDigits err = %v", err)
	}
}

func TestStatusCallbackSignature(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthToken = "secret-token"
	cfg.StatusCallbackURL = "https://dialer.example.com/twilio/status"
	p := twilioapi.NewProvider(cfg, &fakeCalls{}, discard)
	sink := &fakeSink{}
	if err := p.Initialize(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	h := p.StatusHandler()
	form := statusForm("CA7", "ringing")

	if rec := postStatus(t, h, "/twilio/status", form, ""); rec.Code != http.StatusForbidden {
		t.Errorf("unsigned: code = %d, want 403", rec.Code)
	}
	if rec := postStatus(t, h, "/twilio/status", form, sign("wrong", cfg.StatusCallbackURL, form)); rec.Code != http.StatusForbidden {
		t.Errorf("bad signature: code = %d, want 403", rec.Code)
	}
	if got := sink.kinds(); len(got) != 0 {
		t.Fatalf("rejected callbacks reached the sink: %v", got)
	}
	if rec := postStatus(t, h, "/twilio/status", form, sign(cfg.AuthToken, cfg.StatusCallbackURL, form)); rec.Code != http.StatusNoContent {
		t.Errorf("signed: code = %d, want 204", rec.Code)
	}
	if got := sink.kinds(); len(got) != 1 || got[0] != engine.ContactConnecting {
		t.Errorf("events = %v", got)
	}
}

func TestStatusCallbackRejectsBadRequests(t *testing.T) {
	p := twilioapi.NewProvider(baseConfig(), &fakeCalls{}, discard)
	h := p.StatusHandler()

	req := httptest.NewRequest(http.MethodGet, "/twilio/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET code = %d", rec.Code)
	}
	if rec := postStatus(t, h, "/twilio/status", url.Values{"CallStatus": {"ringing"}}, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing sid code = %d", rec.Code)
	}
}
