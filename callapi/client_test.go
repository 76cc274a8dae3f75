package callapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sprucehealth/ivrdialer/callapi"
	"github.com/sprucehealth/ivrdialer/engine"
)

func TestInitiateCall(t *testing.T) {
	var got engine.CallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/initiate-call" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "contact_id": "abc-123", "message": "Call queued successfully"}`))
	}))
	defer srv.Close()

	c := callapi.NewClient(srv.URL+"/", time.Second)
	resp, err := c.InitiateCall(context.Background(), engine.CallRequest{
		PhoneNumber: "+15551234567",
		RowData:     map[string]string{"Name": "Jane"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ContactID != "abc-123" {
		t.Fatalf("unexpected contact id %q", resp.ContactID)
	}
	if got.PhoneNumber != "+15551234567" || got.RowData["Name"] != "Jane" {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestInitiateCallRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"detail": {"error": "slow down", "retry_after": 42}}`))
	}))
	defer srv.Close()

	_, err := callapi.NewClient(srv.URL, time.Second).InitiateCall(context.Background(), engine.CallRequest{PhoneNumber: "+15551234567"})
	var rl *engine.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter != 42*time.Second || rl.Message != "slow down" {
		t.Fatalf("unexpected error %+v", rl)
	}
}

func TestInitiateCallRateLimitedDefaultRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := callapi.NewClient(srv.URL, time.Second).InitiateCall(context.Background(), engine.CallRequest{PhoneNumber: "+15551234567"})
	var rl *engine.RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter != callapi.DefaultRetryAfter {
		t.Fatalf("expected default retry, got %v", err)
	}
}

func TestInitiateCallServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail": {"success": false, "error": "ContactFlowId invalid"}}`))
	}))
	defer srv.Close()

	_, err := callapi.NewClient(srv.URL, time.Second).InitiateCall(context.Background(), engine.CallRequest{PhoneNumber: "+15551234567"})
	var te *engine.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.Status != 500 || te.Err.Error() != "ContactFlowId invalid" {
		t.Fatalf("unexpected error %+v", te)
	}
}

func TestInitiateCallUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := callapi.NewClient(url, time.Second).InitiateCall(context.Background(), engine.CallRequest{PhoneNumber: "+15551234567"})
	var te *engine.TransportError
	if !errors.As(err, &te) || te.Status != 0 {
		t.Fatalf("expected TransportError without status, got %v", err)
	}
}

func TestHangupCall(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	if err := callapi.NewClient(srv.URL, time.Second).HangupCall(context.Background(), "abc-123"); err != nil {
		t.Fatal(err)
	}
	if path != "/stop-call/abc-123" {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestMockClient(t *testing.T) {
	m := callapi.NewMockClient()
	for i := 1; i <= 2; i++ {
		resp, err := m.InitiateCall(context.Background(), engine.CallRequest{PhoneNumber: "+15551234567"})
		if err != nil {
			t.Fatal(err)
		}
		if want := "contact-" + string(rune('0'+i)); resp.ContactID != want {
			t.Fatalf("expected %s, got %s", want, resp.ContactID)
		}
	}
	if m.CallCount() != 2 {
		t.Fatalf("expected 2 calls, got %d", m.CallCount())
	}
}
