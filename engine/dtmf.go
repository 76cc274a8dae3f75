package engine

import (
	"regexp"
	"strings"

	"github.com/sprucehealth/ivrdialer/model"
)

// PressNumberField tags automated responses that are keypad entries
const PressNumberField = "press a number"

var (
	keypadValue = regexp.MustCompile(`^[0-9\-#]+$`)
	dtmfDigits  = regexp.MustCompile(`^[0-9*wW]+$`)
)

// IsKeypadEntry reports whether a response should be sent as DTMF
func IsKeypadEntry(r model.AutomatedResponse) bool {
	if strings.EqualFold(strings.TrimSpace(r.Field), PressNumberField) {
		return true
	}
	return keypadValue.MatchString(strings.TrimSpace(r.Value))
}

// ExtractDigits strips filler characters from a keypad value
func ExtractDigits(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '#', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, value)
}

// DTMFOutcome describes what MaybeDispatch did with a response
type DTMFOutcome struct {
	Keypad  bool
	Digits  string
	Emitted bool
	Err     error
}

// DTMFDispatcher turns keypad responses into DTMF emissions, at most once per response
type DTMFDispatcher struct {
	seen map[string]struct{}
}

// NewDTMFDispatcher creates an empty dispatcher
func NewDTMFDispatcher() *DTMFDispatcher {
	return &DTMFDispatcher{seen: make(map[string]struct{})}
}

// MaybeDispatch inspects r and, if it is a keypad entry, hands the digits to
// emit. Digits outside 0-9, * and the w pause are refused with
// ErrInvalidDigits. conn must be active and media-connected; otherwise the outcome carries
// ErrNoActiveConnection and nothing is emitted. Repeated deliveries of the
// same response are ignored.
func (d *DTMFDispatcher) MaybeDispatch(r model.AutomatedResponse, conn Connection, mediaConnected bool, emit func(conn Connection, digits string)) DTMFOutcome {
	if !IsKeypadEntry(r) {
		return DTMFOutcome{}
	}
	key := r.Key()
	if _, dup := d.seen[key]; dup {
		return DTMFOutcome{Keypad: true}
	}
	d.seen[key] = struct{}{}

	digits := ExtractDigits(r.Value)
	out := DTMFOutcome{Keypad: true, Digits: digits}
	if digits == "" {
		return out
	}
	if !dtmfDigits.MatchString(digits) {
		out.Err = ErrInvalidDigits
		return out
	}
	if conn == nil || !conn.IsActive() || !mediaConnected {
		out.Err = ErrNoActiveConnection
		return out
	}
	emit(conn, digits)
	out.Emitted = true
	return out
}

// Reset forgets dispatched responses
func (d *DTMFDispatcher) Reset() {
	d.seen = make(map[string]struct{})
}
