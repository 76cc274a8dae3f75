package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/sprucehealth/ivrdialer/model"
)

const maxRetiredConnections = 256

// Supervisor owns the active call session, its status channel connection and
// the telephony connection. It never holds more than one status channel:
// Begin hands back any prior connection for the caller to close, and dial
// results are matched against a generation counter so a late dial for a
// disposed session is rejected.
//
// Not safe for concurrent use; the Engine serializes access.
type Supervisor struct {
	session *model.CallSession
	gen     uint64
	conn    StatusConn
	health  model.ConnectionHealth

	call           Connection
	mediaConnected bool
	retired        map[string]struct{}
	strict         bool
}

// NewSupervisor creates an idle supervisor
func NewSupervisor() *Supervisor {
	return &Supervisor{
		health:  model.HealthDisconnected,
		retired: make(map[string]struct{}),
	}
}

// Reserve creates a new session. It fails with ErrCallActive while another session exists.
func (s *Supervisor) Reserve(now time.Time, phone string, campaign bool, contactIndex int) (*model.CallSession, error) {
	if s.session != nil {
		return nil, ErrCallActive
	}
	s.session = &model.CallSession{
		ID:           uuid.New().String(),
		PhoneNumber:  phone,
		Status:       model.CallInitiating,
		StartedAt:    now,
		Campaign:     campaign,
		ContactIndex: contactIndex,
	}
	s.session.Timeline = append(s.session.Timeline, model.NewEvent(now, "call.reserved", map[string]any{
		"phone":    phone,
		"campaign": campaign,
	}))
	return s.session, nil
}

// Session returns the current session or nil
func (s *Supervisor) Session() *model.CallSession {
	return s.session
}

// SessionID returns the current session id, empty when idle
func (s *Supervisor) SessionID() string {
	if s.session == nil {
		return ""
	}
	return s.session.ID
}

// Busy reports whether a session is reserved, including while initiation is in flight
func (s *Supervisor) Busy() bool {
	return s.session != nil
}

// Active reports whether the session has a provider contact id
func (s *Supervisor) Active() bool {
	return s.session != nil && s.session.ContactID != ""
}

// Begin binds contactID to the session and prepares a status channel dial.
// It returns the generation the dial result must present to Attach, and any
// previously held connection, which the caller must close.
func (s *Supervisor) Begin(contactID string) (uint64, StatusConn) {
	prior := s.conn
	s.conn = nil
	s.gen++
	if s.session != nil {
		s.session.ContactID = contactID
	}
	s.health = model.HealthConnecting
	return s.gen, prior
}

// Current reports whether gen still identifies the live status channel
func (s *Supervisor) Current(gen uint64) bool {
	return s.session != nil && gen == s.gen
}

// Attach stores the dialed connection. It returns false for a stale
// generation, in which case the caller owns conn and must close it.
func (s *Supervisor) Attach(gen uint64, conn StatusConn) bool {
	if !s.Current(gen) {
		return false
	}
	s.conn = conn
	s.health = model.HealthConnected
	return true
}

// Fail records a dial or socket error for gen
func (s *Supervisor) Fail(gen uint64) bool {
	if !s.Current(gen) {
		return false
	}
	s.conn = nil
	s.health = model.HealthError
	return true
}

// Closed records that the channel for gen went away
func (s *Supervisor) Closed(gen uint64) bool {
	if !s.Current(gen) {
		return false
	}
	s.conn = nil
	s.health = model.HealthDisconnected
	return true
}

// Release drops the session and returns the status connection to close, if
// any. Calling it without a session is a no-op.
func (s *Supervisor) Release() (StatusConn, *model.CallSession) {
	sess := s.session
	conn := s.conn
	s.session = nil
	s.conn = nil
	s.gen++
	if s.health != model.HealthError {
		s.health = model.HealthDisconnected
	}
	if s.call != nil {
		s.Retire(s.call.ID())
	}
	if sess != nil {
		s.Retire(sess.ContactID)
	}
	s.call = nil
	s.mediaConnected = false
	return conn, sess
}

// Health returns the status channel health
func (s *Supervisor) Health() model.ConnectionHealth {
	return s.health
}

// Retire records a connection or contact id that must never be bound again
func (s *Supervisor) Retire(id string) {
	if id == "" {
		return
	}
	if len(s.retired) >= maxRetiredConnections {
		s.retired = make(map[string]struct{})
	}
	s.retired[id] = struct{}{}
}

// SetStrictBinding makes BindConnection require the connection id to equal
// the session's contact id once it is known. Use it when the provider and the
// dialer share call identifiers.
func (s *Supervisor) SetStrictBinding(v bool) {
	s.strict = v
}

// BindConnection associates the telephony connection with the session.
// Connections of released calls are refused, as is a second connection
// once one is bound.
func (s *Supervisor) BindConnection(conn Connection) bool {
	if s.session == nil || conn == nil {
		return false
	}
	id := conn.ID()
	if id != "" {
		if _, old := s.retired[id]; old {
			return false
		}
	}
	if s.call != nil && s.call.ID() != id {
		return false
	}
	if s.strict && s.session.ContactID != "" && s.session.ContactID != id {
		return false
	}
	s.call = conn
	return true
}

// Connection returns the telephony connection, or nil
func (s *Supervisor) Connection() Connection {
	return s.call
}

// SetMediaConnected records the media leg state
func (s *Supervisor) SetMediaConnected(v bool) {
	s.mediaConnected = v
}

// MediaConnected reports whether the media leg is up
func (s *Supervisor) MediaConnected() bool {
	return s.mediaConnected
}
