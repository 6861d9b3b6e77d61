package session

import (
	"fmt"
	"sync"
	"time"
)

// Session is the host-owned state of one shared screen. It is safe for
// concurrent use; every transition happens under the lock.
type Session struct {
	mu sync.Mutex

	code        Code
	status      Status
	permissions *PermissionSet
	requester   Code
	createdAt   time.Time
	acceptedAt  *time.Time
	reason      error
	reusable    bool

	now func() time.Time
}

type Option func(*Session)

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Reusable lets a rejected code go back to Available for a new requester.
// The default is one requester per code.
func Reusable(reusable bool) Option {
	return func(s *Session) { s.reusable = reusable }
}

// New creates a session in the Available state.
func New(code Code, opts ...Option) *Session {
	s := &Session{
		code:   code,
		status: StatusAvailable,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.createdAt = s.now()
	return s
}

func (s *Session) Code() Code { return s.code }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Permissions returns the granted set, or false before acceptance.
func (s *Session) Permissions() (PermissionSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permissions == nil {
		return PermissionSet{}, false
	}
	return *s.permissions, true
}

func (s *Session) Requester() Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requester
}

// Reason returns why the session stopped, if it stopped with an error.
func (s *Session) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// IncomingRequest records a request from peer. Only an Available session
// accepts one; any later state answers ErrBusy instead of queueing.
func (s *Session) IncomingRequest(from Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusAvailable {
		return fmt.Errorf("%w: session %s is %s", ErrBusy, s.code, s.status)
	}
	s.status = StatusRequestPending
	s.requester = from
	return nil
}

// Withdraw resets a pending request back to Available.
func (s *Session) Withdraw() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(StatusRequestPending, StatusAvailable); err != nil {
		return err
	}
	s.status = StatusAvailable
	s.requester = ""
	return nil
}

// Grant accepts the pending request and freezes the permission set.
func (s *Session) Grant(g Grant) (PermissionSet, error) {
	if !g.Accept {
		return PermissionSet{}, s.Deny()
	}
	perms, err := g.Resolve()
	if err != nil {
		return PermissionSet{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(StatusRequestPending, StatusAccepted); err != nil {
		return PermissionSet{}, err
	}
	at := s.now()
	s.status = StatusAccepted
	s.permissions = &perms
	s.acceptedAt = &at
	return perms, nil
}

// Deny rejects the pending request.
func (s *Session) Deny() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(StatusRequestPending, StatusRejected); err != nil {
		return err
	}
	s.status = StatusRejected
	return nil
}

// Reopen returns a rejected session to Available when the code is reusable.
// It reports whether the session was reopened.
func (s *Session) Reopen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reusable || s.status != StatusRejected {
		return false
	}
	s.status = StatusAvailable
	s.requester = ""
	return true
}

// MarkStreaming records that the host's capture or control source is live.
func (s *Session) MarkStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(StatusAccepted, StatusStreaming); err != nil {
		return err
	}
	s.status = StatusStreaming
	return nil
}

// Stop moves the session to Stopped. A nil reason means an orderly stop.
// Stopping twice is a no-op and reports false.
func (s *Session) Stop(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStopped {
		return false
	}
	s.status = StatusStopped
	s.reason = reason
	return true
}

// View snapshots the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		Code:      s.code,
		Status:    s.status,
		Requester: s.requester,
		CreatedAt: s.createdAt,
	}
	if s.permissions != nil {
		p := *s.permissions
		v.Permissions = &p
	}
	if s.acceptedAt != nil {
		at := *s.acceptedAt
		v.AcceptedAt = &at
	}
	if s.reason != nil {
		v.Reason = s.reason.Error()
	}
	return v
}

func (s *Session) expect(from, to Status) error {
	if s.status != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, s.status)
	}
	return nil
}
