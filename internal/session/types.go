package session

import (
	"fmt"
	"time"
)

// Code is the short human-readable session locator.
type Code string

func (c Code) String() string { return string(c) }

type Status string

const (
	StatusAvailable      Status = "available"
	StatusRequestPending Status = "request_pending"
	StatusAccepted       Status = "accepted"
	StatusRejected       Status = "rejected"
	StatusStreaming      Status = "streaming"
	StatusStopped        Status = "stopped"
)

var validStatuses = map[Status]struct{}{
	StatusAvailable:      {},
	StatusRequestPending: {},
	StatusAccepted:       {},
	StatusRejected:       {},
	StatusStreaming:      {},
	StatusStopped:        {},
}

// ParseStatus validates a wire status value.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validStatuses[st]; !ok {
		return "", fmt.Errorf("unknown session status %q", s)
	}
	return st, nil
}

// Terminal reports whether no further transition can leave the status.
// Rejected is terminal for the request, not necessarily for the code.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusRejected
}

// PermissionSet is the capability grant produced once, at acceptance.
type PermissionSet struct {
	ScreenShare     bool `json:"screenShare"`
	MouseControl    bool `json:"mouseControl"`
	KeyboardControl bool `json:"keyboardControl"`
	FileTransfer    bool `json:"fileTransfer"`
}

// AllAccess returns a set with every capability enabled.
func AllAccess() PermissionSet {
	return PermissionSet{ScreenShare: true, MouseControl: true, KeyboardControl: true, FileTransfer: true}
}

// Any reports whether at least one capability is granted.
func (p PermissionSet) Any() bool {
	return p.ScreenShare || p.MouseControl || p.KeyboardControl || p.FileTransfer
}

// Grant is the host's answer to a pending request. Permissions may be nil
// only when Accept is false. AllAccess overrides the individual flags.
type Grant struct {
	Accept      bool
	Permissions *PermissionSet
	AllAccess   bool
}

// Resolve expands the grant into the permission set that gets stored.
func (g Grant) Resolve() (PermissionSet, error) {
	if !g.Accept {
		return PermissionSet{}, nil
	}
	if g.AllAccess {
		return AllAccess(), nil
	}
	if g.Permissions == nil {
		return PermissionSet{}, ErrPermissionsRequired
	}
	return *g.Permissions, nil
}

// View is a read-only projection of a Session.
type View struct {
	Code        Code           `json:"code"`
	Status      Status         `json:"status"`
	Permissions *PermissionSet `json:"permissions,omitempty"`
	Requester   Code           `json:"requester,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	AcceptedAt  *time.Time     `json:"accepted_at,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}
