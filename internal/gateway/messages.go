package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deskrelay/deskrelay/internal/controlrelay"
	"github.com/deskrelay/deskrelay/internal/session"
)

// Server to browser message types. Frame images follow their "frame"
// header as a separate binary message.
const (
	msgPending  = "pending"
	msgAccepted = "accepted"
	msgFrame    = "frame"
	msgBlank    = "blank"
	msgStopped  = "stopped"
	msgError    = "error"
)

var ErrInvalidMessage = errors.New("invalid viewer input message")

type serverMessage struct {
	Type        string                 `json:"type"`
	Host        string                 `json:"host,omitempty"`
	Requester   string                 `json:"requester,omitempty"`
	Permissions *session.PermissionSet `json:"permissions,omitempty"`
	Seq         uint64                 `json:"seq,omitempty"`
	ContentType string                 `json:"content_type,omitempty"`
	CapturedAt  *time.Time             `json:"captured_at,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
}

// inputMessage is one input event from the browser. Coordinates are
// either normalized or pixels on a surface of the given size.
type inputMessage struct {
	Kind   string  `json:"kind"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	Key    string  `json:"key,omitempty"`
}

func decodeInput(data []byte) (controlrelay.Event, error) {
	var in inputMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return controlrelay.Event{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	ev := controlrelay.Event{Kind: controlrelay.Kind(in.Kind), X: in.X, Y: in.Y, Key: in.Key}
	if ev.Kind.Mouse() && in.Width > 0 && in.Height > 0 {
		ev.X, ev.Y = controlrelay.Normalize(in.X, in.Y, in.Width, in.Height)
	}
	if err := ev.Validate(); err != nil {
		return controlrelay.Event{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return ev, nil
}
