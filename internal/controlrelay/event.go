// Package controlrelay carries input events from the client to the host.
// Every event passes a permission gate on both ends.
package controlrelay

import (
	"errors"
	"fmt"
	"math"

	"github.com/deskrelay/deskrelay/internal/contracts"
	"github.com/deskrelay/deskrelay/internal/session"
)

var ErrUnknownKind = errors.New("unknown control event kind")

type Kind string

const (
	KindMouseMove Kind = "mousemove"
	KindMouseDown Kind = "mousedown"
	KindMouseUp   Kind = "mouseup"
	KindKeyDown   Kind = "keydown"
	KindKeyUp     Kind = "keyup"

	// KindClick is sent by older clients. It is expanded into a press and
	// a release at the same position.
	KindClick Kind = "click"
)

func (k Kind) Mouse() bool {
	switch k {
	case KindMouseMove, KindMouseDown, KindMouseUp, KindClick:
		return true
	}
	return false
}

func (k Kind) Keyboard() bool {
	return k == KindKeyDown || k == KindKeyUp
}

// Event is one input action. X and Y are normalized to [0,1] and only
// meaningful for mouse kinds; Key only for keyboard kinds.
type Event struct {
	Kind Kind
	X, Y float64
	Key  string
}

func MouseMove(x, y float64) Event { return Event{Kind: KindMouseMove, X: x, Y: y} }
func MouseDown(x, y float64) Event { return Event{Kind: KindMouseDown, X: x, Y: y} }
func MouseUp(x, y float64) Event   { return Event{Kind: KindMouseUp, X: x, Y: y} }
func KeyDown(key string) Event     { return Event{Kind: KindKeyDown, Key: key} }
func KeyUp(key string) Event       { return Event{Kind: KindKeyUp, Key: key} }

func (e Event) Validate() error {
	if !e.Kind.Mouse() && !e.Kind.Keyboard() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.Kind.Keyboard() && e.Key == "" {
		return fmt.Errorf("%s without key", e.Kind)
	}
	return nil
}

// Allowed reports whether perms admit ev. Mouse kinds need mouseControl,
// keyboard kinds need keyboardControl.
func Allowed(perms session.PermissionSet, ev Event) bool {
	switch {
	case ev.Kind.Mouse():
		return perms.MouseControl
	case ev.Kind.Keyboard():
		return perms.KeyboardControl
	default:
		return false
	}
}

// Expand turns a legacy click into its press and release.
func Expand(ev Event) []Event {
	if ev.Kind == KindClick {
		return []Event{MouseDown(ev.X, ev.Y), MouseUp(ev.X, ev.Y)}
	}
	return []Event{ev}
}

// Normalize maps a pixel position on a width x height surface to [0,1].
// Positions outside the surface are clamped to its edge.
func Normalize(px, py, width, height float64) (float64, float64) {
	return clampUnit(ratio(px, width)), clampUnit(ratio(py, height))
}

// Denormalize maps a normalized position onto a width x height screen.
func Denormalize(x, y float64, width, height int) (int, int) {
	return scale(x, width), scale(y, height)
}

func ratio(v, extent float64) float64 {
	if extent <= 0 {
		return 0
	}
	return v / extent
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func scale(v float64, extent int) int {
	if extent <= 0 {
		return 0
	}
	return int(math.Round(clampUnit(v) * float64(extent-1)))
}

func toWire(seq uint64, ev Event) contracts.ControlEventV1 {
	return contracts.ControlEventV1{Seq: seq, Kind: string(ev.Kind), X: ev.X, Y: ev.Y, Key: ev.Key}
}

func fromWire(w contracts.ControlEventV1) Event {
	return Event{Kind: Kind(w.Kind), X: clampUnit(w.X), Y: clampUnit(w.Y), Key: w.Key}
}
