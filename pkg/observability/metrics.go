package observability

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Metrics tracks relay counters for one process. All fields are safe for
// concurrent use.
type Metrics struct {
	CodesReserved    atomic.Int64
	CodeCollisions   atomic.Int64
	RequestsReceived atomic.Int64
	RequestsBusy     atomic.Int64
	SessionsAccepted atomic.Int64
	SessionsRejected atomic.Int64
	SessionsStopped  atomic.Int64
	CaptureFailures  atomic.Int64

	FramesPublished  atomic.Int64
	FramesDuplicate  atomic.Int64
	FramesObserved   atomic.Int64
	FrameBytesOut    atomic.Int64
	ControlSent      atomic.Int64
	ControlDropped   atomic.Int64
	ControlApplied   atomic.Int64
	ControlRejected  atomic.Int64
	ControlOverwrote atomic.Int64

	ViewersConnected atomic.Int64
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Discard is a Metrics sink for callers that do not export counters.
var Discard = NewMetrics()

// WritePrometheus renders the counters in Prometheus text exposition format.
func (m *Metrics) WritePrometheus(w io.Writer, serviceName string) {
	counters := []struct {
		name string
		help string
		val  *atomic.Int64
	}{
		{"deskrelay_codes_reserved_total", "Session codes reserved.", &m.CodesReserved},
		{"deskrelay_code_collisions_total", "Code draws that hit an existing entry.", &m.CodeCollisions},
		{"deskrelay_requests_total", "Access requests received by hosts.", &m.RequestsReceived},
		{"deskrelay_requests_busy_total", "Access requests refused because a handshake was outstanding.", &m.RequestsBusy},
		{"deskrelay_sessions_accepted_total", "Sessions accepted by the host.", &m.SessionsAccepted},
		{"deskrelay_sessions_rejected_total", "Sessions rejected by the host.", &m.SessionsRejected},
		{"deskrelay_sessions_stopped_total", "Sessions stopped.", &m.SessionsStopped},
		{"deskrelay_capture_failures_total", "Sessions stopped by a capture failure.", &m.CaptureFailures},
		{"deskrelay_frames_published_total", "Frames written to the stream key.", &m.FramesPublished},
		{"deskrelay_frames_duplicate_total", "Frames skipped because they matched the previous frame.", &m.FramesDuplicate},
		{"deskrelay_frames_observed_total", "Frames delivered to subscribers.", &m.FramesObserved},
		{"deskrelay_frame_bytes_out_total", "Encoded frame bytes written.", &m.FrameBytesOut},
		{"deskrelay_control_sent_total", "Control events published by clients.", &m.ControlSent},
		{"deskrelay_control_dropped_total", "Control events dropped at the sender by the permission gate.", &m.ControlDropped},
		{"deskrelay_control_applied_total", "Control events applied by hosts.", &m.ControlApplied},
		{"deskrelay_control_rejected_total", "Control events refused by the host-side permission gate.", &m.ControlRejected},
		{"deskrelay_control_overwritten_total", "Control events lost to the delivery window.", &m.ControlOverwrote},
		{"deskrelay_viewers_connected_total", "Browser viewers bridged by the gateway.", &m.ViewersConnected},
	}
	for _, c := range counters {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
		_, _ = fmt.Fprintf(w, "%s{service=%q} %d\n", c.name, serviceName, c.val.Load())
	}
}
