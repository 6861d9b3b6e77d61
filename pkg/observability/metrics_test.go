package observability

import (
	"bytes"
	"strings"
	"testing"
)

func TestWritePrometheus(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.FramesPublished.Add(3)
	m.ControlDropped.Add(1)

	var buf bytes.Buffer
	m.WritePrometheus(&buf, "host")
	out := buf.String()
	for _, want := range []string{
		`deskrelay_frames_published_total{service="host"} 3`,
		`deskrelay_control_dropped_total{service="host"} 1`,
		`# TYPE deskrelay_sessions_stopped_total counter`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}
