package contracts

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/bus"
)

func TestGoldenVectors(t *testing.T) {
	t.Parallel()
	files, err := filepath.Glob("testdata/*.json")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected golden vectors")
	}
	for _, file := range files {
		file := file
		t.Run(filepath.Base(file), func(t *testing.T) {
			t.Parallel()
			raw, err := os.ReadFile(file)
			if err != nil {
				t.Fatalf("read %s: %v", file, err)
			}
			env, err := UnmarshalEnvelope(raw)
			if err != nil {
				t.Fatalf("unmarshal envelope: %v", err)
			}
			if env.Code != "042913" {
				t.Fatalf("unexpected code %q", env.Code)
			}
			if _, err := DecodeV1Payload(env); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
		})
	}
}

func TestMarshalRoundTripAllV1Types(t *testing.T) {
	t.Parallel()
	ts := time.Now().UTC().Round(time.Second)
	tests := []struct {
		name    string
		typ     EventType
		payload any
	}{
		{"reserved", EventSessionReserved, SessionReservedV1{Code: "042913"}},
		{"accepted", EventSessionAccepted, SessionAcceptedV1{Code: "042913", Requester: "771204", Permissions: session.AllAccess()}},
		{"rejected", EventSessionRejected, SessionRejectedV1{Code: "042913", Requester: "771204", Reason: "declined"}},
		{"stopped", EventSessionStopped, SessionStoppedV1{Code: "042913", Reason: "host stopped"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := MarshalV1("evt-1", tt.typ, ts, "corr-1", "042913", tt.payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			env, err := UnmarshalEnvelope(raw)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			dec, err := DecodeV1Payload(env)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			got, _ := json.Marshal(dec)
			want, _ := json.Marshal(tt.payload)
			if string(got) != string(want) {
				t.Fatalf("mismatch got=%s want=%s", got, want)
			}
		})
	}
}

func TestUnknownEventTypeRejected(t *testing.T) {
	t.Parallel()
	if _, err := MarshalV1("evt-1", EventType("session.exploded"), time.Now(), "", "042913", struct{}{}); !errors.Is(err, ErrInvalidEventType) {
		t.Fatalf("expected ErrInvalidEventType, got %v", err)
	}
	if _, err := SubjectForType(EventType("nope")); !errors.Is(err, ErrInvalidEventType) {
		t.Fatalf("expected ErrInvalidEventType, got %v", err)
	}
}

func TestSubjectForType(t *testing.T) {
	t.Parallel()
	want := map[EventType]string{
		EventSessionReserved: bus.SubjectSessionReserved,
		EventSessionAccepted: bus.SubjectSessionAccepted,
		EventSessionRejected: bus.SubjectSessionRejected,
		EventSessionStopped:  bus.SubjectSessionStopped,
	}
	for typ, subject := range want {
		got, err := SubjectForType(typ)
		if err != nil || got != subject {
			t.Fatalf("%s: got %q %v", typ, got, err)
		}
	}
}

func TestRecordValidation(t *testing.T) {
	t.Parallel()
	perms := session.AllAccess()
	tests := []struct {
		name string
		rec  validator
		ok   bool
	}{
		{"request ok", RequestRecord{From: "771204", RequestID: "r-1"}, true},
		{"request without id", RequestRecord{From: "771204"}, false},
		{"accepted with permissions", DecisionRecord{Host: "042913", Outcome: OutcomeAccepted, Permissions: &perms}, true},
		{"accepted without permissions", DecisionRecord{Host: "042913", Outcome: OutcomeAccepted}, false},
		{"busy", DecisionRecord{Host: "042913", Outcome: OutcomeBusy}, true},
		{"unknown outcome", DecisionRecord{Host: "042913", Outcome: "maybe"}, false},
		{"status ok", StatusRecord{Code: "042913", Status: session.StatusStreaming}, true},
		{"status unknown", StatusRecord{Code: "042913", Status: "paused"}, false},
		{"batch without sender", ControlBatch{}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.rec.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := Decode[DecisionRecord]([]byte("{not json")); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	raw, err := Encode(RequestRecord{From: "771204", RequestID: "r-1"})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := Decode[RequestRecord](raw)
	if err != nil || rec.From != "771204" {
		t.Fatalf("decode: %+v %v", rec, err)
	}
}
