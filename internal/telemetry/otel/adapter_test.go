package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/cgb37/quart-mysql-scaffold/internal/events"
)

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	rec otellog.Record
	n   int
}

func (r *recordCapture) Emit(_ context.Context, rec otellog.Record) {
	r.rec = rec
	r.n++
}

func attributes(rec otellog.Record) map[string]string {
	attrs := make(map[string]string)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	return attrs
}

func TestNewEventProducer_NilProvider(t *testing.T) {
	if p := NewEventProducer(nil); p != nil {
		t.Errorf("NewEventProducer(nil) = %v, want nil", p)
	}
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	if p := NewEventProducer(provider); p == nil {
		t.Error("NewEventProducer(provider) returned nil")
	}
}

func TestEmit_ReplayMapping(t *testing.T) {
	cap := &recordCapture{}
	p := newLogProducer(cap)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := p.Emit(context.Background(), &events.SecurityEvent{
		ID:         "ev-1",
		Type:       events.TypeTokenReplay,
		IdentityID: "id-1",
		SessionID:  "sess-1",
		Kind:       "token_replay",
		IP:         "203.0.113.7",
		Metadata:   map[string]any{"reason": "superseded"},
		OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rec := cap.rec
	if !rec.Timestamp().Equal(at) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp(), at)
	}
	if rec.Severity() != otellog.SeverityWarn {
		t.Errorf("severity = %v, want warn", rec.Severity())
	}
	if rec.EventName() != "security.token_replay" {
		t.Errorf("event name = %q", rec.EventName())
	}
	if got := string(rec.Body().AsBytes()); got != `{"reason":"superseded"}` {
		t.Errorf("body = %q", got)
	}
	want := map[string]string{
		"event.id": "ev-1", "event.type": "token_replay", "identity_id": "id-1",
		"session_id": "sess-1", "kind": "token_replay", "client.ip": "203.0.113.7",
	}
	attrs := attributes(rec)
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %q = %q, want %q", k, attrs[k], v)
		}
	}
	if _, ok := attrs["user_agent"]; ok {
		t.Error("empty user agent should not be recorded")
	}
}

func TestEmit_NoMetadataNoBody(t *testing.T) {
	cap := &recordCapture{}
	p := newLogProducer(cap)
	if err := p.Emit(context.Background(), &events.SecurityEvent{ID: "ev-2", Type: events.TypeLogin, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !cap.rec.Body().Empty() {
		t.Error("body should be empty without metadata")
	}
	if cap.rec.Severity() != otellog.SeverityInfo {
		t.Errorf("severity = %v, want info", cap.rec.Severity())
	}
}

func TestEmit_NilEvent(t *testing.T) {
	cap := &recordCapture{}
	if err := newLogProducer(cap).Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(nil): %v", err)
	}
	if cap.n != 0 {
		t.Error("nil event should not be emitted")
	}
}
