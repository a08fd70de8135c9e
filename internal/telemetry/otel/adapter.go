package otel

import (
	"context"
	"encoding/json"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/cgb37/quart-mysql-scaffold/internal/events"
)

const scopeName = "authcore.security"

// NewEventProducer returns an events.Producer that writes security events as
// OTel log records, so they reach the collector next to traces. A nil provider
// yields nil, which events.Multi drops.
func NewEventProducer(provider *sdklog.LoggerProvider) events.Producer {
	if provider == nil {
		return nil
	}
	return newLogProducer(provider.Logger(scopeName))
}

// recordEmitter is the part of otellog.Logger the producer uses.
type recordEmitter interface {
	Emit(ctx context.Context, record otellog.Record)
}

func newLogProducer(l recordEmitter) *logProducer {
	return &logProducer{logger: l}
}

type logProducer struct {
	logger recordEmitter
}

func (p *logProducer) Emit(ctx context.Context, event *events.SecurityEvent) error {
	if event == nil {
		return nil
	}
	var rec otellog.Record
	rec.SetTimestamp(event.OccurredAt)
	rec.SetEventName("security." + event.Type)
	rec.SetSeverity(severity(event))
	if len(event.Metadata) > 0 {
		body, err := json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
		rec.SetBody(otellog.BytesValue(body))
	}
	attrs := []otellog.KeyValue{
		otellog.String("event.id", event.ID),
		otellog.String("event.type", event.Type),
	}
	for _, kv := range [][2]string{
		{"identity_id", event.IdentityID},
		{"session_id", event.SessionID},
		{"kind", event.Kind},
		{"client.ip", event.IP},
		{"user_agent", event.UserAgent},
	} {
		if kv[1] != "" {
			attrs = append(attrs, otellog.String(kv[0], kv[1]))
		}
	}
	rec.AddAttributes(attrs...)
	p.logger.Emit(ctx, rec)
	return nil
}

// Close is a no-op; the LoggerProvider is shut down with the other providers.
func (p *logProducer) Close() error { return nil }

func severity(event *events.SecurityEvent) otellog.Severity {
	switch event.Type {
	case events.TypeTokenReplay:
		return otellog.SeverityWarn
	case events.TypeLoginFailure:
		return otellog.SeverityInfo2
	}
	return otellog.SeverityInfo
}
