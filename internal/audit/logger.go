// Package audit records security-relevant actions to the audit_logs table and
// mirrors them to the security event stream.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/audit/domain"
	auditrepo "github.com/cgb37/quart-mysql-scaffold/internal/audit/repository"
	"github.com/cgb37/quart-mysql-scaffold/internal/events"
)

// Client is the caller's network identity, attached to the request context by the transport.
type Client struct {
	IP        string
	UserAgent string
}

type clientKey struct{}

// WithClient returns ctx carrying c.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFrom returns the client stored by WithClient. IP is "unknown" when absent.
func ClientFrom(ctx context.Context) Client {
	c, _ := ctx.Value(clientKey{}).(Client)
	if c.IP == "" {
		c.IP = "unknown"
	}
	return c
}

// Event is one auditable action.
type Event struct {
	IdentityID string
	SessionID  string
	Action     string
	Resource   string
	// Kind is the failure kind for failed actions, empty on success.
	Kind     string
	Metadata map[string]any
}

// Recorder writes audit events. Record is best-effort: failures are logged and
// never affect the caller.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Logger implements Recorder using the audit repository and an optional event producer.
type Logger struct {
	repo     auditrepo.Repository
	producer events.Producer
	logger   *zap.Logger
	now      func() time.Time
}

// NewLogger returns a Recorder. repo and producer may each be nil.
func NewLogger(repo auditrepo.Repository, producer events.Producer, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{repo: repo, producer: producer, logger: logger.Named("audit"), now: time.Now}
}

// Record writes one audit log entry and publishes the matching security event.
func (l *Logger) Record(ctx context.Context, ev Event) {
	client := ClientFrom(ctx)
	at := l.now().UTC()
	id := uuid.NewString()

	meta := ev.Metadata
	if ev.SessionID != "" || ev.Kind != "" {
		meta = make(map[string]any, len(ev.Metadata)+2)
		for k, v := range ev.Metadata {
			meta[k] = v
		}
		if ev.SessionID != "" {
			meta["session_id"] = ev.SessionID
		}
		if ev.Kind != "" {
			meta["kind"] = ev.Kind
		}
	}

	if l.repo != nil {
		entry := &domain.AuditLog{
			ID:         id,
			IdentityID: ev.IdentityID,
			Action:     ev.Action,
			Resource:   ev.Resource,
			IP:         client.IP,
			UserAgent:  client.UserAgent,
			Metadata:   meta,
			CreatedAt:  at,
		}
		// Detached from request cancellation: a client hanging up must not drop the audit row.
		if err := l.repo.Create(context.WithoutCancel(ctx), entry); err != nil {
			l.logger.Warn("failed to log audit event",
				zap.String("action", ev.Action),
				zap.String("resource", ev.Resource),
				zap.Error(err),
			)
		}
	}

	events.EmitAsync(l.producer, &events.SecurityEvent{
		ID:         id,
		Type:       ev.Action,
		IdentityID: ev.IdentityID,
		SessionID:  ev.SessionID,
		Kind:       ev.Kind,
		IP:         client.IP,
		UserAgent:  client.UserAgent,
		Metadata:   ev.Metadata,
		OccurredAt: at,
	}, l.logger)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
