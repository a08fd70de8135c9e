package events

import "context"

// Producer emits security events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Emit sends a single event. Implementations may block briefly; use EmitAsync from request paths.
	Emit(ctx context.Context, event *SecurityEvent) error
	// Close releases resources. Safe to call if already closed.
	Close() error
}
