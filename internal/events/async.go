package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// emitTimeout is the max time allowed for a single emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the servers stop before
// closing the producer, so in-flight async emits can finish.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine so the caller is not blocked. The goroutine
// uses its own timeout; request cancellation does not abort an in-flight emit.
// producer and event may be nil.
func EmitAsync(producer Producer, event *SecurityEvent, logger *zap.Logger) {
	if producer == nil || event == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := producer.Emit(ctx, event); err != nil && logger != nil {
			logger.Warn("async security event emit failed", zap.String("type", event.Type), zap.Error(err))
		}
	}()
}
