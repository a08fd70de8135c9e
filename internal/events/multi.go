package events

import (
	"context"
	"errors"
)

// Multi fans every event out to all non-nil producers. It returns nil when
// none are left, so callers can keep their nil checks.
func Multi(producers ...Producer) Producer {
	var live multi
	for _, p := range producers {
		if p != nil {
			live = append(live, p)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return live
}

type multi []Producer

func (m multi) Emit(ctx context.Context, event *SecurityEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
