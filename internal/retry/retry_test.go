package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
)

func fastPolicy() Policy {
	p := Default("test")
	p.Initial = time.Millisecond
	p.Max = 2 * time.Millisecond
	return p
}

func TestDo_RetriesInfrastructureFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		if calls < 3 {
			return autherr.Unavailable("store", errors.New("conn refused"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsOnAuthFailure(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return autherr.ErrTokenReplay
	})
	if !errors.Is(err, autherr.ErrTokenReplay) {
		t.Fatalf("want ErrTokenReplay, got %v", err)
	}
	if calls != 1 {
		t.Errorf("auth failure retried: calls = %d", calls)
	}
}

func TestValue_ExhaustsAttempts(t *testing.T) {
	p := fastPolicy()
	p.Attempts = 2
	calls := 0
	_, err := Value(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, autherr.Unavailable("store", errors.New("timeout"))
	})
	if !errors.Is(err, autherr.ErrInfrastructureUnavailable) {
		t.Fatalf("want infrastructure error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
