package db

import (
	"context"
	"testing"
	"time"
)

func TestOpen_EmptyURL(t *testing.T) {
	db, err := Open(context.Background(), Config{})
	if err == nil {
		db.Close()
		t.Fatal("Open with empty URL should return error")
	}
	if db != nil {
		t.Error("Open should return nil db when error occurs")
	}
}

func TestOpen_InvalidURL(t *testing.T) {
	testCases := []struct {
		name string
		url  string
	}{
		{"invalid format", "://not a url"},
		{"unknown param", "postgres://localhost:5432/db?pool_max_conns=abc"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, err := Open(context.Background(), Config{URL: tc.url})
			if err == nil {
				db.Close()
				t.Fatalf("Open(%q) should fail", tc.url)
			}
		})
	}
}

func TestWithTimeout(t *testing.T) {
	d := &DB{QueryTimeout: 50 * time.Millisecond}
	ctx, cancel := d.WithTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if time.Until(deadline) > 50*time.Millisecond {
		t.Errorf("deadline too far: %v", time.Until(deadline))
	}

	unbounded := &DB{}
	ctx2, cancel2 := unbounded.WithTimeout(context.Background())
	defer cancel2()
	if _, ok := ctx2.Deadline(); ok {
		t.Error("zero QueryTimeout should not set a deadline")
	}
}
