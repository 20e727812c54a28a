package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type mockDLQPurger struct {
	purgeFunc func(ctx context.Context, retention time.Duration) (int, error)
}

func (m *mockDLQPurger) PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	if m.purgeFunc != nil {
		return m.purgeFunc(ctx, retention)
	}
	return 0, nil
}

var _ DLQPurger = (*mockDLQPurger)(nil)

func TestGarbageCollector_Collect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		purger      DLQPurger
		expectError bool
	}{
		{name: "nil purger", purger: nil},
		{
			name: "purges with retention",
			purger: &mockDLQPurger{purgeFunc: func(_ context.Context, retention time.Duration) (int, error) {
				if retention != 24*time.Hour {
					return 0, errors.New("unexpected retention")
				}
				return 3, nil
			}},
		},
		{
			name: "purger error",
			purger: &mockDLQPurger{purgeFunc: func(context.Context, time.Duration) (int, error) {
				return 0, errors.New("purge failed")
			}},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gc := NewGarbageCollector(tt.purger, time.Minute, 24*time.Hour, nil)
			err := gc.collect(context.Background())
			if tt.expectError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestGarbageCollector_Start_StopsOnCancel(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mock := &mockDLQPurger{purgeFunc: func(context.Context, time.Duration) (int, error) {
		calls.Add(1)
		return 0, nil
	}}
	gc := NewGarbageCollector(mock, 5*time.Millisecond, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gc.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("Expected at least one purge")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Start to return after cancel")
	}
}
