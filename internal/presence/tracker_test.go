package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipsync/internal/store"
)

type mockWriter struct {
	mu         sync.Mutex
	calls      []store.Presence
	UpsertFunc func(p store.Presence) error
}

func (w *mockWriter) UpsertPresence(_ context.Context, p store.Presence) error {
	w.mu.Lock()
	w.calls = append(w.calls, p)
	fn := w.UpsertFunc
	w.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	return nil
}

func (w *mockWriter) Calls() []store.Presence {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]store.Presence(nil), w.calls...)
}

func runTracker(t *testing.T, tr *Tracker) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("tracker did not stop")
		}
	}
}

func TestTracker_AppliesInOrder(t *testing.T) {
	w := &mockWriter{}
	tr := NewTracker(w, 8)
	stop := runTracker(t, tr)

	tr.Online("user-1", "A", "Laptop")
	tr.Offline("user-1", "A")
	tr.Online("user-1", "A", "Laptop")

	require.Eventually(t, func() bool { return len(w.Calls()) == 3 }, time.Second, 5*time.Millisecond)
	stop()

	calls := w.Calls()
	assert.True(t, calls[0].Online)
	assert.Equal(t, "Laptop", calls[0].Name)
	assert.False(t, calls[1].Online)
	assert.Empty(t, calls[1].Name)
	assert.True(t, calls[2].Online)
	for _, c := range calls {
		assert.False(t, c.At.IsZero())
	}
}

func TestTracker_RetriesOnce(t *testing.T) {
	testCases := []struct {
		name      string
		failures  int
		wantCalls int
	}{
		{name: "transient failure succeeds on retry", failures: 1, wantCalls: 2},
		{name: "second failure is dropped", failures: 5, wantCalls: 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var mu sync.Mutex
			failures := tc.failures
			w := &mockWriter{UpsertFunc: func(store.Presence) error {
				mu.Lock()
				defer mu.Unlock()
				if failures > 0 {
					failures--
					return errors.New("db down")
				}
				return nil
			}}
			tr := NewTracker(w, 8)
			stop := runTracker(t, tr)
			defer stop()

			tr.Online("user-1", "A", "Laptop")
			require.Eventually(t, func() bool { return len(w.Calls()) == tc.wantCalls }, time.Second, 5*time.Millisecond)

			// The next update proceeds normally after a drop.
			mu.Lock()
			failures = 0
			mu.Unlock()
			tr.Offline("user-1", "A")
			require.Eventually(t, func() bool { return len(w.Calls()) == tc.wantCalls+1 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestTracker_OnChangeAfterWrite(t *testing.T) {
	var mu sync.Mutex
	var changed []string
	w := &mockWriter{UpsertFunc: func(p store.Presence) error {
		if p.DeviceID == "broken" {
			return errors.New("db down")
		}
		return nil
	}}
	tr := NewTracker(w, 8).WithOnChange(func(userID string) {
		mu.Lock()
		defer mu.Unlock()
		// The write must already be visible when the callback runs.
		assert.NotEmpty(t, w.Calls())
		changed = append(changed, userID)
	})

	tr.Online("user-1", "A", "Laptop")
	tr.Online("user-2", "broken", "Phone")
	tr.Offline("user-3", "C")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"user-1", "user-3"}, changed)
}

func TestTracker_NeverBlocksCaller(t *testing.T) {
	block := make(chan struct{})
	w := &mockWriter{UpsertFunc: func(store.Presence) error {
		<-block
		return nil
	}}
	tr := NewTracker(w, 1)
	stop := runTracker(t, tr)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			tr.Online("user-1", "A", "Laptop")
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Online blocked on a stalled directory")
	}
	close(block)
	stop()
}

func TestTracker_DrainsOnShutdown(t *testing.T) {
	w := &mockWriter{}
	tr := NewTracker(w, 8)

	tr.Online("user-1", "A", "Laptop")
	tr.Offline("user-1", "B")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.Run(ctx)

	assert.Len(t, w.Calls(), 2)
}
