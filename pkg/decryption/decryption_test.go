package decryption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glasswing-im/sdk-go/pkg/crypto"
	"github.com/glasswing-im/sdk-go/pkg/emitter"
	"github.com/glasswing-im/sdk-go/pkg/event"
)

// fakeEngine decrypts only the sessions it has been given keys for.
type fakeEngine struct {
	mu       sync.Mutex
	known    map[string]bool
	failWith error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{known: make(map[string]bool)}
}

func (f *fakeEngine) addKey(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[sessionID] = true
}

func (f *fakeEngine) DecryptRoomEvent(ctx context.Context, ev *event.Event) (*event.DecryptionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	sessionID := ev.SessionID()
	if !f.known[sessionID] {
		return nil, fmt.Errorf("session %s: %w", sessionID, crypto.ErrMissingRoomKey)
	}
	return &event.DecryptionResult{
		ClearType:    "m.room.message",
		ClearContent: map[string]any{"body": "clear:" + ev.ID},
	}, nil
}

func encryptedEvent(id, sessionID string) *event.Event {
	return &event.Event{
		ID:     id,
		RoomID: "!room:example.org",
		Type:   event.TypeEncrypted,
		Content: map[string]any{
			"algorithm":  event.AlgorithmMegolmV1,
			"session_id": sessionID,
			"ciphertext": "AAAA",
		},
	}
}

func newTestDecryptor(t *testing.T, engine crypto.RoomEventDecrypting) (*Decryptor, *emitter.Subscription) {
	t.Helper()
	updates := emitter.New()
	d := New(engine, updates)
	t.Cleanup(func() {
		d.Close()
		updates.Close()
	})

	sub, err := updates.Subscribe(16)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return d, sub
}

func waitForUpdate(t *testing.T, sub *emitter.Subscription) emitter.Update {
	t.Helper()
	select {
	case u := <-sub.C:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return nil
	}
}

func TestDecryptMissingKeyQueuesEvent(t *testing.T) {
	engine := newFakeEngine()
	d, _ := newTestDecryptor(t, engine)

	events := []*event.Event{
		encryptedEvent("$ev1", "s1"),
		encryptedEvent("$ev2", "s1"),
		encryptedEvent("$ev3", "s2"),
	}
	results := d.Decrypt(context.Background(), events)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if !errors.Is(r.Err, crypto.ErrMissingRoomKey) {
			t.Errorf("result %d: err = %v, want ErrMissingRoomKey", i, r.Err)
		}
	}
	if got := d.PendingCount(); got != 3 {
		t.Errorf("PendingCount() = %d, want 3", got)
	}
}

func TestDecryptSkipsNonMegolmEvents(t *testing.T) {
	engine := newFakeEngine()
	d, _ := newTestDecryptor(t, engine)

	events := []*event.Event{
		{ID: "$plain", Type: "m.room.message", Content: map[string]any{"body": "hi"}},
		{ID: "$olm", Type: event.TypeEncrypted, Content: map[string]any{
			"algorithm":  event.AlgorithmOlmV1,
			"session_id": "s1",
		}},
		{ID: "$nosession", Type: event.TypeEncrypted, Content: map[string]any{
			"algorithm": event.AlgorithmMegolmV1,
		}},
	}
	results := d.Decrypt(context.Background(), events)

	for i, r := range results {
		if r.Err != nil {
			t.Errorf("result %d: unexpected error %v", i, r.Err)
		}
		if r.Decrypted() {
			t.Errorf("result %d: unexpectedly decrypted", i)
		}
	}
	if got := d.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestDecryptOtherErrorsNotIndexed(t *testing.T) {
	engine := newFakeEngine()
	engine.failWith = errors.New("megolm index mismatch")
	d, _ := newTestDecryptor(t, engine)

	results := d.Decrypt(context.Background(), []*event.Event{encryptedEvent("$ev1", "s1")})
	if results[0].Err == nil {
		t.Fatal("expected error result")
	}
	// Only missing-key failures are retryable.
	if got := d.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestDecryptReturnsAttachedClearData(t *testing.T) {
	engine := newFakeEngine()
	d, _ := newTestDecryptor(t, engine)

	ev := encryptedEvent("$ev1", "s1")
	attached := &event.DecryptionResult{ClearType: "m.room.message", ClearContent: map[string]any{"body": "done"}}
	ev.SetClear(attached)

	results := d.Decrypt(context.Background(), []*event.Event{ev})
	if results[0] != attached {
		t.Error("expected previously attached result to be returned")
	}
}

func TestRoomKeyEventRetriesSession(t *testing.T) {
	engine := newFakeEngine()
	d, sub := newTestDecryptor(t, engine)
	ctx := context.Background()

	d.Decrypt(ctx, []*event.Event{
		encryptedEvent("$ev1", "s1"),
		encryptedEvent("$ev2", "s2"),
	})
	if got := d.PendingCount(); got != 2 {
		t.Fatalf("PendingCount() = %d, want 2", got)
	}

	engine.addKey("s1")
	d.HandlePossibleRoomKeyEvent(ctx, &event.Event{
		Type:    event.TypeRoomKey,
		Content: map[string]any{"session_id": "s1"},
	})

	update := waitForUpdate(t, sub)
	decrypted, ok := update.(emitter.EventDecrypted)
	if !ok {
		t.Fatalf("update = %T, want EventDecrypted", update)
	}
	if decrypted.Event.ID != "$ev1" {
		t.Errorf("decrypted event = %s, want $ev1", decrypted.Event.ID)
	}
	if clear := decrypted.Event.Clear(); clear == nil || clear.ClearContent["body"] != "clear:$ev1" {
		t.Errorf("clear data not applied: %v", clear)
	}

	// Only s1 was retried; s2 is still pending.
	if got := d.PendingCount(); got != 1 {
		t.Errorf("PendingCount() = %d, want 1", got)
	}
}

func TestRoomKeyEventWithoutSessionIsNoop(t *testing.T) {
	engine := newFakeEngine()
	d, _ := newTestDecryptor(t, engine)
	ctx := context.Background()

	d.Decrypt(ctx, []*event.Event{encryptedEvent("$ev1", "s1")})
	d.HandlePossibleRoomKeyEvent(ctx, &event.Event{
		Type:    "m.room.message",
		Content: map[string]any{"session_id": "s1"},
	})
	if got := d.PendingCount(); got != 1 {
		t.Errorf("PendingCount() = %d, want 1", got)
	}
}

func TestRetryAllUndecryptedEvents(t *testing.T) {
	engine := newFakeEngine()
	d, sub := newTestDecryptor(t, engine)
	ctx := context.Background()

	d.Decrypt(ctx, []*event.Event{
		encryptedEvent("$ev1", "s1"),
		encryptedEvent("$ev2", "s2"),
	})

	engine.addKey("s1")
	engine.addKey("s2")
	d.RetryAllUndecryptedEvents(ctx)

	waitForUpdate(t, sub)
	waitForUpdate(t, sub)

	if got := d.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestRetryLeavesUndecryptableEventsPending(t *testing.T) {
	engine := newFakeEngine()
	d, _ := newTestDecryptor(t, engine)
	ctx := context.Background()

	d.Decrypt(ctx, []*event.Event{encryptedEvent("$ev1", "s1")})
	d.RetryUndecryptedEvents(ctx, []string{"s1"})

	if got := d.PendingCount(); got != 1 {
		t.Errorf("PendingCount() = %d, want 1", got)
	}
}

func TestResetUndecryptedEvents(t *testing.T) {
	engine := newFakeEngine()
	d, sub := newTestDecryptor(t, engine)
	ctx := context.Background()

	d.Decrypt(ctx, []*event.Event{
		encryptedEvent("$ev1", "s1"),
		encryptedEvent("$ev2", "s2"),
	})
	d.ResetUndecryptedEvents()

	if got := d.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
	if _, ok := waitForUpdate(t, sub).(emitter.TrackerReset); !ok {
		t.Error("expected TrackerReset update")
	}

	// A reset index does not resurrect old events on retry.
	engine.addKey("s1")
	d.RetryAllUndecryptedEvents(ctx)
	if got := d.PendingCount(); got != 0 {
		t.Errorf("PendingCount() after retry = %d, want 0", got)
	}
}
