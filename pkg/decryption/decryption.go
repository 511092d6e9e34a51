// Package decryption decrypts room events and tracks events that could
// not be decrypted because their session key has not arrived yet. Tracked
// events are retried when a matching key arrives or on bulk retry after a
// key import.
package decryption

import (
	"context"
	"errors"
	"sync"

	"github.com/glasswing-im/sdk-go/pkg/crypto"
	"github.com/glasswing-im/sdk-go/pkg/emitter"
	"github.com/glasswing-im/sdk-go/pkg/event"
	"github.com/glasswing-im/sdk-go/pkg/logger"
)

// applyBuffer sizes the hand-off queue between decryption and clear-data
// application. Application must never block decryption, so the queue is
// consumed by a single dedicated goroutine.
const applyBuffer = 1024

type applied struct {
	event  *event.Event
	result *event.DecryptionResult
}

// Decryptor decrypts room events via the crypto engine and owns the
// undecrypted-event index. All index mutations are serialized; successful
// re-decryptions are applied to event objects on one goroutine so UI
// observers never race with the decryption path.
type Decryptor struct {
	engine  crypto.RoomEventDecrypting
	updates *emitter.Emitter
	log     *logger.Logger

	mu      sync.Mutex
	pending map[string]map[string]*event.Event // session id -> event id -> event

	apply chan applied
	done  chan struct{}
	wg    sync.WaitGroup
}

// New creates a Decryptor publishing decrypted-event updates to updates.
func New(engine crypto.RoomEventDecrypting, updates *emitter.Emitter) *Decryptor {
	d := &Decryptor{
		engine:  engine,
		updates: updates,
		log:     logger.Global().WithComponent("decryption"),
		pending: make(map[string]map[string]*event.Event),
		apply:   make(chan applied, applyBuffer),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.applyLoop()
	return d
}

func (d *Decryptor) applyLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case a := <-d.apply:
			a.event.SetClear(a.result)
			if d.updates != nil {
				d.updates.Publish(emitter.EventDecrypted{Event: a.event, Result: a.result})
			}
		}
	}
}

// Close stops the clear-data application goroutine.
func (d *Decryptor) Close() {
	close(d.done)
	d.wg.Wait()
}

// Decrypt attempts to decrypt each event and returns one result per
// event, in order. Failures are captured in the result, never returned,
// so one bad event cannot abort the rest of the batch.
func (d *Decryptor) Decrypt(ctx context.Context, events []*event.Event) []*event.DecryptionResult {
	d.log.Debug("decrypting events", "count", len(events))

	results := make([]*event.DecryptionResult, len(events))
	failed := 0

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, ev := range events {
		results[i] = d.decryptLocked(ctx, ev)
		if !results[i].Decrypted() && results[i].Err != nil {
			failed++
		}
	}

	if failed > 0 {
		d.log.Warn("unable to decrypt events", "failed", failed, "total", len(events))
	}
	return results
}

// decryptLocked decrypts a single event and indexes it for retry when the
// failure is a missing room key. Callers hold d.mu.
func (d *Decryptor) decryptLocked(ctx context.Context, ev *event.Event) *event.DecryptionResult {
	if clear := ev.Clear(); clear != nil {
		return clear
	}

	// Only room events encrypted with a group session algorithm are
	// attempted; everything else is a no-op result.
	if !ev.IsEncrypted() || ev.Algorithm() != event.AlgorithmMegolmV1 {
		return &event.DecryptionResult{}
	}
	sessionID := ev.SessionID()
	if sessionID == "" {
		d.log.Warn("encrypted event is missing session id", "event_id", ev.ID)
		return &event.DecryptionResult{}
	}

	result, err := d.engine.DecryptRoomEvent(ctx, ev)
	if err == nil {
		decryptResults.WithLabelValues("ok").Inc()
		return result
	}

	if errors.Is(err, crypto.ErrMissingRoomKey) {
		if d.pending[sessionID] == nil {
			// First failure for this session; further errors for the
			// same key are suppressed to avoid log flooding during
			// backfill bursts.
			d.log.Error("cannot decrypt, missing room key",
				"session_id", sessionID,
				"event_id", ev.ID,
			)
			d.pending[sessionID] = make(map[string]*event.Event)
		}
		d.pending[sessionID][ev.ID] = ev
		pendingEvents.Set(float64(d.pendingCountLocked()))
		decryptResults.WithLabelValues("missing_key").Inc()
		return &event.DecryptionResult{Err: err}
	}

	d.log.Error("failed to decrypt event",
		"event_id", ev.ID,
		"session_id", sessionID,
		"error", err,
	)
	decryptResults.WithLabelValues("error").Inc()
	return &event.DecryptionResult{Err: err}
}

func (d *Decryptor) pendingCountLocked() int {
	n := 0
	for _, events := range d.pending {
		n += len(events)
	}
	return n
}

// HandlePossibleRoomKeyEvent inspects an event that may carry a room key
// (m.room_key or m.forwarded_room_key) and retries exactly the tracked
// events awaiting that session.
func (d *Decryptor) HandlePossibleRoomKeyEvent(ctx context.Context, ev *event.Event) {
	sessionID := event.RoomKeySessionID(ev)
	if sessionID == "" {
		return
	}

	d.log.Debug("received room key", "type", ev.Type, "session_id", sessionID)
	d.retrySessions(ctx, []string{sessionID})
}

// RetryUndecryptedEvents retries tracked events for the given sessions.
func (d *Decryptor) RetryUndecryptedEvents(ctx context.Context, sessionIDs []string) {
	d.retrySessions(ctx, sessionIDs)
}

// RetryAllUndecryptedEvents retries every tracked event regardless of
// session, used after a bulk key import.
func (d *Decryptor) RetryAllUndecryptedEvents(ctx context.Context) {
	d.mu.Lock()
	sessionIDs := make([]string, 0, len(d.pending))
	for id := range d.pending {
		sessionIDs = append(sessionIDs, id)
	}
	d.mu.Unlock()

	d.retrySessions(ctx, sessionIDs)
}

// ResetUndecryptedEvents clears all tracking state, used on logout or
// session reset.
func (d *Decryptor) ResetUndecryptedEvents() {
	d.mu.Lock()
	d.pending = make(map[string]map[string]*event.Event)
	pendingEvents.Set(0)
	d.mu.Unlock()

	if d.updates != nil {
		d.updates.Publish(emitter.TrackerReset{})
	}
}

// PendingCount returns the number of tracked undecrypted events.
func (d *Decryptor) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingCountLocked()
}

// retrySessions re-attempts decryption of tracked events for the given
// sessions. Events only ever move out of the pending index here, never
// back, so concurrent retries are safe.
func (d *Decryptor) retrySessions(ctx context.Context, sessionIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	retried := 0
	for _, sessionID := range sessionIDs {
		for eventID, ev := range d.pending[sessionID] {
			if ev.Clear() != nil {
				delete(d.pending[sessionID], eventID)
				continue
			}

			result, err := d.engine.DecryptRoomEvent(ctx, ev)
			if err != nil {
				d.log.Debug("event still not decryptable",
					"event_id", eventID,
					"session_id", sessionID,
					"error", err,
				)
				continue
			}

			delete(d.pending[sessionID], eventID)
			retried++
			decryptResults.WithLabelValues("retry_ok").Inc()

			// Hand off to the application goroutine; clear data is
			// attached to the event there, not here.
			select {
			case d.apply <- applied{event: ev, result: result}:
			case <-d.done:
				return
			}
		}
		if len(d.pending[sessionID]) == 0 {
			delete(d.pending, sessionID)
		}
	}

	if retried > 0 {
		d.log.Debug("re-decrypted events", "count", retried)
	}
	pendingEvents.Set(float64(d.pendingCountLocked()))
}
