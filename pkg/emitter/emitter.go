// Package emitter provides a typed event emitter the SDK core publishes
// to. External layers (UI, sync) subscribe without the core knowing their
// identity.
package emitter

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glasswing-im/sdk-go/pkg/event"
	"github.com/glasswing-im/sdk-go/pkg/logger"
)

// Update is a single notification published by the SDK core.
type Update interface {
	UpdateType() string
}

// EventDecrypted is published when a previously undecryptable event has
// been decrypted, after its clear data has been applied.
type EventDecrypted struct {
	Event  *event.Event
	Result *event.DecryptionResult
}

func (EventDecrypted) UpdateType() string { return "event_decrypted" }

// KeysImported is published after a key backup import completes.
type KeysImported struct {
	Total    uint
	Imported uint
}

func (KeysImported) UpdateType() string { return "keys_imported" }

// TrackerReset is published when the undecrypted-event tracker is cleared.
type TrackerReset struct{}

func (TrackerReset) UpdateType() string { return "tracker_reset" }

// Subscription is a single subscriber's update channel.
type Subscription struct {
	ID string
	C  chan Update

	mu     sync.Mutex
	closed bool
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}

// Emitter fans updates out to subscribers. A slow subscriber's updates are
// dropped rather than blocking the publisher.
type Emitter struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	nextID atomic.Uint64
	log    *logger.Logger
}

// New creates a new emitter.
func New() *Emitter {
	return &Emitter{
		subs: make(map[string]*Subscription),
		log:  logger.Global().WithComponent("emitter"),
	}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (e *Emitter) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("emitter is closed")
	}

	sub := &Subscription{
		ID: fmt.Sprintf("sub-%d", e.nextID.Add(1)),
		C:  make(chan Update, buffer),
	}
	e.subs[sub.ID] = sub
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (e *Emitter) Unsubscribe(id string) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if ok {
		delete(e.subs, id)
	}
	e.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish delivers an update to every subscriber. Subscribers with full
// channels are skipped.
func (e *Emitter) Publish(update Update) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	for id, sub := range e.subs {
		select {
		case sub.C <- update:
		default:
			updatesDropped.WithLabelValues(update.UpdateType()).Inc()
			e.log.Warn("update dropped for slow subscriber",
				"subscriber_id", id,
				"update_type", update.UpdateType(),
			)
		}
	}
}

// Close closes all subscriber channels. Further publishes are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, sub := range e.subs {
		delete(e.subs, id)
		sub.close()
	}
}
