// Package event defines the wire-level event model shared by the
// encryption, decryption and backup components.
package event

import (
	"sync"
)

// Event types relevant to end-to-end encryption.
const (
	TypeEncrypted        = "m.room.encrypted"
	TypeRoomKey          = "m.room_key"
	TypeForwardedRoomKey = "m.forwarded_room_key"
	TypeRoomEncryption   = "m.room.encryption"
)

// Room event encryption algorithms.
const (
	AlgorithmMegolmV1 = "m.megolm.v1.aes-sha2"
	AlgorithmOlmV1    = "m.olm.v1.curve25519-aes-sha2"
)

// Event is a single room or to-device event. Content is the wire content;
// for encrypted events the clear payload is attached after decryption.
type Event struct {
	ID      string         `json:"event_id"`
	RoomID  string         `json:"room_id"`
	Sender  string         `json:"sender"`
	Type    string         `json:"type"`
	Content map[string]any `json:"content"`

	mu    sync.RWMutex
	clear *DecryptionResult
}

// IsEncrypted reports whether the event carries encrypted room content.
func (e *Event) IsEncrypted() bool {
	return e.Type == TypeEncrypted
}

// Algorithm returns the encryption algorithm claimed by the event content.
func (e *Event) Algorithm() string {
	s, _ := e.Content["algorithm"].(string)
	return s
}

// SessionID returns the group session id claimed by the event content.
func (e *Event) SessionID() string {
	s, _ := e.Content["session_id"].(string)
	return s
}

// Clear returns the decryption result previously attached to the event,
// or nil if the event has not been decrypted.
func (e *Event) Clear() *DecryptionResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clear
}

// SetClear attaches a decryption result to the event. Only successful
// results should be attached; errors are reported through DecryptionResult
// values returned from decrypt calls instead.
func (e *Event) SetClear(result *DecryptionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clear = result
}

// DecryptionResult holds the outcome of decrypting a single event.
// A failed decryption carries Err and a nil ClearContent; the error is
// captured here rather than propagated so one bad event cannot abort a
// batch decrypt.
type DecryptionResult struct {
	ClearType           string
	ClearContent        map[string]any
	SenderCurve25519Key string
	ClaimedEd25519Key   string
	ForwardingChain     []string
	Err                 error
}

// Decrypted reports whether the result carries clear content.
func (r *DecryptionResult) Decrypted() bool {
	return r != nil && r.Err == nil && r.ClearContent != nil
}
