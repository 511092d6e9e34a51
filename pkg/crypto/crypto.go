// Package crypto defines the interfaces of the external crypto engine the
// SDK delegates to, along with an in-memory implementation backing tests
// and lightweight deployments.
// The engine owns all key material; the SDK only tracks metadata and
// routes content through these capabilities.
package crypto

import (
	"context"
	"errors"
	"time"

	"github.com/glasswing-im/sdk-go/pkg/event"
	"github.com/glasswing-im/sdk-go/pkg/room"
)

// ErrMissingRoomKey is returned (wrapped) by DecryptRoomEvent when no
// inbound session matches the event's session id. It is the only
// decryption error that makes an event eligible for retry once keys
// arrive.
var ErrMissingRoomKey = errors.New("missing room key")

// ErrNoOutboundSession is returned by EncryptRoomEvent when keys have not
// been shared for the room. Callers must share keys before encrypting.
var ErrNoOutboundSession = errors.New("no outbound group session")

// EncryptionSettings parameterize the outbound group session for a room.
// The engine rotates the session whenever the current one no longer
// satisfies these settings or its recipients.
type EncryptionSettings struct {
	Algorithm               string
	RotationPeriod          time.Duration
	RotationPeriodMessages  uint64
	HistoryVisibility       room.HistoryVisibility
	OnlyAllowTrustedDevices bool
}

// RoomEventEncrypting is the outbound half of the engine.
type RoomEventEncrypting interface {
	// ShareRoomKeysIfNecessary establishes or rotates the room's outbound
	// session so that it satisfies settings, and distributes its key to
	// every user in users. It is a no-op when the current session already
	// satisfies both.
	ShareRoomKeysIfNecessary(ctx context.Context, roomID string, users []string, settings EncryptionSettings) error

	// EncryptRoomEvent encrypts event content with the room's current
	// outbound session.
	EncryptRoomEvent(ctx context.Context, content map[string]any, roomID, eventType string) (map[string]any, error)

	// UpdateTrackedUsers adds users to the engine's device-tracking set.
	// Idempotent; tracking an already-tracked user is a no-op.
	UpdateTrackedUsers(ctx context.Context, users []string) error
}

// RoomEventDecrypting is the inbound half of the engine.
type RoomEventDecrypting interface {
	// DecryptRoomEvent decrypts a single encrypted room event. A missing
	// inbound session is reported by an error wrapping ErrMissingRoomKey.
	DecryptRoomEvent(ctx context.Context, e *event.Event) (*event.DecryptionResult, error)
}

// SessionExport is one decrypted inbound session as recovered from a key
// backup or key export file.
type SessionExport struct {
	Algorithm         string            `json:"algorithm"`
	RoomID            string            `json:"room_id"`
	SessionID         string            `json:"session_id"`
	SessionKey        string            `json:"session_key"`
	SenderKey         string            `json:"sender_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys,omitempty"`
	ForwardingChain   []string          `json:"forwarding_curve25519_key_chain,omitempty"`
	SharedHistory     bool              `json:"shared_history,omitempty"`

	// Untrusted marks sessions recovered from asymmetric backup; they
	// decrypt events but do not count as verified key material.
	Untrusted bool `json:"untrusted,omitempty"`
	BackedUp  bool `json:"backed_up,omitempty"`
}

// ImportResult reports the outcome of a bulk session import.
// Imported never exceeds Total.
type ImportResult struct {
	Total    uint
	Imported uint
}

// BackupAuth is the public half of a backup version's auth data.
type BackupAuth struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
}

// EncryptedBackupEntry is one encrypted session as stored in a backup.
// All three fields are unpadded base64.
type EncryptedBackupEntry struct {
	Ephemeral  string `json:"ephemeral"`
	MAC        string `json:"mac"`
	Ciphertext string `json:"ciphertext"`
}

// Valid reports whether the entry carries all required fields.
func (e EncryptedBackupEntry) Valid() bool {
	return e.Ephemeral != "" && e.MAC != "" && e.Ciphertext != ""
}

// BackupDecrypting covers the backup-restore capabilities of the engine.
type BackupDecrypting interface {
	// VerifyBackupPrivateKey reports whether privateKey is the private
	// counterpart of the backup version's public key.
	VerifyBackupPrivateKey(privateKey []byte, auth BackupAuth) (bool, error)

	// DecryptBackupEntry decrypts a single backup entry with the backup
	// private key and returns the session plaintext (JSON).
	DecryptBackupEntry(entry EncryptedBackupEntry, privateKey []byte) ([]byte, error)

	// ImportDecryptedKeys imports decrypted sessions in bulk.
	ImportDecryptedKeys(ctx context.Context, sessions []SessionExport) (ImportResult, error)
}

// KeyReceiver is implemented by engines that can ingest room keys arriving
// in m.room_key and m.forwarded_room_key events.
type KeyReceiver interface {
	ImportRoomKey(ctx context.Context, c event.ForwardedRoomKeyContent) error
}

// Engine is the full crypto capability consumed by a session.
type Engine interface {
	RoomEventEncrypting
	RoomEventDecrypting
	BackupDecrypting
}
