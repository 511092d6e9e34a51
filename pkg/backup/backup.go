// Package backup restores end-to-end encryption keys from a server-side
// key backup. Encrypted entries are decrypted with the backup private
// key and imported into the crypto engine in bounded batches, with
// progress reporting and incremental retry of stuck events.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glasswing-im/sdk-go/pkg/crypto"
	"github.com/glasswing-im/sdk-go/pkg/emitter"
	"github.com/glasswing-im/sdk-go/pkg/logger"
)

var (
	// ErrImportInProgress is returned when an import is requested while a
	// previous one has not completed. Concurrent imports are rejected,
	// never queued.
	ErrImportInProgress = errors.New("key import already in progress")

	// ErrInvalidPrivateKey is returned when the private key does not
	// match the backup version's public key.
	ErrInvalidPrivateKey = errors.New("invalid backup private key")

	// ErrInvalidData is returned for malformed backup auth data.
	ErrInvalidData = errors.New("invalid backup data")
)

// DefaultBatchSize bounds how many entries are decrypted and imported per
// batch. Batches are processed sequentially to bound peak memory and keep
// progress monotonic.
const DefaultBatchSize = 1000

// Version describes a key backup version as advertised by the server.
type Version struct {
	Version   string          `json:"version"`
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
}

// Auth parses the version's auth data.
func (v Version) Auth() (crypto.BackupAuth, error) {
	var auth crypto.BackupAuth
	if len(v.AuthData) == 0 {
		return auth, fmt.Errorf("missing auth data: %w", ErrInvalidData)
	}
	if err := json.Unmarshal(v.AuthData, &auth); err != nil {
		return auth, fmt.Errorf("malformed auth data: %w", ErrInvalidData)
	}
	if auth.PublicKey == "" {
		return auth, fmt.Errorf("auth data has no public key: %w", ErrInvalidData)
	}
	return auth, nil
}

// KeyBackupData is one backed-up session as stored on the server.
type KeyBackupData struct {
	FirstMessageIndex int                         `json:"first_message_index"`
	ForwardedCount    int                         `json:"forwarded_count"`
	IsVerified        bool                        `json:"is_verified"`
	SessionData       crypto.EncryptedBackupEntry `json:"session_data"`
}

// RoomKeys groups backed-up sessions by session id.
type RoomKeys struct {
	Sessions map[string]KeyBackupData `json:"sessions"`
}

// Payload is a full backup payload, keyed by room id.
type Payload struct {
	Rooms map[string]RoomKeys `json:"rooms"`
}

type entry struct {
	roomID    string
	sessionID string
	data      KeyBackupData
}

func (p Payload) flatten() []entry {
	var entries []entry
	for roomID, room := range p.Rooms {
		for sessionID, data := range room.Sessions {
			entries = append(entries, entry{
				roomID:    roomID,
				sessionID: sessionID,
				data:      data,
			})
		}
	}
	return entries
}

// Progress is a snapshot of an in-flight import. Imported never exceeds
// Total; entries that fail decryption count toward Total only.
type Progress struct {
	Total    uint
	Imported uint
}

type progressState struct {
	total    uint64
	imported atomic.Uint64
}

// Retryer retries undecrypted events once their session keys have been
// imported.
type Retryer interface {
	RetryUndecryptedEvents(ctx context.Context, sessionIDs []string)
}

// Importer restores keys from backup payloads. At most one import may be
// active at a time.
type Importer struct {
	engine    crypto.BackupDecrypting
	retryer   Retryer
	updates   *emitter.Emitter
	batchSize int
	log       *logger.Logger

	mu     sync.Mutex
	active *progressState
}

// Option configures an Importer.
type Option func(*Importer)

// WithBatchSize overrides the import batch size.
func WithBatchSize(n int) Option {
	return func(i *Importer) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

// WithUpdates publishes a KeysImported update when an import completes.
func WithUpdates(updates *emitter.Emitter) Option {
	return func(i *Importer) {
		i.updates = updates
	}
}

// New creates an Importer.
func New(engine crypto.BackupDecrypting, retryer Retryer, opts ...Option) *Importer {
	i := &Importer{
		engine:    engine,
		retryer:   retryer,
		batchSize: DefaultBatchSize,
		log:       logger.Global().WithComponent("backup"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Progress returns a snapshot of the in-flight import, or false when no
// import is active.
func (i *Importer) Progress() (Progress, bool) {
	i.mu.Lock()
	state := i.active
	i.mu.Unlock()
	if state == nil {
		return Progress{}, false
	}
	return Progress{
		Total:    uint(state.total),
		Imported: uint(state.imported.Load()),
	}, true
}

// ImportKeys decrypts every entry of the payload with privateKey and
// imports the recovered sessions into the crypto engine in sequential
// batches. After each batch, events stuck on the batch's sessions are
// retried so decryption unblocks incrementally. A malformed or
// undecryptable entry is skipped, not fatal; total counts every entry,
// imported only the ones the engine accepted.
func (i *Importer) ImportKeys(ctx context.Context, payload Payload, privateKey []byte, version Version) (total, imported uint, err error) {
	auth, err := version.Auth()
	if err != nil {
		return 0, 0, err
	}
	ok, err := i.engine.VerifyBackupPrivateKey(privateKey, auth)
	if err != nil {
		return 0, 0, fmt.Errorf("verify backup private key: %w", err)
	}
	if !ok {
		return 0, 0, ErrInvalidPrivateKey
	}

	entries := payload.flatten()

	i.mu.Lock()
	if i.active != nil {
		i.mu.Unlock()
		importsRejected.Inc()
		return 0, 0, ErrImportInProgress
	}
	state := &progressState{total: uint64(len(entries))}
	i.active = state
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.active = nil
		i.mu.Unlock()
	}()

	i.log.Info("importing encrypted sessions",
		"count", len(entries),
		"version", version.Version,
	)
	start := time.Now()

	for offset := 0; offset < len(entries); offset += i.batchSize {
		end := offset + i.batchSize
		if end > len(entries) {
			end = len(entries)
		}

		batchImported, err := i.importBatch(ctx, entries[offset:end], privateKey)
		if err != nil {
			return uint(len(entries)), uint(state.imported.Load()), err
		}
		state.imported.Add(uint64(batchImported))
	}

	total = uint(len(entries))
	imported = uint(state.imported.Load())

	importDuration.Observe(time.Since(start).Seconds())
	i.log.Info("import complete",
		"imported", imported,
		"total", total,
		"duration", time.Since(start).String(),
	)

	if i.updates != nil {
		i.updates.Publish(emitter.KeysImported{Total: total, Imported: imported})
	}
	return total, imported, nil
}

// importBatch decrypts one batch of entries, hands the recovered sessions
// to the engine in bulk, and retries events stuck on the batch's
// sessions.
func (i *Importer) importBatch(ctx context.Context, batch []entry, privateKey []byte) (uint, error) {
	exports := make([]crypto.SessionExport, 0, len(batch))
	for _, e := range batch {
		export, ok := i.decryptEntry(e, privateKey)
		if !ok {
			continue
		}
		exports = append(exports, export)
	}

	if len(exports) == 0 {
		return 0, nil
	}

	result, err := i.engine.ImportDecryptedKeys(ctx, exports)
	if err != nil {
		return 0, fmt.Errorf("import decrypted keys: %w", err)
	}
	keysImported.Add(float64(result.Imported))

	if i.retryer != nil {
		sessionIDs := make([]string, 0, len(exports))
		for _, export := range exports {
			sessionIDs = append(sessionIDs, export.SessionID)
		}
		i.retryer.RetryUndecryptedEvents(ctx, sessionIDs)
	}

	return result.Imported, nil
}

// decryptEntry decrypts a single backup entry into a session export.
// Entries with missing fields or failing decryption are logged and
// skipped.
func (i *Importer) decryptEntry(e entry, privateKey []byte) (crypto.SessionExport, bool) {
	if !e.data.SessionData.Valid() {
		i.log.Error("backup entry is missing session data fields",
			"room_id", e.roomID,
			"session_id", e.sessionID,
		)
		entriesSkipped.Inc()
		return crypto.SessionExport{}, false
	}

	plaintext, err := i.engine.DecryptBackupEntry(e.data.SessionData, privateKey)
	if err != nil {
		i.log.Error("failed to decrypt backup entry",
			"room_id", e.roomID,
			"session_id", e.sessionID,
			"error", err,
		)
		entriesSkipped.Inc()
		return crypto.SessionExport{}, false
	}

	var export crypto.SessionExport
	if err := json.Unmarshal(plaintext, &export); err != nil {
		i.log.Error("failed to parse backup entry plaintext",
			"room_id", e.roomID,
			"session_id", e.sessionID,
			"error", err,
		)
		entriesSkipped.Inc()
		return crypto.SessionExport{}, false
	}

	export.SessionID = e.sessionID
	export.RoomID = e.roomID
	// Sessions restored from asymmetric backup are untrusted by default.
	export.Untrusted = true
	export.BackedUp = true
	return export, true
}
