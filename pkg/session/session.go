// Package session wires the encryption, decryption and backup components
// into a single client-facing surface. One Session corresponds to one
// logged-in device; the crypto engine is selected once at construction
// and never switched per call.
package session

import (
	"context"
	"fmt"

	"github.com/glasswing-im/sdk-go/pkg/backup"
	"github.com/glasswing-im/sdk-go/pkg/config"
	"github.com/glasswing-im/sdk-go/pkg/crypto"
	"github.com/glasswing-im/sdk-go/pkg/decryption"
	"github.com/glasswing-im/sdk-go/pkg/emitter"
	"github.com/glasswing-im/sdk-go/pkg/encryption"
	"github.com/glasswing-im/sdk-go/pkg/event"
	"github.com/glasswing-im/sdk-go/pkg/logger"
	"github.com/glasswing-im/sdk-go/pkg/room"
	"github.com/glasswing-im/sdk-go/pkg/store"
)

// Session is the E2EE surface of a single device session.
type Session struct {
	settings    store.Store
	engine      crypto.Engine
	keyReceiver crypto.KeyReceiver
	encryptor   *encryption.Encryptor
	decryptor   *decryption.Decryptor
	importer    *backup.Importer
	updates     *emitter.Emitter
	log         *logger.Logger
}

// New creates a session from configuration, a crypto engine and a room
// provider. The engine optionally implements crypto.KeyReceiver to ingest
// room keys arriving in to-device events.
func New(cfg config.Config, engine crypto.Engine, rooms room.Provider) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, err
	}

	var settings store.Store
	if cfg.Storage.Path != "" {
		var err error
		settings, err = store.OpenSQLite(context.Background(), cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open settings store: %w", err)
		}
	} else {
		settings = store.NewMemoryStore()
	}

	updates := emitter.New()
	decryptor := decryption.New(engine, updates)

	s := &Session{
		settings:  settings,
		engine:    engine,
		decryptor: decryptor,
		updates:   updates,
		encryptor: encryption.New(engine, settings, rooms,
			encryption.WithGlobalOnlyTrustedDevices(cfg.Encryption.OnlyAllowTrustedDevices),
			encryption.WithRotationDefaults(cfg.Encryption.RotationPeriodSeconds, cfg.Encryption.RotationPeriodMessages),
		),
		importer: backup.New(engine, decryptor,
			backup.WithBatchSize(cfg.Backup.BatchSize),
			backup.WithUpdates(updates),
		),
		log: logger.Global().WithComponent("session"),
	}
	if kr, ok := engine.(crypto.KeyReceiver); ok {
		s.keyReceiver = kr
	}
	return s, nil
}

// Updates returns the emitter publishing decrypted-event and import
// updates.
func (s *Session) Updates() *emitter.Emitter {
	return s.updates
}

// IsRoomEncrypted reports whether encryption has been enabled in a room.
func (s *Session) IsRoomEncrypted(ctx context.Context, roomID string) bool {
	return s.encryptor.IsRoomEncrypted(ctx, roomID)
}

// EncryptRoomEvent encrypts content for a room, sharing or rotating the
// room key first when necessary.
func (s *Session) EncryptRoomEvent(ctx context.Context, content map[string]any, eventType, roomID string) (map[string]any, error) {
	return s.encryptor.Encrypt(ctx, content, eventType, roomID)
}

// EnsureRoomKeysShared shares the room's session key with all eligible
// members, rotating first when required.
func (s *Session) EnsureRoomKeysShared(ctx context.Context, roomID string) error {
	return s.encryptor.EnsureRoomKeysShared(ctx, roomID)
}

// EnsureRoomKeysSharedForRooms shares keys for several rooms with bounded
// concurrency.
func (s *Session) EnsureRoomKeysSharedForRooms(ctx context.Context, roomIDs []string) error {
	return s.encryptor.EnsureRoomKeysSharedForRooms(ctx, roomIDs)
}

// HandleRoomEncryptionEvent responds to an m.room.encryption state event.
func (s *Session) HandleRoomEncryptionEvent(ctx context.Context, ev *event.Event) error {
	return s.encryptor.HandleRoomEncryptionEvent(ctx, ev)
}

// DecryptEvents decrypts a batch of events, returning one result per
// event.
func (s *Session) DecryptEvents(ctx context.Context, events []*event.Event) []*event.DecryptionResult {
	return s.decryptor.Decrypt(ctx, events)
}

// HandleToDeviceEvent processes a to-device event. Room key events are
// ingested into the engine (when it supports ingestion) and matching
// undecrypted events retried.
func (s *Session) HandleToDeviceEvent(ctx context.Context, ev *event.Event) {
	switch ev.Type {
	case event.TypeRoomKey, event.TypeForwardedRoomKey:
		if s.keyReceiver != nil {
			content := event.ParseForwardedRoomKeyContent(ev.Content)
			if err := s.keyReceiver.ImportRoomKey(ctx, content); err != nil {
				s.log.Error("failed to ingest room key",
					"type", ev.Type,
					"session_id", content.SessionID,
					"error", err,
				)
			}
		}
		s.decryptor.HandlePossibleRoomKeyEvent(ctx, ev)
	}
}

// RetryAllUndecryptedEvents retries every tracked undecrypted event.
func (s *Session) RetryAllUndecryptedEvents(ctx context.Context) {
	s.decryptor.RetryAllUndecryptedEvents(ctx)
}

// ResetUndecryptedEvents clears the undecrypted-event tracker, used on
// logout.
func (s *Session) ResetUndecryptedEvents() {
	s.decryptor.ResetUndecryptedEvents()
}

// ImportKeysFromBackup restores keys from a backup payload and retries
// stuck events as each batch lands.
func (s *Session) ImportKeysFromBackup(ctx context.Context, payload backup.Payload, privateKey []byte, version backup.Version) (total, imported uint, err error) {
	return s.importer.ImportKeys(ctx, payload, privateKey, version)
}

// ImportProgress returns the progress of an in-flight backup import.
func (s *Session) ImportProgress() (backup.Progress, bool) {
	return s.importer.Progress()
}

// Close releases the session's resources.
func (s *Session) Close() error {
	s.decryptor.Close()
	s.updates.Close()
	return s.settings.Close()
}
