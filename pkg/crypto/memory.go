package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/glasswing-im/sdk-go/pkg/event"
	"github.com/glasswing-im/sdk-go/pkg/room"
	"github.com/glasswing-im/sdk-go/pkg/securerandom"
)

// outboundSession is the engine-owned state of a room's live outbound
// group session. The SDK never sees this struct, only the session id.
type outboundSession struct {
	id           string
	key          []byte
	createdAt    time.Time
	messageCount uint64
	settings     EncryptionSettings
	sharedWith   map[string]struct{}
}

type inboundSession struct {
	roomID          string
	key             []byte
	senderKey       string
	sharedHistory   bool
	forwardingChain []string
	untrusted       bool
	backedUp        bool
}

// MemoryEngine is an in-memory Engine implementation. It performs real
// payload encryption (XChaCha20-Poly1305 per group session) and real
// backup-entry decryption, but keeps all sessions in process memory. It
// backs the SDK's tests and lightweight deployments; production clients
// inject an engine bound to a native crypto library.
type MemoryEngine struct {
	mu           sync.Mutex
	deviceID     string
	identityPriv []byte
	identityPub  string
	trackedUsers map[string]struct{}
	outbound     map[string]*outboundSession
	inbound      map[string]*inboundSession
	now          func() time.Time
}

// MemoryEngineOption configures a MemoryEngine.
type MemoryEngineOption func(*MemoryEngine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) MemoryEngineOption {
	return func(e *MemoryEngine) {
		e.now = now
	}
}

// NewMemoryEngine creates a new in-memory crypto engine with a fresh
// curve25519 identity.
func NewMemoryEngine(deviceID string, opts ...MemoryEngineOption) (*MemoryEngine, error) {
	priv, err := securerandom.Key()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive identity key: %w", err)
	}

	e := &MemoryEngine{
		deviceID:     deviceID,
		identityPriv: priv,
		identityPub:  b64.EncodeToString(pub),
		trackedUsers: make(map[string]struct{}),
		outbound:     make(map[string]*outboundSession),
		inbound:      make(map[string]*inboundSession),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// IdentityKey returns the engine's curve25519 identity key (base64).
func (e *MemoryEngine) IdentityKey() string {
	return e.identityPub
}

// UpdateTrackedUsers adds users to the tracked-user set.
func (e *MemoryEngine) UpdateTrackedUsers(ctx context.Context, users []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range users {
		e.trackedUsers[u] = struct{}{}
	}
	return nil
}

// TrackedUsers returns the tracked-user set in sorted order.
func (e *MemoryEngine) TrackedUsers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := make([]string, 0, len(e.trackedUsers))
	for u := range e.trackedUsers {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// ShareRoomKeysIfNecessary rotates the room's outbound session when the
// current one no longer satisfies settings or recipients, then records the
// key as shared with every given user. Rotation triggers:
//   - no live session, or the session's settings changed
//   - session age or message count reached the rotation thresholds
//   - a previously included recipient is no longer eligible
func (e *MemoryEngine) ShareRoomKeysIfNecessary(ctx context.Context, roomID string, users []string, settings EncryptionSettings) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.outbound[roomID]
	if e.needsRotation(s, users, settings) {
		var err error
		s, err = e.rotateLocked(roomID, settings)
		if err != nil {
			return err
		}
	}

	for _, u := range users {
		s.sharedWith[u] = struct{}{}
	}
	return nil
}

func (e *MemoryEngine) needsRotation(s *outboundSession, users []string, settings EncryptionSettings) bool {
	if s == nil {
		return true
	}
	if s.settings.Algorithm != settings.Algorithm ||
		s.settings.HistoryVisibility != settings.HistoryVisibility ||
		s.settings.OnlyAllowTrustedDevices != settings.OnlyAllowTrustedDevices {
		return true
	}
	if settings.RotationPeriod > 0 && e.now().Sub(s.createdAt) >= settings.RotationPeriod {
		return true
	}
	if settings.RotationPeriodMessages > 0 && s.messageCount >= settings.RotationPeriodMessages {
		return true
	}

	eligible := make(map[string]struct{}, len(users))
	for _, u := range users {
		eligible[u] = struct{}{}
	}
	for u := range s.sharedWith {
		if _, ok := eligible[u]; !ok {
			// A recipient lost eligibility; the old key must not be
			// reused for future messages.
			return true
		}
	}
	return false
}

func (e *MemoryEngine) rotateLocked(roomID string, settings EncryptionSettings) (*outboundSession, error) {
	key, err := securerandom.Bytes(chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	s := &outboundSession{
		id:         uuid.NewString(),
		key:        key,
		createdAt:  e.now(),
		settings:   settings,
		sharedWith: make(map[string]struct{}),
	}
	e.outbound[roomID] = s

	// Our own device always holds the matching inbound session.
	e.inbound[s.id] = &inboundSession{
		roomID:        roomID,
		key:           key,
		senderKey:     e.identityPub,
		sharedHistory: sharesHistory(settings.HistoryVisibility),
	}
	return s, nil
}

func sharesHistory(v room.HistoryVisibility) bool {
	return v == room.HistoryVisibilityShared || v == room.HistoryVisibilityWorldReadable
}

type sessionPayload struct {
	Type    string         `json:"type"`
	Content map[string]any `json:"content"`
}

// EncryptRoomEvent encrypts content with the room's current outbound
// session. ShareRoomKeysIfNecessary must have succeeded for the room
// first.
func (e *MemoryEngine) EncryptRoomEvent(ctx context.Context, content map[string]any, roomID, eventType string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.outbound[roomID]
	if s == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrNoOutboundSession)
	}

	plaintext, err := json.Marshal(sessionPayload{Type: eventType, Content: content})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init session cipher: %w", err)
	}
	nonce, err := securerandom.Bytes(aead.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)

	s.messageCount++

	return map[string]any{
		"algorithm":  event.AlgorithmMegolmV1,
		"sender_key": e.identityPub,
		"session_id": s.id,
		"device_id":  e.deviceID,
		"ciphertext": b64.EncodeToString(ciphertext),
	}, nil
}

// DecryptRoomEvent decrypts a single encrypted room event.
func (e *MemoryEngine) DecryptRoomEvent(ctx context.Context, ev *event.Event) (*event.DecryptionResult, error) {
	if alg := ev.Algorithm(); alg != event.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
	sessionID := ev.SessionID()
	if sessionID == "" {
		return nil, fmt.Errorf("event %s has no session id", ev.ID)
	}

	e.mu.Lock()
	s := e.inbound[sessionID]
	e.mu.Unlock()
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrMissingRoomKey)
	}

	raw, _ := ev.Content["ciphertext"].(string)
	ciphertext, err := b64.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init session cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := aead.Open(nil, ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}

	var payload sessionPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	return &event.DecryptionResult{
		ClearType:           payload.Type,
		ClearContent:        payload.Content,
		SenderCurve25519Key: s.senderKey,
		ForwardingChain:     s.forwardingChain,
	}, nil
}

// ImportRoomKey ingests a room key received in an m.room_key or
// m.forwarded_room_key event.
func (e *MemoryEngine) ImportRoomKey(ctx context.Context, c event.ForwardedRoomKeyContent) error {
	if c.Algorithm != event.AlgorithmMegolmV1 {
		return fmt.Errorf("unsupported algorithm %q", c.Algorithm)
	}
	if c.SessionID == "" || c.SessionKey == "" {
		return fmt.Errorf("room key for %s is missing session data", c.RoomID)
	}
	key, err := b64.DecodeString(c.SessionKey)
	if err != nil {
		return fmt.Errorf("decode session key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return fmt.Errorf("session key has wrong length %d", len(key))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inbound[c.SessionID]; ok {
		return nil
	}
	e.inbound[c.SessionID] = &inboundSession{
		roomID:          c.RoomID,
		key:             key,
		senderKey:       c.SenderKey,
		forwardingChain: c.ForwardingKeyChain,
		untrusted:       len(c.ForwardingKeyChain) > 0,
	}
	return nil
}

// ImportDecryptedKeys imports sessions recovered from a backup or export
// file. Sessions with missing ids or malformed keys are skipped; already
// known sessions are left untouched and not counted as imported.
func (e *MemoryEngine) ImportDecryptedKeys(ctx context.Context, sessions []SessionExport) (ImportResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := ImportResult{Total: uint(len(sessions))}
	for _, s := range sessions {
		if s.SessionID == "" || s.RoomID == "" {
			continue
		}
		key, err := b64.DecodeString(s.SessionKey)
		if err != nil || len(key) != chacha20poly1305.KeySize {
			continue
		}
		if _, ok := e.inbound[s.SessionID]; ok {
			continue
		}
		e.inbound[s.SessionID] = &inboundSession{
			roomID:          s.RoomID,
			key:             key,
			senderKey:       s.SenderKey,
			sharedHistory:   s.SharedHistory,
			forwardingChain: s.ForwardingChain,
			untrusted:       s.Untrusted,
			backedUp:        s.BackedUp,
		}
		result.Imported++
	}
	return result, nil
}

// VerifyBackupPrivateKey reports whether privateKey matches the backup
// auth data's public key.
func (e *MemoryEngine) VerifyBackupPrivateKey(privateKey []byte, auth BackupAuth) (bool, error) {
	pub, err := BackupPublicKey(privateKey)
	if err != nil {
		return false, err
	}
	return pub == auth.PublicKey, nil
}

// DecryptBackupEntry decrypts a single backup entry.
func (e *MemoryEngine) DecryptBackupEntry(entry EncryptedBackupEntry, privateKey []byte) ([]byte, error) {
	return decryptBackupEntry(entry, privateKey)
}

// OutboundSessionID returns the current outbound session id for a room,
// or "" when no session is live.
func (e *MemoryEngine) OutboundSessionID(roomID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.outbound[roomID]; s != nil {
		return s.id
	}
	return ""
}

// InboundSessionCount returns the number of known inbound sessions for a
// room.
func (e *MemoryEngine) InboundSessionCount(roomID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.inbound {
		if s.roomID == roomID {
			n++
		}
	}
	return n
}

// SessionSharesHistory reports the shared-history flag of an inbound
// session.
func (e *MemoryEngine) SessionSharesHistory(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.inbound[sessionID]; s != nil {
		return s.sharedHistory
	}
	return false
}

// ExportInboundSession returns the session export for a known inbound
// session, used when writing backups.
func (e *MemoryEngine) ExportInboundSession(sessionID string) (SessionExport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.inbound[sessionID]
	if s == nil {
		return SessionExport{}, false
	}
	return SessionExport{
		Algorithm:       event.AlgorithmMegolmV1,
		RoomID:          s.roomID,
		SessionID:       sessionID,
		SessionKey:      b64.EncodeToString(s.key),
		SenderKey:       s.senderKey,
		ForwardingChain: s.forwardingChain,
		SharedHistory:   s.sharedHistory,
		Untrusted:       s.untrusted,
		BackedUp:        s.backedUp,
	}, true
}
