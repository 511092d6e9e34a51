// Package encryption ensures room keys are current and distributed before
// any event is encrypted. It resolves the room's encryption algorithm,
// computes the eligible recipient set from membership and history
// visibility, and delegates session rotation and key sharing to the
// crypto engine.
package encryption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glasswing-im/sdk-go/pkg/crypto"
	"github.com/glasswing-im/sdk-go/pkg/event"
	"github.com/glasswing-im/sdk-go/pkg/logger"
	"github.com/glasswing-im/sdk-go/pkg/room"
	"github.com/glasswing-im/sdk-go/pkg/store"
)

var (
	// ErrMissingRoom is returned when a room cannot be resolved.
	ErrMissingRoom = errors.New("missing room")

	// ErrInvalidAlgorithm is returned when room state specifies an
	// unsupported encryption algorithm and no valid algorithm was
	// previously set for the room.
	ErrInvalidAlgorithm = errors.New("invalid encryption algorithm")
)

// supportedAlgorithms are the room-event algorithms this SDK can encrypt
// with. Olm is a to-device algorithm and never valid for room events.
var supportedAlgorithms = map[string]struct{}{
	event.AlgorithmMegolmV1: {},
}

// maxConcurrentRooms bounds the fan-out of multi-room key sharing.
const maxConcurrentRooms = 4

// Encryptor is the outbound encryption engine for room events.
// All operations on the same room are serialized; unrelated rooms
// proceed in parallel.
type Encryptor struct {
	engine            crypto.RoomEventEncrypting
	settings          store.Store
	rooms             room.Provider
	globalOnlyTrusted bool
	rotationSeconds   uint64
	rotationMessages  uint64
	log               *logger.Logger

	mu        sync.Mutex
	roomLocks map[string]*sync.Mutex
}

// Option configures an Encryptor.
type Option func(*Encryptor)

// WithGlobalOnlyTrustedDevices makes every room require trusted devices
// regardless of per-room settings.
func WithGlobalOnlyTrustedDevices(v bool) Option {
	return func(e *Encryptor) {
		e.globalOnlyTrusted = v
	}
}

// WithRotationDefaults overrides the rotation thresholds applied to rooms
// that first enable encryption.
func WithRotationDefaults(seconds, messages uint64) Option {
	return func(e *Encryptor) {
		if seconds > 0 {
			e.rotationSeconds = seconds
		}
		if messages > 0 {
			e.rotationMessages = messages
		}
	}
}

// New creates an Encryptor.
func New(engine crypto.RoomEventEncrypting, settings store.Store, rooms room.Provider, opts ...Option) *Encryptor {
	e := &Encryptor{
		engine:           engine,
		settings:         settings,
		rooms:            rooms,
		rotationSeconds:  store.DefaultRotationPeriodSeconds,
		rotationMessages: store.DefaultRotationPeriodMessages,
		log:              logger.Global().WithComponent("encryption"),
		roomLocks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Encryptor) roomLock(roomID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		e.roomLocks[roomID] = l
	}
	return l
}

// IsRoomEncrypted reports whether an encryption algorithm has been set for
// the room.
func (e *Encryptor) IsRoomEncrypted(ctx context.Context, roomID string) bool {
	rs, err := e.settings.RoomSettings(ctx, roomID)
	if err != nil {
		e.log.Error("failed to read room settings", "room_id", roomID, "error", err)
		return false
	}
	return rs != nil && rs.Algorithm != ""
}

// Encrypt encrypts event content for a room. Keys are always shared (and
// the outbound session rotated if necessary) before encryption; encrypting
// first would silently produce events some recipients cannot decrypt.
func (e *Encryptor) Encrypt(ctx context.Context, content map[string]any, eventType, roomID string) (map[string]any, error) {
	rm := e.rooms.Room(roomID)
	if rm == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrMissingRoom)
	}

	if err := e.ensureEncryptionAndKeys(ctx, rm); err != nil {
		return nil, err
	}

	encrypted, err := e.engine.EncryptRoomEvent(ctx, content, roomID, eventType)
	if err != nil {
		return nil, fmt.Errorf("encrypt event in %s: %w", roomID, err)
	}
	eventsEncrypted.Inc()
	return encrypted, nil
}

// EnsureRoomKeysShared ensures the room's outbound session satisfies its
// settings and that its key has been shared with all eligible members.
// A room without encryption enabled is a no-op.
func (e *Encryptor) EnsureRoomKeysShared(ctx context.Context, roomID string) error {
	rm := e.rooms.Room(roomID)
	if rm == nil {
		return fmt.Errorf("room %s: %w", roomID, ErrMissingRoom)
	}

	state, err := rm.State(ctx)
	if err != nil {
		return fmt.Errorf("resolve state of %s: %w", roomID, err)
	}
	if state.EncryptionAlgorithm == "" && !e.IsRoomEncrypted(ctx, roomID) {
		e.log.Debug("room is not encrypted", "room_id", roomID)
		return nil
	}

	return e.ensureEncryptionAndKeys(ctx, rm)
}

// EnsureRoomKeysSharedForRooms shares keys for several rooms concurrently
// with a bounded fan-out and waits for all of them. The first error is
// returned; remaining rooms still complete.
func (e *Encryptor) EnsureRoomKeysSharedForRooms(ctx context.Context, roomIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRooms)
	for _, roomID := range roomIDs {
		roomID := roomID
		g.Go(func() error {
			return e.EnsureRoomKeysShared(ctx, roomID)
		})
	}
	return g.Wait()
}

// HandleRoomEncryptionEvent responds to an m.room.encryption state event:
// it resolves (or sets) the room algorithm and refreshes the engine's
// tracked users. Keys are not shared until the next encrypt call.
func (e *Encryptor) HandleRoomEncryptionEvent(ctx context.Context, ev *event.Event) error {
	if ev.RoomID == "" {
		return nil
	}
	rm := e.rooms.Room(ev.RoomID)
	if rm == nil {
		return fmt.Errorf("room %s: %w", ev.RoomID, ErrMissingRoom)
	}

	lock := e.roomLock(ev.RoomID)
	lock.Lock()
	defer lock.Unlock()

	state, err := rm.State(ctx)
	if err != nil {
		return fmt.Errorf("resolve state of %s: %w", ev.RoomID, err)
	}
	if _, err := e.ensureRoomAlgorithm(ctx, ev.RoomID, state.EncryptionAlgorithm); err != nil {
		return err
	}

	users, err := e.eligibleUsers(ctx, rm, state.HistoryVisibility)
	if err != nil {
		return err
	}
	return e.engine.UpdateTrackedUsers(ctx, users)
}

// ensureEncryptionAndKeys makes sure the room algorithm is set, the
// engine tracks all eligible users, and the outbound session is current
// and shared. This runs before every encrypt operation.
func (e *Encryptor) ensureEncryptionAndKeys(ctx context.Context, rm room.Room) error {
	roomID := rm.ID()

	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	state, err := rm.State(ctx)
	if err != nil {
		return fmt.Errorf("resolve state of %s: %w", roomID, err)
	}

	rs, err := e.ensureRoomAlgorithm(ctx, roomID, state.EncryptionAlgorithm)
	if err != nil {
		return err
	}

	users, err := e.eligibleUsers(ctx, rm, state.HistoryVisibility)
	if err != nil {
		return err
	}
	e.log.Debug("collected eligible users", "room_id", roomID, "count", len(users))

	// Deliberate safety net against missed membership-tracking updates;
	// tracking an already-tracked user is a no-op.
	if err := e.engine.UpdateTrackedUsers(ctx, users); err != nil {
		return fmt.Errorf("update tracked users for %s: %w", roomID, err)
	}

	settings := e.encryptionSettings(rs, state.HistoryVisibility)
	if err := e.engine.ShareRoomKeysIfNecessary(ctx, roomID, users, settings); err != nil {
		return fmt.Errorf("share room keys for %s: %w", roomID, err)
	}
	keyShares.Inc()

	e.log.Debug("encryption and room keys up to date", "room_id", roomID)
	return nil
}

// ensureRoomAlgorithm resolves the room's encryption algorithm against the
// claimed state value. The algorithm is set once: an unsupported or
// conflicting later value never overwrites a previously valid setting; it
// is logged and the old value kept. With no previous setting, an invalid
// claim fails with ErrInvalidAlgorithm.
func (e *Encryptor) ensureRoomAlgorithm(ctx context.Context, roomID, claimed string) (store.RoomSettings, error) {
	existing, err := e.settings.RoomSettings(ctx, roomID)
	if err != nil {
		return store.RoomSettings{}, fmt.Errorf("read room settings for %s: %w", roomID, err)
	}

	if existing != nil && existing.Algorithm == claimed {
		return *existing, nil
	}

	_, supported := supportedAlgorithms[claimed]
	if !supported {
		if existing != nil && existing.Algorithm != "" {
			e.log.Warn("ignoring invalid room algorithm, keeping previous",
				"room_id", roomID,
				"algorithm", claimed,
				"previous", existing.Algorithm,
			)
			invalidAlgorithms.Inc()
			return *existing, nil
		}
		e.log.Error("unsupported room algorithm", "room_id", roomID, "algorithm", claimed)
		invalidAlgorithms.Inc()
		return store.RoomSettings{}, fmt.Errorf("room %s algorithm %q: %w", roomID, claimed, ErrInvalidAlgorithm)
	}

	if existing != nil && existing.Algorithm != "" {
		// Set-once: a conflicting algorithm change is rejected, not stored.
		e.log.Warn("rejecting room algorithm change",
			"room_id", roomID,
			"algorithm", claimed,
			"previous", existing.Algorithm,
		)
		return *existing, nil
	}

	rs := store.NewRoomSettings(roomID, claimed)
	rs.RotationPeriodSeconds = e.rotationSeconds
	rs.RotationPeriodMessages = e.rotationMessages
	if err := e.settings.SetRoomSettings(ctx, rs); err != nil {
		return store.RoomSettings{}, fmt.Errorf("store room settings for %s: %w", roomID, err)
	}
	e.log.Info("room encryption enabled", "room_id", roomID, "algorithm", claimed)
	return rs, nil
}

func (e *Encryptor) eligibleUsers(ctx context.Context, rm room.Room, visibility room.HistoryVisibility) ([]string, error) {
	members, err := rm.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve members of %s: %w", rm.ID(), err)
	}
	return room.EligibleMembers(members, visibility), nil
}

func (e *Encryptor) encryptionSettings(rs store.RoomSettings, visibility room.HistoryVisibility) crypto.EncryptionSettings {
	if visibility == "" {
		// History visibility defaults to joined as the most restrictive
		// setting.
		visibility = room.HistoryVisibilityJoined
	}
	return crypto.EncryptionSettings{
		Algorithm:               rs.Algorithm,
		RotationPeriod:          time.Duration(rs.RotationPeriodSeconds) * time.Second,
		RotationPeriodMessages:  rs.RotationPeriodMessages,
		HistoryVisibility:       visibility,
		OnlyAllowTrustedDevices: e.globalOnlyTrusted || rs.OnlyAllowTrustedDevices,
	}
}
