// Package store persists per-room encryption settings. Two backends are
// provided: a SQLite store for durable clients and an in-memory store for
// tests and ephemeral sessions.
package store

import "context"

// Default rotation thresholds for outbound group sessions.
const (
	DefaultRotationPeriodSeconds  uint64 = 7 * 24 * 3600
	DefaultRotationPeriodMessages uint64 = 100
)

// RoomSettings holds the encryption configuration of a single room.
// Algorithm is set once; conflicting later values are rejected by the
// encryption layer, never silently overwritten.
type RoomSettings struct {
	RoomID                  string
	Algorithm               string
	OnlyAllowTrustedDevices bool
	RotationPeriodSeconds   uint64
	RotationPeriodMessages  uint64
}

// NewRoomSettings returns settings for a room with default rotation
// thresholds.
func NewRoomSettings(roomID, algorithm string) RoomSettings {
	return RoomSettings{
		RoomID:                 roomID,
		Algorithm:              algorithm,
		RotationPeriodSeconds:  DefaultRotationPeriodSeconds,
		RotationPeriodMessages: DefaultRotationPeriodMessages,
	}
}

// Store is the persistence surface for room encryption settings.
// Get/set semantics only; the SDK requires no transactions.
type Store interface {
	// RoomSettings returns the stored settings for a room, or nil when
	// none exist.
	RoomSettings(ctx context.Context, roomID string) (*RoomSettings, error)

	// SetRoomSettings stores or replaces a room's settings.
	SetRoomSettings(ctx context.Context, settings RoomSettings) error

	Close() error
}
