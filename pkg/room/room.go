// Package room defines the room and membership surface the encryption
// engine consumes. Implementations live in the sync/session layer.
package room

import "context"

// HistoryVisibility controls which members may read room history, and by
// extension which members are eligible to receive room keys.
type HistoryVisibility string

const (
	HistoryVisibilityInvited       HistoryVisibility = "invited"
	HistoryVisibilityJoined        HistoryVisibility = "joined"
	HistoryVisibilityShared        HistoryVisibility = "shared"
	HistoryVisibilityWorldReadable HistoryVisibility = "world_readable"
)

// Membership is a member's state in a room.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

// Member is a single room member.
type Member struct {
	UserID     string
	Membership Membership
}

// State is the encryption-relevant slice of a room's current state.
// Zero values mean the corresponding state event is absent.
type State struct {
	EncryptionAlgorithm string
	HistoryVisibility   HistoryVisibility
}

// Room exposes the state and membership of a single room. State and
// membership resolution may hit the local database, so both take a context.
type Room interface {
	ID() string
	State(ctx context.Context) (State, error)
	Members(ctx context.Context) ([]Member, error)
}

// Provider resolves rooms by id. A nil return means the room is unknown.
type Provider interface {
	Room(roomID string) Room
}

// EligibleMembers returns the user ids that should be able to decrypt new
// events given the room's history visibility. Joined members are always
// eligible; invited members are additionally eligible unless visibility is
// restricted to joined members. An unset visibility defaults to joined as
// the most restrictive setting.
func EligibleMembers(members []Member, visibility HistoryVisibility) []string {
	if visibility == "" {
		visibility = HistoryVisibilityJoined
	}

	includeInvited := visibility != HistoryVisibilityJoined

	var users []string
	for _, m := range members {
		switch m.Membership {
		case MembershipJoin:
			users = append(users, m.UserID)
		case MembershipInvite:
			if includeInvited {
				users = append(users, m.UserID)
			}
		}
	}
	return users
}
