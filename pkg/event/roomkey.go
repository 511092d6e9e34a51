package event

// RoomKeyContent is the content of an m.room_key event.
type RoomKeyContent struct {
	Algorithm  string
	RoomID     string
	SessionID  string
	SessionKey string
}

// ForwardedRoomKeyContent is the content of an m.forwarded_room_key event.
type ForwardedRoomKeyContent struct {
	RoomKeyContent
	SenderKey            string
	ForwardingKeyChain   []string
	SenderClaimedEd25519 string
}

// RoomKeySessionID extracts the session id from a room key or forwarded
// room key event. It returns "" for any other event type or when the
// content carries no session id.
func RoomKeySessionID(e *Event) string {
	switch e.Type {
	case TypeRoomKey, TypeForwardedRoomKey:
		return e.SessionID()
	default:
		return ""
	}
}

// ParseRoomKeyContent extracts a RoomKeyContent from raw event content.
func ParseRoomKeyContent(content map[string]any) RoomKeyContent {
	c := RoomKeyContent{}
	c.Algorithm, _ = content["algorithm"].(string)
	c.RoomID, _ = content["room_id"].(string)
	c.SessionID, _ = content["session_id"].(string)
	c.SessionKey, _ = content["session_key"].(string)
	return c
}

// ParseForwardedRoomKeyContent extracts a ForwardedRoomKeyContent from raw
// event content.
func ParseForwardedRoomKeyContent(content map[string]any) ForwardedRoomKeyContent {
	c := ForwardedRoomKeyContent{RoomKeyContent: ParseRoomKeyContent(content)}
	c.SenderKey, _ = content["sender_key"].(string)
	c.SenderClaimedEd25519, _ = content["sender_claimed_ed25519_key"].(string)
	if chain, ok := content["forwarding_curve25519_key_chain"].([]any); ok {
		for _, k := range chain {
			if s, ok := k.(string); ok {
				c.ForwardingKeyChain = append(c.ForwardingKeyChain, s)
			}
		}
	}
	return c
}
