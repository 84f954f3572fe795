package constants

// Relationship mirrors the friend relationship values reported by the Steam client.
type Relationship int

const (
	RelationshipNone             Relationship = 0
	RelationshipBlocked          Relationship = 1
	RelationshipRequestRecipient Relationship = 2
	RelationshipFriend           Relationship = 3
	RelationshipRequestInitiator Relationship = 4
	RelationshipIgnored          Relationship = 5
	RelationshipIgnoredFriend    Relationship = 6
)

func (r Relationship) String() string {
	switch r {
	case RelationshipNone:
		return "none"
	case RelationshipBlocked:
		return "blocked"
	case RelationshipRequestRecipient:
		return "request_recipient"
	case RelationshipFriend:
		return "friend"
	case RelationshipRequestInitiator:
		return "request_initiator"
	case RelationshipIgnored:
		return "ignored"
	case RelationshipIgnoredFriend:
		return "ignored_friend"
	default:
		return "unknown"
	}
}

// IsContact reports whether messages may be sent: a current, non-blocked, non-ignored friend.
func (r Relationship) IsContact() bool {
	return r == RelationshipFriend
}
