package entity

// User represents a users row as read by the share-code poller.
type User struct {
	SteamID            int64   `json:"steam_id"`
	AuthCode           string  `json:"auth_code"`
	LastKnownMatchCode *string `json:"last_known_match_code,omitempty"`
	AuthCodeValid      *bool   `json:"auth_code_valid,omitempty"`
}
