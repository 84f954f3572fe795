package bridge

import (
	"github.com/fxamacker/cbor/v2"
)

// Frame types exchanged with the Steam session sidecar.
const (
	// outbound
	FrameRequestMatch      = "request_match"
	FrameRelationshipQuery = "relationship_query"
	FrameChatMessage       = "chat_message"

	// inbound
	FrameStatus       = "status"
	FrameMatchInfo    = "match_info"
	FrameRelationship = "relationship"
	FrameChatAck      = "chat_ack"
	FrameError        = "error"
)

// Frame is one CBOR item on the bridge socket. Fields not used by a frame
// type are omitted.
type Frame struct {
	Type string `cbor:"type"`
	// ID correlates relationship and chat requests with their replies.
	ID string `cbor:"id,omitempty"`

	ShareCode    string          `cbor:"share_code,omitempty"`
	SteamID      int64           `cbor:"steam_id,omitempty"`
	Text         string          `cbor:"text,omitempty"`
	Relationship int             `cbor:"relationship,omitempty"`
	Payload      cbor.RawMessage `cbor:"payload,omitempty"`

	GCReady     *bool `cbor:"gc_ready,omitempty"`
	SocialReady *bool `cbor:"social_ready,omitempty"`

	Message string `cbor:"message,omitempty"`
}
