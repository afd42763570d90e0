package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind names one logical channel of an interchange.
type Kind string

// Channel kinds.
const (
	KindHandshake   Kind = "handshake"
	KindSearch      Kind = "search"
	KindFileRequest Kind = "file_request"
	KindResult      Kind = "result"
)

// Kinds lists every channel kind.
var Kinds = []Kind{KindHandshake, KindSearch, KindFileRequest, KindResult}

// Segment is the kind's name in node channel URLs. The handshake channel is
// served under "interchange".
func (k Kind) Segment() string {
	if k == KindHandshake {
		return "interchange"
	}
	return string(k)
}

// ParseKind maps a URL segment back to its channel kind.
func ParseKind(segment string) (Kind, error) {
	for _, k := range Kinds {
		if k.Segment() == segment {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown channel kind %q", segment)
}

// Request types carried in Envelope.RequestType. They drive behavior;
// ChannelType is only a label.
const (
	RequestWelcome         = "welcome"
	RequestUserSearchQuery = "user-search-query"
	RequestUserFileRequest = "user-file-request"
	RequestSearch          = "search"
	RequestSearchResult    = "search-result"
	RequestFileUpload      = "file-upload"
	RequestSearchStarted   = "search-started"
)

// ErrMalformed is returned for envelopes that cannot be decoded.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the message shape exchanged on every channel.
type Envelope struct {
	Message     string          `json:"message"`
	RequestType string          `json:"requestType"`
	SenderID    string          `json:"senderID,omitempty"`
	TargetID    string          `json:"targetID,omitempty"`
	ChannelType string          `json:"channelType,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	SessionID   string          `json:"sessionID,omitempty"`
	ClientID    string          `json:"clientID,omitempty"`
	PyreName    string          `json:"pyreName,omitempty"`
}

// DecodeEnvelope parses an inbound frame. A frame without a request type is
// malformed.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.RequestType == "" {
		return Envelope{}, fmt.Errorf("%w: missing requestType", ErrMalformed)
	}
	return env, nil
}

// WithData returns a copy of env carrying v as its data payload.
func (e Envelope) WithData(v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return e, fmt.Errorf("encode envelope data: %w", err)
	}
	e.Data = raw
	return e, nil
}

// SearchQuery is the data of a user-search-query.
type SearchQuery struct {
	Term        string `json:"term"`
	Description string `json:"description"`
}

// FileRequest is the data of a user-file-request.
type FileRequest struct {
	FileID int64 `json:"file_id"`
}

// DecodeData parses the envelope's data payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformed, e.RequestType)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.RequestType, err)
	}
	return nil
}

// NodeGroup is the group key of a node's channel on an interchange.
func NodeGroup(pyre, node string, kind Kind) string {
	return pyre + node + "_" + string(kind)
}

// ResultGroup is the group key of a session's result channel.
func ResultGroup(session string) string {
	return session + "_result"
}

// SendGroup is the group key of a session's send channel.
func SendGroup(session string) string {
	return session + "_send"
}
