// Package wire defines the JSON envelope multiplexed over the realtime
// socket and its closed set of message types.
package wire

import "encoding/json"

// Type tags a socket message. The enumeration is closed on the sending side;
// receivers must silently ignore values they do not recognize so new types
// can be introduced without breaking old clients.
type Type string

// Connection and session control types.
const (
	TypeLogout          Type = "LOGOUT"
	TypeUnauthenticated Type = "UNAUTHENTICATED"
)

// Call signaling types.
const (
	TypeCallOffer    Type = "CALL_OFFER"
	TypeAnswerOffer  Type = "ANSWER_OFFER"
	TypeCallCanceled Type = "CALL_CANCELED"
	TypeUserBusy     Type = "USER_BUSY"
	TypeUserOffline  Type = "USER_OFFLINE"
	TypeNoAnswer     Type = "NO_ANSWER"
)

// Presence and conversation types.
const (
	TypeOnline           Type = "ONLINE"
	TypeTyping           Type = "TYPING"
	TypeSeenConversation Type = "SEEN_CONVERSATION"
	TypeMessage          Type = "MESSAGE"
)

// Upload-correlation types, one per attachment category.
const (
	TypePostImage    Type = "POST_IMAGE"
	TypeReplyImage   Type = "REPLY_IMAGE"
	TypeMessageMedia Type = "MESSAGE_MEDIA"
)

// Message is the envelope exchanged over the socket. Content is kept raw;
// consumers narrow by Type before decoding it into a concrete payload.
type Message struct {
	Type    Type            `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
}

// New builds an envelope, marshaling content into the raw payload. A nil
// content leaves the field empty.
func New(t Type, content any, from, to string) (Message, error) {
	m := Message{Type: t, From: from, To: to}
	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return Message{}, err
		}
		m.Content = raw
	}
	return m, nil
}

// DecodeContent unmarshals the raw content payload into v.
func (m Message) DecodeContent(v any) error {
	return json.Unmarshal(m.Content, v)
}

// Encode serializes the envelope. Plain JSON, no framing.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses an envelope. No schema validation is performed beyond JSON
// well-formedness; the transport guarantees JSON-only payloads.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
