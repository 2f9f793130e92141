// Package models contains data structures for the client's chat domain.
package models

// CreatedDate sentinel values for a locally sent message whose mutation has
// not settled yet. Once settled it holds an epoch-milliseconds string.
const (
	CreatedDateLoading = "LOADING"
	CreatedDateError   = "ERROR"
)

// User is the slice of profile data the realtime layer cares about.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// Message is a chat message. It is immutable once delivered except for
// CreatedDate (LOADING -> timestamp or ERROR), Deleted (false -> true) and
// Media (cleared on delete).
type Message struct {
	ID          string     `json:"id"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Text        string     `json:"text"`
	Media       string     `json:"media,omitempty"`
	CreatedDate string     `json:"createdDate"`
	Deleted     bool       `json:"deleted"`
	Reactions   []Reaction `json:"reactions,omitempty"`
}

// Pending reports whether the message is a local placeholder still waiting
// for its send mutation to settle.
func (m Message) Pending() bool {
	return m.CreatedDate == CreatedDateLoading
}

// Failed reports whether the send mutation for the message failed.
func (m Message) Failed() bool {
	return m.CreatedDate == CreatedDateError
}

// Reaction is one user's reaction to a message. At most one reaction exists
// per (message, user) pair.
type Reaction struct {
	ID          string `json:"id"`
	MessageID   string `json:"message"`
	From        string `json:"from"`
	To          string `json:"to"`
	Kind        string `json:"reaction"`
	CreatedDate string `json:"createdDate"`
}

// ConversationSummary is the latest-message snapshot shown in the
// conversation list, one per counterpart user. It is keyed by the unordered
// (From, To) participant pair of its latest message.
type ConversationSummary struct {
	ID      string  `json:"id"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Message Message `json:"message"`
	Seen    bool    `json:"seen"`
}

// SamePair reports whether the summary covers the conversation between a and
// b, in either direction.
func (s ConversationSummary) SamePair(a, b string) bool {
	return (s.From == a && s.To == b) || (s.From == b && s.To == a)
}

// Counterpart returns the other participant of the summary from the point of
// view of self.
func (s ConversationSummary) Counterpart(self string) string {
	if s.From == self {
		return s.To
	}
	return s.From
}
