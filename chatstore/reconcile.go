// Package chatstore keeps chat messages, conversation summaries and
// reactions coherent across subscription pushes, mutation responses and
// paginated fetches. Reconciliation is expressed as pure functions over
// explicit entity slices so the rules are testable without any UI or
// network harness.
package chatstore

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"waveline/models"
)

// ReactionEvent is a pushed reaction change for one (message, user) pair.
type ReactionEvent struct {
	MessageID string `json:"message"`
	From      string `json:"from"`
	To        string `json:"to"`
	Kind      string `json:"reaction"`
	Deleted   bool   `json:"deleted"`
}

// DeleteEvent is a pushed message deletion.
type DeleteEvent struct {
	MessageID string `json:"message"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// ReconcileSummaries merges a pushed message into the conversation list. The
// summary whose unordered participant pair matches the event is replaced in
// place; otherwise a synthesized summary is prepended. The pair can never
// end up with two summaries. activeCounterpart suppresses the unseen flag
// for the conversation currently open in the chat view.
func ReconcileSummaries(summaries []models.ConversationSummary, msg models.Message, activeCounterpart string) []models.ConversationSummary {
	if msg.ID == "" || msg.From == "" || msg.To == "" {
		return summaries
	}
	seen := activeCounterpart != "" &&
		(msg.From == activeCounterpart || msg.To == activeCounterpart)
	for i, s := range summaries {
		if s.SamePair(msg.From, msg.To) {
			out := make([]models.ConversationSummary, len(summaries))
			copy(out, summaries)
			out[i] = models.ConversationSummary{
				ID:      s.ID,
				From:    msg.From,
				To:      msg.To,
				Message: msg,
				Seen:    seen,
			}
			return out
		}
	}
	created := models.ConversationSummary{
		ID:      uuid.NewString(),
		From:    msg.From,
		To:      msg.To,
		Message: msg,
		Seen:    seen,
	}
	return append([]models.ConversationSummary{created}, summaries...)
}

// ReconcileIncoming prepends a pushed message unless its id is already in
// the loaded set. The id check guards the race where the mutation response
// and the subscription push both deliver the same message.
func ReconcileIncoming(messages []models.Message, pushed models.Message) []models.Message {
	if pushed.ID == "" {
		return messages
	}
	for _, m := range messages {
		if m.ID == pushed.ID {
			return messages
		}
	}
	return append([]models.Message{pushed}, messages...)
}

// ApplyReaction enforces at most one reaction per user per message by
// find-or-replace, never by deduplicating after the fact. A deleted event
// for a user with no reaction is an idempotent no-op.
func ApplyReaction(reactions []models.Reaction, ev ReactionEvent) []models.Reaction {
	if ev.MessageID == "" || ev.From == "" {
		return reactions
	}
	if ev.Deleted {
		out := make([]models.Reaction, 0, len(reactions))
		for _, r := range reactions {
			if r.From != ev.From {
				out = append(out, r)
			}
		}
		return out
	}
	fresh := models.Reaction{
		ID:          uuid.NewString(),
		MessageID:   ev.MessageID,
		From:        ev.From,
		To:          ev.To,
		Kind:        ev.Kind,
		CreatedDate: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	for i, r := range reactions {
		if r.From == ev.From {
			out := make([]models.Reaction, len(reactions))
			copy(out, reactions)
			out[i] = fresh
			return out
		}
	}
	return append(append(make([]models.Reaction, 0, len(reactions)+1), reactions...), fresh)
}

// MarkDeleted flips the deleted flag and clears media without removing the
// entry, so ordering among siblings is preserved and the UI can render a
// tombstone in place.
func MarkDeleted(messages []models.Message, id string) []models.Message {
	if id == "" {
		return messages
	}
	out := make([]models.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].ID == id {
			out[i].Deleted = true
			out[i].Media = ""
		}
	}
	return out
}
