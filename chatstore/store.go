package chatstore

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"waveline/graph"
	"waveline/models"
)

const messageFragmentPrefix = "Message:"

// Store is the id-keyed repository backing the chat view and conversation
// list. It applies the pure reconcilers under one lock and mirrors message
// entities into the normalized GraphQL cache when one is attached.
type Store struct {
	log   *slog.Logger
	cache graph.Cache

	mu        sync.Mutex
	messages  []models.Message
	summaries []models.ConversationSummary
	active    string
}

// NewStore builds a Store. cache may be nil.
func NewStore(cache graph.Cache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cache: cache, log: logger}
}

// SetActiveConversation records which counterpart's chat view is open.
// Summary reconciliation consults it so a push for the open conversation
// does not flip the summary unseen.
func (s *Store) SetActiveConversation(counterpart string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = counterpart
}

// ActiveConversation returns the open counterpart id, or "".
func (s *Store) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LoadMessages replaces the loaded set, newest first. Used when a
// conversation is opened or a page lands.
func (s *Store) LoadMessages(list []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]models.Message(nil), list...)
}

// LoadSummaries replaces the conversation list.
func (s *Store) LoadSummaries(list []models.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append([]models.ConversationSummary(nil), list...)
}

// Messages returns a copy of the loaded set.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// Summaries returns a copy of the conversation list.
func (s *Store) Summaries() []models.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConversationSummary(nil), s.summaries...)
}

// ApplyPush merges a pushed message event: the conversation list always, the
// loaded set only when the message belongs to the open conversation.
func (s *Store) ApplyPush(msg models.Message) {
	if msg.ID == "" {
		s.log.Debug("ignoring malformed message push")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = ReconcileSummaries(s.summaries, msg, s.active)
	if s.active != "" && (msg.From == s.active || msg.To == s.active) {
		s.messages = ReconcileIncoming(s.messages, msg)
	}
	s.mirror(msg)
}

// StagePending writes the local placeholder for a message being sent. The
// returned copy carries the assigned id and the LOADING created date.
func (s *Store) StagePending(msg models.Message) models.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedDate = models.CreatedDateLoading
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]models.Message{msg}, s.messages...)
	s.summaries = ReconcileSummaries(s.summaries, msg, s.active)
	s.mirror(msg)
	return msg
}

// ResolvePending settles the placeholder after a successful send, rewriting
// only createdDate and, when the server stored a different value, media.
// The entry itself is never replaced.
func (s *Store) ResolvePending(id, createdDate string, media *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID != id {
			continue
		}
		s.messages[i].CreatedDate = createdDate
		if media != nil && *media != s.messages[i].Media {
			s.messages[i].Media = *media
		}
		s.mirror(s.messages[i])
		return
	}
	s.log.Debug("resolve for unknown placeholder", "id", id)
}

// FailPending marks the placeholder as failed. It stays in place so the UI
// shows a stable send-failed affordance instead of a disappearing message.
func (s *Store) FailPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].CreatedDate = models.CreatedDateError
			s.mirror(s.messages[i])
			return
		}
	}
}

// ApplyReaction merges a pushed reaction event into the target message.
func (s *Store) ApplyReaction(ev ReactionEvent) {
	if ev.MessageID == "" || ev.From == "" {
		s.log.Debug("ignoring malformed reaction event")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == ev.MessageID {
			s.messages[i].Reactions = ApplyReaction(s.messages[i].Reactions, ev)
			s.mirror(s.messages[i])
			return
		}
	}
}

// ApplyDelete marks a message deleted in place.
func (s *Store) ApplyDelete(ev DeleteEvent) {
	if ev.MessageID == "" {
		s.log.Debug("ignoring malformed delete event")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = MarkDeleted(s.messages, ev.MessageID)
	for i := range s.messages {
		if s.messages[i].ID == ev.MessageID {
			s.mirror(s.messages[i])
		}
	}
}

// MarkSummarySeen marks the summary for counterpart as seen, used when the
// user opens that conversation.
func (s *Store) MarkSummarySeen(counterpart string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.summaries {
		if s.summaries[i].From == counterpart || s.summaries[i].To == counterpart {
			s.summaries[i].Seen = true
		}
	}
}

// mirror writes the message fragment through to the normalized cache.
// Callers hold s.mu.
func (s *Store) mirror(msg models.Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.WriteFragment(messageFragmentPrefix+msg.ID, msg); err != nil {
		s.log.Warn("cache fragment write failed", "id", msg.ID, "err", err)
	}
}
