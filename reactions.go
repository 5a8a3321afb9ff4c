package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forPelevin/gomoji"
	"github.com/pkg/errors"
)

// ValidateReaction checks that the reaction only contains a single emoji.
func ValidateReaction(reaction string) error {
	if len(gomoji.RemoveEmojis(reaction)) > 0 {
		return ErrInvalidReaction
	}
	if len(gomoji.FindAll(reaction)) != 1 {
		return ErrInvalidReaction
	}
	return nil
}

type reactionKey struct {
	messageID string
	userID    string
}

// ReactionStore caches the reactions of one conversation. Each user holds at
// most one reaction per message; setting another emoji replaces it.
type ReactionStore struct {
	conversationID string
	durable        Store
	now            func() time.Time

	mu        sync.Mutex
	byMessage map[string]map[string]Reaction
	inflight  map[reactionKey]int
	seq       map[reactionKey]uint64
	listeners []func()
}

// NewReactionStore creates an empty reaction cache for conversationID.
func NewReactionStore(conversationID string, durable Store) *ReactionStore {
	return &ReactionStore{
		conversationID: conversationID,
		durable:        durable,
		now:            time.Now,
		byMessage:      make(map[string]map[string]Reaction),
		inflight:       make(map[reactionKey]int),
		seq:            make(map[reactionKey]uint64),
	}
}

// OnChange registers fn to be called after every cache mutation.
func (s *ReactionStore) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *ReactionStore) notify() {
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// SetReaction optimistically upserts userID's reaction on messageID and
// writes it through. The local change is rolled back if the write fails and
// no newer local write for the same pair happened meanwhile.
func (s *ReactionStore) SetReaction(ctx context.Context, messageID, userID, emoji string) error {
	if err := ValidateReaction(emoji); err != nil {
		return err
	}
	r := Reaction{
		MessageID:      messageID,
		ConversationID: s.conversationID,
		UserID:         userID,
		Emoji:          emoji,
		UpdatedAt:      s.now().UTC(),
	}

	prev, hadPrev, mySeq := s.beginWrite(r.MessageID, r.UserID, &r)
	err := s.durable.UpsertReaction(ctx, r)
	s.endWrite(r.MessageID, r.UserID, mySeq, err, prev, hadPrev)
	if err != nil {
		return errors.WithMessagef(err, "set reaction on %s", messageID)
	}
	return nil
}

// RemoveReaction optimistically removes userID's reaction from messageID.
func (s *ReactionStore) RemoveReaction(ctx context.Context, messageID, userID string) error {
	prev, hadPrev, mySeq := s.beginWrite(messageID, userID, nil)
	err := ignoreNotFound(s.durable.DeleteReaction(ctx, messageID, userID))
	s.endWrite(messageID, userID, mySeq, err, prev, hadPrev)
	if err != nil {
		return errors.WithMessagef(err, "remove reaction from %s", messageID)
	}
	return nil
}

func (s *ReactionStore) beginWrite(messageID, userID string, next *Reaction) (Reaction, bool, uint64) {
	key := reactionKey{messageID, userID}
	s.mu.Lock()
	prev, hadPrev := s.byMessage[messageID][userID]
	if next != nil {
		s.put(*next)
	} else {
		s.drop(messageID, userID)
	}
	s.seq[key]++
	mySeq := s.seq[key]
	s.inflight[key]++
	s.mu.Unlock()
	s.notify()
	return prev, hadPrev, mySeq
}

func (s *ReactionStore) endWrite(messageID, userID string, mySeq uint64, err error, prev Reaction, hadPrev bool) {
	key := reactionKey{messageID, userID}
	s.mu.Lock()
	s.inflight[key]--
	if s.inflight[key] <= 0 {
		delete(s.inflight, key)
	}
	rolledBack := false
	if err != nil && s.seq[key] == mySeq {
		if hadPrev {
			s.put(prev)
		} else {
			s.drop(messageID, userID)
		}
		rolledBack = true
	}
	s.mu.Unlock()
	if rolledBack {
		s.notify()
	}
}

// ApplyRemoteReaction merges a realtime change of the reactions table.
// Changes older than a local write for the same (message, user) pair are
// ignored so that an echo cannot undo a newer optimistic write.
func (s *ReactionStore) ApplyRemoteReaction(c Change) error {
	var r Reaction
	if err := c.Row(&r); err != nil {
		return errors.WithMessage(err, "decode reaction row")
	}
	if r.MessageID == "" || r.UserID == "" {
		return errors.New("reaction row has no message or user id")
	}
	if r.ConversationID != "" && r.ConversationID != s.conversationID {
		return errors.Errorf("reaction on %s belongs to conversation %s, not %s",
			r.MessageID, r.ConversationID, s.conversationID)
	}

	key := reactionKey{r.MessageID, r.UserID}
	s.mu.Lock()
	if s.inflight[key] > 0 {
		s.mu.Unlock()
		return nil
	}
	cur, ok := s.byMessage[r.MessageID][r.UserID]
	switch c.Type {
	case OpInsert, OpUpdate:
		if r.Emoji == "" {
			s.mu.Unlock()
			return errors.New("reaction row has no emoji")
		}
		if ok && !r.UpdatedAt.IsZero() && r.UpdatedAt.Before(cur.UpdatedAt) {
			s.mu.Unlock()
			return nil
		}
		s.put(r)
	case OpDelete:
		if !ok {
			s.mu.Unlock()
			return nil
		}
		s.drop(r.MessageID, r.UserID)
	default:
		s.mu.Unlock()
		return errors.Errorf("unknown change type %q", c.Type)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Load replaces the cache with the durable store's rows. Pairs with a local
// write in flight keep their optimistic value.
func (s *ReactionStore) Load(ctx context.Context) error {
	rows, err := s.durable.ListReactions(ctx, s.conversationID)
	if err != nil {
		return errors.WithMessagef(err, "load reactions of %s", s.conversationID)
	}

	s.mu.Lock()
	next := make(map[string]map[string]Reaction)
	for key := range s.inflight {
		if r, ok := s.byMessage[key.messageID][key.userID]; ok {
			if next[key.messageID] == nil {
				next[key.messageID] = make(map[string]Reaction)
			}
			next[key.messageID][key.userID] = r
		}
	}
	for _, r := range rows {
		if _, busy := s.inflight[reactionKey{r.MessageID, r.UserID}]; busy {
			continue
		}
		if next[r.MessageID] == nil {
			next[r.MessageID] = make(map[string]Reaction)
		}
		next[r.MessageID][r.UserID] = r
	}
	s.byMessage = next
	s.mu.Unlock()

	s.notify()
	return nil
}

// DropMessage forgets every reaction on a deleted message.
func (s *ReactionStore) DropMessage(messageID string) {
	s.mu.Lock()
	_, ok := s.byMessage[messageID]
	delete(s.byMessage, messageID)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// GetReactions returns the reactions on messageID, oldest first.
func (s *ReactionStore) GetReactions(messageID string) []Reaction {
	s.mu.Lock()
	out := make([]Reaction, 0, len(s.byMessage[messageID]))
	for _, r := range s.byMessage[messageID] {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Summary groups the reactions on messageID by emoji, most used first.
func (s *ReactionStore) Summary(messageID string) []ReactionGroup {
	groups := make(map[string]*ReactionGroup)
	var order []string
	for _, r := range s.GetReactions(messageID) {
		g, ok := groups[r.Emoji]
		if !ok {
			g = &ReactionGroup{Emoji: r.Emoji}
			groups[r.Emoji] = g
			order = append(order, r.Emoji)
		}
		g.Count++
		g.Users = append(g.Users, r.UserID)
	}

	out := make([]ReactionGroup, 0, len(order))
	for _, e := range order {
		out = append(out, *groups[e])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

func (s *ReactionStore) put(r Reaction) {
	m := s.byMessage[r.MessageID]
	if m == nil {
		m = make(map[string]Reaction)
		s.byMessage[r.MessageID] = m
	}
	m[r.UserID] = r
}

func (s *ReactionStore) drop(messageID, userID string) {
	m := s.byMessage[messageID]
	if m == nil {
		return
	}
	delete(m, userID)
	if len(m) == 0 {
		delete(s.byMessage, messageID)
	}
}
