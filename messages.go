package chat

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultPageSize is the number of messages fetched per history page.
const DefaultPageSize = 20

// TempIDPrefix marks client-assigned ids of messages not yet confirmed.
const TempIDPrefix = "local-"

// ============================================================================
// Configuration
// ============================================================================

// MessageStoreConfig tunes a MessageStore.
type MessageStoreConfig struct {
	PageSize       int
	ConfirmTimeout time.Duration
	// ResyncWindow caps how many of the newest rows a resync refetches.
	ResyncWindow int
	Now          func() time.Time
}

func (c *MessageStoreConfig) defaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 15 * time.Second
	}
	if c.ResyncWindow == 0 {
		c.ResyncWindow = 200
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ============================================================================
// PendingMessage
// ============================================================================

// PendingMessage tracks one local send through confirmation.
type PendingMessage struct {
	TempID string
	store  *MessageStore
}

// Message returns the current state of the send. Once confirmed it is the
// server row. ok is false after the message was discarded or deleted.
func (p *PendingMessage) Message() (Message, bool) {
	return p.store.lookupSend(p.TempID)
}

// Status returns pending, confirmed or failed, or "" once discarded.
func (p *PendingMessage) Status() MessageStatus {
	m, ok := p.Message()
	if !ok {
		return ""
	}
	return m.Status
}

// Err returns why the send failed, if it did.
func (p *PendingMessage) Err() error {
	m, _ := p.Message()
	return m.Err
}

// ============================================================================
// MessageStore
// ============================================================================

type pendingSlot struct {
	timer *time.Timer
	acked bool
}

// MessageStore is the ordered message view of one conversation. It merges
// optimistic local sends, realtime changes and history pages into a single
// list where confirmed messages are always sorted by (createdAt, id) and
// unconfirmed sends stay at the tail.
type MessageStore struct {
	conversationID string
	durable        Store
	cfg            MessageStoreConfig

	mu         sync.Mutex
	view       []Message
	ids        map[string]struct{}
	deleted    map[string]struct{}
	pending    map[string]*pendingSlot
	tempToReal map[string]string
	realToTemp map[string]string
	oldest     *Cursor
	hasMore    bool
	closed     bool
	listeners  []func()
}

// NewMessageStore creates an empty view of conversationID backed by durable.
func NewMessageStore(conversationID string, durable Store, config *MessageStoreConfig) *MessageStore {
	cfg := MessageStoreConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &MessageStore{
		conversationID: conversationID,
		durable:        durable,
		cfg:            cfg,
		ids:            make(map[string]struct{}),
		deleted:        make(map[string]struct{}),
		pending:        make(map[string]*pendingSlot),
		tempToReal:     make(map[string]string),
		realToTemp:     make(map[string]string),
		hasMore:        true,
	}
}

// OnChange registers fn to be called after every mutation of the view.
func (s *MessageStore) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *MessageStore) notify() {
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// ── Local writes ─────────────────────────────────────────

// ApplyLocalSend appends an optimistic message under a temporary id.
func (s *MessageStore) ApplyLocalSend(d Draft) *PendingMessage {
	tempID := TempIDPrefix + uuid.NewString()
	kind := d.Kind
	if kind == "" {
		kind = KindUser
	}
	msg := Message{
		ID:             tempID,
		ClientID:       tempID,
		ConversationID: s.conversationID,
		SenderID:       d.SenderID,
		Body:           d.Body,
		ReplyToID:      d.ReplyToID,
		Kind:           kind,
		CreatedAt:      s.cfg.Now().UTC(),
		Status:         StatusPending,
	}
	if d.Attachment != nil {
		a := *d.Attachment
		msg.Attachment = &a
	}

	s.mu.Lock()
	s.view = append(s.view, msg)
	s.ids[tempID] = struct{}{}
	s.pending[tempID] = &pendingSlot{}
	s.mu.Unlock()

	s.notify()
	return &PendingMessage{TempID: tempID, store: s}
}

// SetPendingAttachment updates the attachment shown on an unconfirmed send.
func (s *MessageStore) SetPendingAttachment(tempID string, ref MediaRef) {
	s.mu.Lock()
	i := s.indexOf(tempID)
	if i < 0 || !s.view[i].IsPending() {
		s.mu.Unlock()
		return
	}
	s.view[i].Attachment = &ref
	s.mu.Unlock()
	s.notify()
}

// Acknowledge records the server row returned by the insert call for a local
// send. The slot stays pending until the realtime INSERT arrives or
// ConfirmTimeout elapses.
func (s *MessageStore) Acknowledge(tempID string, row Message) {
	s.mu.Lock()
	if row.ID != "" {
		s.tempToReal[tempID] = row.ID
		s.realToTemp[row.ID] = tempID
	}
	slot, ok := s.pending[tempID]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}

	// The stream already delivered the row without a client id to match it
	// by, so the local slot is now a duplicate.
	if row.ID != "" && s.indexOf(row.ID) >= 0 {
		s.dropPending(tempID)
		s.mu.Unlock()
		s.notify()
		return
	}

	slot.acked = true
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.timer = time.AfterFunc(s.cfg.ConfirmTimeout, func() { s.expire(tempID) })
	if i := s.indexOf(tempID); i >= 0 {
		s.view[i].Status = StatusPending
		s.view[i].Err = nil
	}
	s.mu.Unlock()
}

// MarkFailed moves an unconfirmed send to failed. It stays in the view.
func (s *MessageStore) MarkFailed(tempID string, err error) {
	s.mu.Lock()
	slot, ok := s.pending[tempID]
	i := s.indexOf(tempID)
	if !ok || i < 0 {
		s.mu.Unlock()
		return
	}
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.acked = false
	s.view[i].Status = StatusFailed
	s.view[i].Err = err
	s.mu.Unlock()

	jww.WARN.Printf("[chat] send %s in %s failed: %v", tempID, s.conversationID, err)
	s.notify()
}

// MarkRetrying puts a failed send back to pending in the same slot.
func (s *MessageStore) MarkRetrying(tempID string) error {
	s.mu.Lock()
	i := s.indexOf(tempID)
	if _, ok := s.pending[tempID]; !ok || i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	if s.view[i].Status != StatusFailed {
		s.mu.Unlock()
		return ErrNotRetryable
	}
	s.view[i].Status = StatusPending
	s.view[i].Err = nil
	s.mu.Unlock()
	s.notify()
	return nil
}

// Discard removes an unconfirmed send from the view.
func (s *MessageStore) Discard(tempID string) error {
	s.mu.Lock()
	if _, ok := s.pending[tempID]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.dropPending(tempID)
	if real, ok := s.tempToReal[tempID]; ok {
		delete(s.realToTemp, real)
		delete(s.tempToReal, tempID)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Pending returns the unconfirmed send stored under tempID.
func (s *MessageStore) Pending(tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[tempID]; !ok {
		return Message{}, false
	}
	i := s.indexOf(tempID)
	if i < 0 {
		return Message{}, false
	}
	return s.view[i], true
}

func (s *MessageStore) expire(tempID string) {
	s.mu.Lock()
	slot, ok := s.pending[tempID]
	i := s.indexOf(tempID)
	if s.closed || !ok || !slot.acked || i < 0 {
		s.mu.Unlock()
		return
	}
	slot.acked = false
	slot.timer = nil
	s.view[i].Status = StatusFailed
	s.view[i].Err = ErrConfirmTimeout
	s.mu.Unlock()

	sendFailures.WithLabelValues("confirm_timeout").Inc()
	jww.WARN.Printf("[chat] send %s in %s was not confirmed within %s",
		tempID, s.conversationID, s.cfg.ConfirmTimeout)
	s.notify()
}

// ── Remote changes ───────────────────────────────────────

// ApplyRemoteEvent merges a realtime change of the messages table.
func (s *MessageStore) ApplyRemoteEvent(c Change) error {
	var msg Message
	if err := c.Row(&msg); err != nil {
		return errors.WithMessage(err, "decode message row")
	}
	if msg.ID == "" {
		return errors.New("message row has no id")
	}
	if msg.ConversationID != "" && msg.ConversationID != s.conversationID {
		return errors.Errorf("message %s belongs to conversation %s, not %s",
			msg.ID, msg.ConversationID, s.conversationID)
	}

	switch c.Type {
	case OpInsert:
		s.mu.Lock()
		merged := s.reconcile(msg)
		s.mu.Unlock()
		if !merged {
			return nil
		}
	case OpUpdate:
		if !s.Replace(msg) {
			return nil
		}
	case OpDelete:
		if !s.Remove(msg.ID) {
			return nil
		}
	default:
		return errors.Errorf("unknown change type %q", c.Type)
	}
	s.notify()
	return nil
}

// Replace swaps in a newer version of a confirmed message. It reports false
// when the message is not in the view.
func (s *MessageStore) Replace(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(msg.ID)
	if i < 0 || s.view[i].IsPending() {
		return false
	}
	msg.Status = StatusConfirmed
	msg.Err = nil
	if msg.ClientID == "" {
		msg.ClientID = s.view[i].ClientID
	}
	s.view[i] = msg
	s.reseat(i)
	return true
}

// Remove deletes a message from the view by its server id. An unconfirmed
// send already acknowledged under that id is removed too. The id is
// remembered so a page or resync fetched before the delete cannot bring the
// message back.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[id] = struct{}{}
	removed := false
	if i := s.indexOf(id); i >= 0 {
		s.removeAt(i)
		removed = true
	}
	if tempID, ok := s.realToTemp[id]; ok {
		if _, pending := s.pending[tempID]; pending {
			s.dropPending(tempID)
			removed = true
		}
	}
	return removed
}

// Deleted reports whether id was removed from the view as deleted.
func (s *MessageStore) Deleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.deleted[id]
	return ok
}

// reconcile merges a confirmed row and reports whether it is in the view
// afterwards. Rows of deleted messages are ignored. Callers hold s.mu.
func (s *MessageStore) reconcile(msg Message) bool {
	if _, gone := s.deleted[msg.ID]; gone {
		return false
	}
	msg.Status = StatusConfirmed
	msg.Err = nil

	if i := s.indexOf(msg.ID); i >= 0 {
		if msg.ClientID == "" {
			msg.ClientID = s.view[i].ClientID
		}
		s.view[i] = msg
		s.reseat(i)
		return true
	}

	tempID := s.realToTemp[msg.ID]
	if tempID == "" && msg.ClientID != "" {
		if _, ok := s.pending[msg.ClientID]; ok {
			tempID = msg.ClientID
		}
	}
	if tempID != "" {
		if i := s.indexOf(tempID); i >= 0 {
			if slot := s.pending[tempID]; slot != nil && slot.timer != nil {
				slot.timer.Stop()
			}
			delete(s.pending, tempID)
			s.tempToReal[tempID] = msg.ID
			s.realToTemp[msg.ID] = tempID
			if msg.ClientID == "" {
				msg.ClientID = tempID
			}
			delete(s.ids, tempID)
			s.ids[msg.ID] = struct{}{}
			s.view[i] = msg
			s.reseat(i)
			return true
		}
	}

	s.insertSorted(msg)
	return true
}

// insertSorted places a confirmed message by (createdAt, id), ahead of any
// unconfirmed sends at the tail.
func (s *MessageStore) insertSorted(msg Message) {
	c := msg.Cursor()
	i := len(s.view)
	for i > 0 && (s.view[i-1].IsPending() || c.Before(s.view[i-1].Cursor())) {
		i--
	}
	s.view = append(s.view, Message{})
	copy(s.view[i+1:], s.view[i:])
	s.view[i] = msg
	s.ids[msg.ID] = struct{}{}
}

// reseat moves a just-confirmed entry if leaving it in place would break the
// order of confirmed messages.
func (s *MessageStore) reseat(i int) {
	c := s.view[i].Cursor()
	ordered := true
	for j := i - 1; j >= 0; j-- {
		if s.view[j].IsPending() {
			continue
		}
		ordered = s.view[j].Cursor().Before(c)
		break
	}
	if ordered {
		for j := i + 1; j < len(s.view); j++ {
			if s.view[j].IsPending() {
				continue
			}
			ordered = c.Before(s.view[j].Cursor())
			break
		}
	}
	if ordered {
		return
	}
	msg := s.view[i]
	s.removeAt(i)
	s.insertSorted(msg)
}

func (s *MessageStore) removeAt(i int) {
	delete(s.ids, s.view[i].ID)
	s.view = append(s.view[:i], s.view[i+1:]...)
}

func (s *MessageStore) dropPending(tempID string) {
	if slot := s.pending[tempID]; slot != nil && slot.timer != nil {
		slot.timer.Stop()
	}
	delete(s.pending, tempID)
	if i := s.indexOf(tempID); i >= 0 {
		s.removeAt(i)
	}
}

func (s *MessageStore) indexOf(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := len(s.view) - 1; i >= 0; i-- {
		if s.view[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) lookupSend(tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(tempID); i >= 0 {
		return s.view[i], true
	}
	if real, ok := s.tempToReal[tempID]; ok {
		if i := s.indexOf(real); i >= 0 {
			return s.view[i], true
		}
	}
	return Message{}, false
}

// ── History ──────────────────────────────────────────────

// LoadOlderPage fetches the page strictly older than before (the newest page
// when before is nil) and merges it into the view. The page is returned
// oldest first. Loading the same cursor twice leaves the view unchanged.
func (s *MessageStore) LoadOlderPage(ctx context.Context, before *Cursor) ([]Message, error) {
	rows, err := s.durable.ListMessages(ctx, s.conversationID, before, s.cfg.PageSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "load messages of %s", s.conversationID)
	}

	page := make([]Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].ConversationID != "" && rows[i].ConversationID != s.conversationID {
			continue
		}
		page = append(page, rows[i])
	}

	s.mu.Lock()
	frontier := before == nil || s.oldest == nil || !s.oldest.Before(*before)
	if len(page) > 0 {
		c := page[0].Cursor()
		if s.oldest == nil || c.Before(*s.oldest) {
			s.oldest = &c
		}
	}
	merged := page[:0]
	for _, m := range page {
		if s.reconcile(m) {
			merged = append(merged, m)
		}
	}
	page = merged
	if frontier {
		s.hasMore = len(rows) >= s.cfg.PageSize
	}
	s.mu.Unlock()

	s.notify()
	for i := range page {
		page[i].Status = StatusConfirmed
	}
	return page, nil
}

// Resync refetches the newest window from the durable store and reconciles
// the view against it. Confirmed messages inside the window that the store
// no longer has are removed; their ids are returned.
func (s *MessageStore) Resync(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	known := make(map[string]struct{})
	for _, m := range s.view {
		if !m.IsPending() {
			known[m.ID] = struct{}{}
		}
	}
	s.mu.Unlock()

	limit := len(known)
	if limit < s.cfg.PageSize {
		limit = s.cfg.PageSize
	}
	if limit > s.cfg.ResyncWindow {
		limit = s.cfg.ResyncWindow
	}

	rows, err := s.durable.ListMessages(ctx, s.conversationID, nil, limit)
	if err != nil {
		return nil, errors.WithMessagef(err, "resync messages of %s", s.conversationID)
	}

	fetched := make(map[string]struct{}, len(rows))
	complete := len(rows) < limit
	var floor Cursor
	if len(rows) > 0 {
		floor = rows[len(rows)-1].Cursor()
	}

	s.mu.Lock()
	for i := len(rows) - 1; i >= 0; i-- {
		fetched[rows[i].ID] = struct{}{}
		s.reconcile(rows[i])
	}

	var removed []string
	for i := len(s.view) - 1; i >= 0; i-- {
		m := s.view[i]
		if _, ok := known[m.ID]; !ok || m.IsPending() {
			continue
		}
		if _, ok := fetched[m.ID]; ok {
			continue
		}
		if complete || !m.Cursor().Before(floor) {
			removed = append(removed, m.ID)
			s.deleted[m.ID] = struct{}{}
			s.removeAt(i)
		}
	}
	if complete {
		s.hasMore = false
	}
	if s.oldest == nil && len(rows) > 0 {
		s.oldest = &floor
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		jww.INFO.Printf("[chat] resync of %s removed %d deleted messages", s.conversationID, len(removed))
	}
	s.notify()
	return removed, nil
}

// ── Reads ────────────────────────────────────────────────

// Ordered returns a snapshot of the view.
func (s *MessageStore) Ordered() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.view...)
}

// All iterates a snapshot of the view taken when iteration starts.
func (s *MessageStore) All() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, m := range s.Ordered() {
			if !yield(m) {
				return
			}
		}
	}
}

// After iterates the messages that sort strictly after c, so a consumer can
// resume where it stopped.
func (s *MessageStore) After(c Cursor) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, m := range s.Ordered() {
			if !c.Before(m.Cursor()) {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

// Get returns the message with the given id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.view[i], true
	}
	return Message{}, false
}

// Thread returns the replies to parentID ordered by creation time.
func (s *MessageStore) Thread(parentID string) []Message {
	var replies []Message
	for _, m := range s.Ordered() {
		if m.ReplyToID == parentID {
			replies = append(replies, m)
		}
	}
	sort.SliceStable(replies, func(i, j int) bool {
		return replies[i].CreatedAt.Before(replies[j].CreatedAt)
	})
	return replies
}

// Len returns the number of messages in the view.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.view)
}

// OldestCursor returns the boundary of the oldest loaded page.
func (s *MessageStore) OldestCursor() *Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oldest == nil {
		return nil
	}
	c := *s.oldest
	return &c
}

// HasMore reports whether older history may exist.
func (s *MessageStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Close stops confirmation timers. The view stays readable.
func (s *MessageStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, slot := range s.pending {
		if slot.timer != nil {
			slot.timer.Stop()
			slot.timer = nil
		}
	}
}
