package chat

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Engine
// ============================================================================

// EngineConfig configures an Engine. Zero values take defaults.
type EngineConfig struct {
	Messages MessageStoreConfig
	Typing   TypingConfig
	Upload   UploadConfig
	Realtime RealtimeConfig
	// WriteTimeout bounds background store calls such as typing signals and
	// parent event refetches.
	WriteTimeout time.Duration
	Now          func() time.Time
}

func (c *EngineConfig) defaults() {
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Messages.Now == nil {
		c.Messages.Now = c.Now
	}
	if c.Typing.Now == nil {
		c.Typing.Now = c.Now
	}
	c.Typing.defaults()
}

// Engine opens conversations against one durable store, asset store and
// realtime transport. It holds no per-user state beyond the Identity it is
// given.
type Engine struct {
	store    Store
	identity Identity
	coord    *Coordinator
	media    *MediaUploader
	cursors  *ReadCursorTracker
	cfg      EngineConfig

	mu   sync.Mutex
	open map[string]*Conversation
}

// NewEngine wires the chat engine to its collaborators.
func NewEngine(store Store, assets AssetStore, transport Transport, identity Identity, config *EngineConfig) *Engine {
	cfg := EngineConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Engine{
		store:    store,
		identity: identity,
		coord:    NewCoordinator(transport, &cfg.Realtime),
		media:    NewMediaUploader(assets, &cfg.Upload),
		cursors:  NewReadCursorTracker(store),
		cfg:      cfg,
		open:     make(map[string]*Conversation),
	}
}

// Media returns the engine's uploader.
func (e *Engine) Media() *MediaUploader { return e.media }

// ReadCursors returns the engine's read cursor tracker.
func (e *Engine) ReadCursors() *ReadCursorTracker { return e.cursors }

// Coordinator returns the engine's realtime coordinator.
func (e *Engine) Coordinator() *Coordinator { return e.coord }

// Open subscribes to a conversation and loads its newest page. Opening a
// conversation that is already open returns the existing handle once it has
// finished loading.
func (e *Engine) Open(ctx context.Context, ref ConversationRef) (*Conversation, error) {
	userID, ok := e.identity.CurrentUserID()
	if !ok {
		return nil, ErrNoIdentity
	}
	if ref.ID == "" {
		return nil, errors.New("conversation id is required")
	}

	e.mu.Lock()
	if c, ok := e.open[ref.ID]; ok {
		e.mu.Unlock()
		select {
		case <-c.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if c.startErr != nil {
			return nil, c.startErr
		}
		return c, nil
	}
	c := newConversation(e, ref, userID)
	e.open[ref.ID] = c
	e.mu.Unlock()

	if err := c.start(ctx); err != nil {
		c.startErr = err
		c.Close()
		close(c.ready)
		return nil, err
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	openConversations.Inc()
	close(c.ready)
	jww.INFO.Printf("[chat] opened %s conversation %s as %s", ref.Kind, ref.ID, userID)
	return c, nil
}

// Close closes every open conversation and waits for running uploads.
func (e *Engine) Close() {
	e.mu.Lock()
	open := make([]*Conversation, 0, len(e.open))
	for _, c := range e.open {
		open = append(open, c)
	}
	e.mu.Unlock()

	for _, c := range open {
		c.Close()
	}
	e.media.Wait()
}

// RemoveMessage drops a message deleted outside any conversation handle,
// such as by a retention sweep, from the open conversation holding it.
func (e *Engine) RemoveMessage(conversationID, messageID string) {
	e.mu.Lock()
	c := e.open[conversationID]
	e.mu.Unlock()
	if c == nil {
		return
	}
	if c.messages.Remove(messageID) {
		c.reactions.DropMessage(messageID)
	}
}

func (e *Engine) forget(c *Conversation) {
	e.mu.Lock()
	if e.open[c.ref.ID] == c {
		delete(e.open, c.ref.ID)
	}
	e.mu.Unlock()
}

// ============================================================================
// Conversation
// ============================================================================

// SendOptions is the content of a message to send.
type SendOptions struct {
	Text          string
	ReplyToID     string
	AttachmentURI string
}

// Conversation is the handle of one open conversation. All methods are safe
// for concurrent use.
type Conversation struct {
	ref       ConversationRef
	userID    string
	engine    *Engine
	messages  *MessageStore
	reactions *ReactionStore
	typing    *TypingPresence

	bg       sync.WaitGroup
	bgCtx    context.Context
	cancelBg context.CancelFunc

	mu          sync.Mutex
	sub         *SubscriptionHandle
	event       *EventInfo
	expanded    map[string]bool
	sendUploads map[string]*Upload
	closed      bool
	started     bool
	listeners   []func()

	// One event refetch runs at a time; triggers during it coalesce into a
	// single follow-up.
	refetching   bool
	refetchAgain bool

	ready    chan struct{}
	startErr error
}

func newConversation(e *Engine, ref ConversationRef, userID string) *Conversation {
	c := &Conversation{
		ref:         ref,
		userID:      userID,
		engine:      e,
		messages:    NewMessageStore(ref.ID, e.store, &e.cfg.Messages),
		reactions:   NewReactionStore(ref.ID, e.store),
		expanded:    make(map[string]bool),
		sendUploads: make(map[string]*Upload),
		ready:       make(chan struct{}),
	}
	c.bgCtx, c.cancelBg = context.WithCancel(context.Background())
	c.reactions.now = e.cfg.Now
	c.typing = NewTypingPresence(ref.ID, userID, c.emitTyping, &e.cfg.Typing)

	c.messages.OnChange(c.notify)
	c.reactions.OnChange(c.notify)
	c.typing.OnChange(c.notify)
	return c
}

func (c *Conversation) start(ctx context.Context) error {
	sub, err := c.engine.coord.Subscribe(ctx, c.ref, c)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	if c.ref.EventID != "" {
		if err := c.refreshEvent(ctx); err != nil && !IsNotFound(err) {
			return err
		}
	}
	if _, err := c.messages.LoadOlderPage(ctx, nil); err != nil {
		return err
	}
	if err := c.reactions.Load(ctx); err != nil {
		return err
	}
	if err := c.engine.cursors.Load(ctx, c.ref.ID, c.userID); err != nil {
		jww.WARN.Printf("[chat] %+v", err)
	}
	c.engine.cursors.Track(c.ref.ID, c.messages)
	return nil
}

// Ref returns the conversation's identity.
func (c *Conversation) Ref() ConversationRef { return c.ref }

// UserID returns the user the conversation was opened as.
func (c *Conversation) UserID() string { return c.userID }

// OnChange registers fn to be called whenever anything visible changes.
func (c *Conversation) OnChange(fn func()) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Conversation) notify() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	listeners := append([]func(){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (c *Conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ── Reads ────────────────────────────────────────────────

// Messages iterates the ordered view as of the start of iteration.
func (c *Conversation) Messages() iter.Seq[Message] { return c.messages.All() }

// MessagesAfter iterates the messages after cursor.
func (c *Conversation) MessagesAfter(cursor Cursor) iter.Seq[Message] {
	return c.messages.After(cursor)
}

// Ordered returns a snapshot of the ordered view.
func (c *Conversation) Ordered() []Message { return c.messages.Ordered() }

// Message returns one message by id.
func (c *Conversation) Message(id string) (Message, bool) { return c.messages.Get(id) }

// Thread returns the replies to parentID.
func (c *Conversation) Thread(parentID string) []Message { return c.messages.Thread(parentID) }

// ToggleThread expands or collapses the replies under parentID and returns
// the new state.
func (c *Conversation) ToggleThread(parentID string) bool {
	c.mu.Lock()
	expanded := !c.expanded[parentID]
	if expanded {
		c.expanded[parentID] = true
	} else {
		delete(c.expanded, parentID)
	}
	c.mu.Unlock()
	c.notify()
	return expanded
}

// ExpandedThreads returns the parents whose threads are expanded.
func (c *Conversation) ExpandedThreads() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.expanded))
	for id := range c.expanded {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Reactions returns the reactions on a message.
func (c *Conversation) Reactions(messageID string) []Reaction {
	return c.reactions.GetReactions(messageID)
}

// ReactionSummary returns the reactions on a message grouped by emoji.
func (c *Conversation) ReactionSummary(messageID string) []ReactionGroup {
	return c.reactions.Summary(messageID)
}

// TypingUsers returns the other participants currently typing.
func (c *Conversation) TypingUsers() []string { return c.typing.TypingUsers() }

// UnreadCount returns how many confirmed messages are newer than the user's
// read cursor.
func (c *Conversation) UnreadCount() int {
	return c.engine.cursors.ComputeUnread(c.ref.ID, c.userID)
}

// HasMore reports whether older history may exist.
func (c *Conversation) HasMore() bool { return c.messages.HasMore() }

// Event returns the parent event of a group conversation.
func (c *Conversation) Event() (EventInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.event == nil {
		return EventInfo{}, false
	}
	return *c.event, true
}

// Locked reports whether the conversation is read-only now. It is recomputed
// on every call.
func (c *Conversation) Locked() bool {
	c.mu.Lock()
	ev := c.event
	c.mu.Unlock()
	locked, err := EventLocked(ev, c.engine.cfg.Now())
	if err != nil {
		jww.WARN.Printf("[chat] lock state of %s: %v", c.ref.ID, err)
		return false
	}
	return locked
}

// State returns the realtime subscription state.
func (c *Conversation) State() SubscriptionState {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		return StateUnsubscribed
	}
	return sub.State()
}

// ── Writes ───────────────────────────────────────────────

func (c *Conversation) checkWritable() error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.Locked() {
		return ErrConversationLocked
	}
	return nil
}

// Send appends an optimistic message and delivers it. With an attachment it
// blocks until the upload is remote before the message is written. On
// failure the message stays in the view as failed and the returned handle
// can be passed to Retry or Discard.
func (c *Conversation) Send(ctx context.Context, opts SendOptions) (*PendingMessage, error) {
	if strings.TrimSpace(opts.Text) == "" && opts.AttachmentURI == "" {
		return nil, ErrEmptyMessage
	}
	if err := c.checkWritable(); err != nil {
		return nil, err
	}
	if opts.ReplyToID != "" {
		if parent, ok := c.messages.Get(opts.ReplyToID); ok && parent.IsPending() {
			return nil, errors.Errorf("cannot reply to unconfirmed message %s", opts.ReplyToID)
		}
	}

	draft := Draft{
		SenderID:  c.userID,
		Body:      opts.Text,
		ReplyToID: opts.ReplyToID,
		Kind:      KindUser,
	}
	if opts.AttachmentURI != "" {
		draft.Attachment = &MediaRef{
			LocalURI: opts.AttachmentURI,
			MimeType: guessMimeType(opts.AttachmentURI),
			Status:   MediaLocal,
		}
	}

	p := c.messages.ApplyLocalSend(draft)
	return p, c.deliver(ctx, p.TempID)
}

// Retry re-delivers a failed send in its existing slot. A failed upload is
// restarted first.
func (c *Conversation) Retry(ctx context.Context, tempID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.messages.MarkRetrying(tempID); err != nil {
		return err
	}
	if c.Locked() {
		c.messages.MarkFailed(tempID, ErrConversationLocked)
		return ErrConversationLocked
	}
	return c.deliver(ctx, tempID)
}

// Discard removes a failed or pending send from the view.
func (c *Conversation) Discard(tempID string) error {
	if err := c.messages.Discard(tempID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.sendUploads, tempID)
	c.mu.Unlock()
	return nil
}

func (c *Conversation) deliver(ctx context.Context, tempID string) error {
	msg, ok := c.messages.Pending(tempID)
	if !ok {
		return ErrNotFound
	}

	var localURI string
	if msg.Attachment != nil && msg.Attachment.Status != MediaRemote {
		localURI = msg.Attachment.LocalURI
		up, err := c.uploadFor(ctx, tempID, localURI)
		if err != nil {
			c.messages.MarkFailed(tempID, err)
			return err
		}
		ref, err := up.Wait(ctx)
		if err != nil {
			sendFailures.WithLabelValues("upload").Inc()
			c.messages.MarkFailed(tempID, err)
			return errors.WithMessage(err, "upload attachment")
		}
		c.messages.SetPendingAttachment(tempID, ref)
		msg.Attachment = &ref
	}

	row := msg
	row.ID = ""
	row.CreatedAt = time.Time{}
	row.Status = ""
	row.Err = nil
	if row.Attachment != nil {
		a := *row.Attachment
		a.LocalURI = ""
		row.Attachment = &a
	}

	inserted, err := c.engine.store.InsertMessage(ctx, row)
	if err != nil {
		sendFailures.WithLabelValues("insert").Inc()
		c.messages.MarkFailed(tempID, err)
		return errors.WithMessage(err, "insert message")
	}
	messagesSent.Inc()
	c.messages.Acknowledge(tempID, inserted)

	if localURI != "" {
		c.engine.media.Forget(c.ref.ID, localURI)
		c.mu.Lock()
		delete(c.sendUploads, tempID)
		c.mu.Unlock()
	}
	return nil
}

func (c *Conversation) uploadFor(ctx context.Context, tempID, localURI string) (*Upload, error) {
	observe := func(ref MediaRef) { c.messages.SetPendingAttachment(tempID, ref) }

	c.mu.Lock()
	up := c.sendUploads[tempID]
	c.mu.Unlock()

	if up == nil {
		if existing, ok := c.engine.media.Lookup(c.ref.ID, localURI); ok {
			up = existing
			up.OnStatus(observe)
			observe(up.Ref())
		} else {
			up = c.engine.media.Upload(ctx, localURI, c.ref.ID, observe)
		}
		c.mu.Lock()
		c.sendUploads[tempID] = up
		c.mu.Unlock()
	}

	if up.Ref().Status == MediaFailed {
		if err := c.engine.media.Retry(ctx, up); err != nil {
			return nil, err
		}
	}
	return up, nil
}

// Edit replaces the body of one of the user's confirmed messages.
func (c *Conversation) Edit(ctx context.Context, messageID, body string) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	msg, ok := c.messages.Get(messageID)
	if !ok {
		return ErrNotFound
	}
	if msg.SenderID != c.userID {
		return ErrNotSender
	}
	if msg.IsPending() {
		return errors.Errorf("message %s is not confirmed yet", messageID)
	}
	if strings.TrimSpace(body) == "" && msg.Attachment == nil {
		return ErrEmptyMessage
	}

	updated := msg
	updated.Body = body
	now := c.engine.cfg.Now().UTC()
	updated.EditedAt = &now

	c.messages.Replace(updated)
	c.notify()
	if err := c.engine.store.UpdateMessage(ctx, updated); err != nil {
		c.messages.Replace(msg)
		c.notify()
		return errors.WithMessagef(err, "edit message %s", messageID)
	}
	return nil
}

// Delete removes one of the user's confirmed messages. Messages outside the
// loaded view are looked up in the store to check their sender. Deleting a
// message that is already gone succeeds.
func (c *Conversation) Delete(ctx context.Context, messageID string) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	msg, ok := c.messages.Get(messageID)
	if !ok {
		if c.messages.Deleted(messageID) {
			return nil
		}
		row, err := c.lookupMessage(ctx, messageID)
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		msg = row
	}
	if msg.SenderID != c.userID {
		return ErrNotSender
	}
	if msg.IsPending() {
		return c.Discard(messageID)
	}
	if err := ignoreNotFound(c.engine.store.DeleteMessage(ctx, messageID)); err != nil {
		return errors.WithMessagef(err, "delete message %s", messageID)
	}
	c.messages.Remove(messageID)
	c.reactions.DropMessage(messageID)
	c.notify()
	return nil
}

// lookupMessage fetches a message outside the loaded view so its sender can
// be checked. Stores that cannot look messages up refuse the change.
func (c *Conversation) lookupMessage(ctx context.Context, messageID string) (Message, error) {
	reader, ok := c.engine.store.(MessageReader)
	if !ok {
		return Message{}, errors.Wrapf(ErrNotSender, "message %s is not loaded", messageID)
	}
	msg, err := reader.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, errors.WithMessagef(err, "look up message %s", messageID)
	}
	if msg.ConversationID != c.ref.ID {
		return Message{}, errors.Wrapf(ErrNotFound, "message %s in %s", messageID, c.ref.ID)
	}
	return msg, nil
}

// React sets the user's reaction on a message, replacing any previous one.
func (c *Conversation) React(ctx context.Context, messageID, emoji string) error {
	if err := ValidateReaction(emoji); err != nil {
		return err
	}
	if err := c.checkWritable(); err != nil {
		return err
	}
	if msg, ok := c.messages.Get(messageID); ok && msg.IsPending() {
		return errors.Errorf("cannot react to unconfirmed message %s", messageID)
	}
	return c.reactions.SetReaction(ctx, messageID, c.userID, emoji)
}

// Unreact removes the user's reaction from a message.
func (c *Conversation) Unreact(ctx context.Context, messageID string) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	return c.reactions.RemoveReaction(ctx, messageID, c.userID)
}

// MarkTyping records a keystroke of the local user.
func (c *Conversation) MarkTyping() {
	if c.isClosed() || c.Locked() {
		return
	}
	c.typing.MarkTyping()
}

func (c *Conversation) emitTyping(isTyping bool) {
	st := TypingState{
		ConversationID: c.ref.ID,
		UserID:         c.userID,
		IsTyping:       isTyping,
		ExpiresAt:      c.engine.cfg.Now().Add(c.engine.cfg.Typing.TTL).UTC(),
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.engine.cfg.WriteTimeout)
		defer cancel()
		if err := c.engine.store.UpsertTyping(ctx, st); err != nil {
			jww.WARN.Printf("[chat] typing signal for %s: %v", c.ref.ID, err)
		}
	}()
}

// LoadOlder loads the page before the oldest loaded message.
func (c *Conversation) LoadOlder(ctx context.Context) ([]Message, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.messages.LoadOlderPage(ctx, c.messages.OldestCursor())
}

// MarkSeen advances the user's read cursor to at.
func (c *Conversation) MarkSeen(ctx context.Context, at time.Time) error {
	err := c.engine.cursors.MarkSeen(ctx, c.ref.ID, c.userID, at)
	c.notify()
	return err
}

// MarkAllSeen advances the read cursor to the newest confirmed message.
func (c *Conversation) MarkAllSeen(ctx context.Context) error {
	var newest time.Time
	for _, m := range c.messages.Ordered() {
		if !m.IsPending() && m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	if newest.IsZero() {
		return nil
	}
	return c.MarkSeen(ctx, newest)
}

// ── Realtime ─────────────────────────────────────────────

// ApplyMessageChange implements ChangeHandler.
func (c *Conversation) ApplyMessageChange(ch Change) error {
	if err := c.messages.ApplyRemoteEvent(ch); err != nil {
		return err
	}
	if ch.Type == OpDelete {
		var row struct {
			ID string `json:"id"`
		}
		if ch.Row(&row) == nil && row.ID != "" {
			c.reactions.DropMessage(row.ID)
		}
	}
	return nil
}

// ApplyReactionChange implements ChangeHandler.
func (c *Conversation) ApplyReactionChange(ch Change) error {
	return c.reactions.ApplyRemoteReaction(ch)
}

// ApplyTypingChange implements ChangeHandler.
func (c *Conversation) ApplyTypingChange(ch Change) error {
	return c.typing.ApplyRemoteChange(ch)
}

// ApplyEventChange implements ChangeHandler. The change only signals that
// the parent event moved; its row is fetched again from the store in the
// background so realtime delivery is not held up.
func (c *Conversation) ApplyEventChange(_ context.Context, ch Change) error {
	var row EventInfo
	if err := ch.Row(&row); err != nil {
		return errors.WithMessage(err, "decode event row")
	}
	if row.ID != c.ref.EventID {
		return errors.Errorf("event %s is not the parent of %s", row.ID, c.ref.ID)
	}
	if ch.Type == OpDelete {
		jww.INFO.Printf("[chat] parent event %s of %s was deleted", row.ID, c.ref.ID)
		return nil
	}

	c.triggerRefetch()
	return nil
}

// triggerRefetch starts a background refetch of the parent event, or marks
// the running one to go again when it finishes.
func (c *Conversation) triggerRefetch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.refetching {
		c.refetchAgain = true
		return
	}
	c.refetching = true
	c.bg.Add(1)
	go c.refetchLoop()
}

func (c *Conversation) refetchLoop() {
	defer c.bg.Done()
	for {
		wasLocked := c.Locked()
		ctx, cancel := context.WithTimeout(c.bgCtx, c.engine.cfg.WriteTimeout)
		err := c.refreshEvent(ctx)
		cancel()
		switch {
		case err == nil:
			if locked := c.Locked(); locked != wasLocked {
				jww.INFO.Printf("[chat] %s is now locked=%t", c.ref.ID, locked)
			}
			c.notify()
		case c.bgCtx.Err() == nil:
			jww.WARN.Printf("[chat] refetch parent event of %s: %+v", c.ref.ID, err)
		}

		c.mu.Lock()
		if c.closed || !c.refetchAgain {
			c.refetching = false
			c.mu.Unlock()
			return
		}
		c.refetchAgain = false
		c.mu.Unlock()
	}
}

func (c *Conversation) refreshEvent(ctx context.Context) error {
	ev, err := c.engine.store.GetEvent(ctx, c.ref.EventID)
	if err != nil {
		return errors.WithMessagef(err, "fetch event %s", c.ref.EventID)
	}
	c.mu.Lock()
	c.event = &ev
	c.mu.Unlock()
	return nil
}

// Resync implements ChangeHandler. It reconciles messages, reactions and the
// parent event against the durable store.
func (c *Conversation) Resync(ctx context.Context) error {
	removed, err := c.messages.Resync(ctx)
	if err != nil {
		return err
	}
	for _, id := range removed {
		c.reactions.DropMessage(id)
	}
	if err := c.reactions.Load(ctx); err != nil {
		return err
	}
	if c.ref.EventID != "" {
		if err := c.refreshEvent(ctx); err != nil && !IsNotFound(err) {
			return err
		}
	}
	c.notify()
	return nil
}

// Resubscribe restarts a subscription that ended after exhausting its
// reconnect attempts, then resyncs.
func (c *Conversation) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.sub
	c.mu.Unlock()
	if old != nil && old.State() != StateUnsubscribed {
		return nil
	}

	sub, err := c.engine.coord.Subscribe(ctx, c.ref, c)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return c.Resync(ctx)
}

// Close unsubscribes and releases the handle. Uploads that are still running
// finish in the background and stay available when the conversation is
// opened again.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	started := c.started
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	c.cancelBg()
	c.typing.Close()
	c.messages.Close()
	c.engine.cursors.Untrack(c.ref.ID)
	c.engine.forget(c)
	c.bg.Wait()
	if started {
		openConversations.Dec()
	}
}
