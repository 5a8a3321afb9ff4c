package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pkg/errors"
)

// TypingConfig tunes TypingPresence.
type TypingConfig struct {
	// Quiet is how long after the last keystroke the local "stopped typing"
	// signal is sent.
	Quiet time.Duration
	// TTL bounds how long a remote "typing" signal is shown without a refresh.
	TTL time.Duration
	Now func() time.Time
}

func (c *TypingConfig) defaults() {
	if c.Quiet == 0 {
		c.Quiet = 2 * time.Second
	}
	if c.TTL == 0 {
		c.TTL = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type remoteTyping struct {
	expiresAt time.Time
	timer     *time.Timer
}

// TypingPresence tracks who is typing in one conversation and debounces the
// local user's own typing signal.
type TypingPresence struct {
	conversationID string
	selfID         string
	cfg            TypingConfig
	emit           func(isTyping bool)
	debounced      func(f func())

	mu        sync.Mutex
	active    bool
	closed    bool
	remote    map[string]*remoteTyping
	listeners []func()
}

// NewTypingPresence creates the typing state for conversationID. emit is
// called with true on the first keystroke of a burst and with false once the
// burst has been quiet for the configured interval.
func NewTypingPresence(conversationID, selfID string, emit func(isTyping bool), config *TypingConfig) *TypingPresence {
	cfg := TypingConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if emit == nil {
		emit = func(bool) {}
	}
	return &TypingPresence{
		conversationID: conversationID,
		selfID:         selfID,
		cfg:            cfg,
		emit:           emit,
		debounced:      debounce.New(cfg.Quiet),
		remote:         make(map[string]*remoteTyping),
	}
}

// OnChange registers fn to be called when the set of typing users changes.
func (p *TypingPresence) OnChange(fn func()) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

func (p *TypingPresence) notify() {
	p.mu.Lock()
	listeners := append([]func(){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// MarkTyping records a local keystroke.
func (p *TypingPresence) MarkTyping() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	first := !p.active
	p.active = true
	p.mu.Unlock()

	if first {
		p.emit(true)
	}
	p.debounced(p.stopLocal)
}

// IsTyping reports whether the local user is inside a typing burst.
func (p *TypingPresence) IsTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *TypingPresence) stopLocal() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.mu.Unlock()
	p.emit(false)
}

// ApplyRemoteTyping records another participant's typing signal.
func (p *TypingPresence) ApplyRemoteTyping(userID string, isTyping bool) {
	if userID == "" || userID == p.selfID {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	entry, ok := p.remote[userID]
	changed := false
	if isTyping {
		if !ok {
			entry = &remoteTyping{}
			p.remote[userID] = entry
			changed = true
		}
		entry.expiresAt = p.cfg.Now().Add(p.cfg.TTL)
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.timer = time.AfterFunc(p.cfg.TTL, func() { p.expire(userID, entry) })
	} else if ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(p.remote, userID)
		changed = true
	}
	p.mu.Unlock()

	if changed {
		p.notify()
	}
}

// ApplyRemoteChange merges a realtime change of the typing table.
func (p *TypingPresence) ApplyRemoteChange(c Change) error {
	var st TypingState
	if err := c.Row(&st); err != nil {
		return errors.WithMessage(err, "decode typing row")
	}
	if st.ConversationID != "" && st.ConversationID != p.conversationID {
		return errors.Errorf("typing row belongs to conversation %s, not %s",
			st.ConversationID, p.conversationID)
	}
	if st.UserID == "" {
		return errors.New("typing row has no user id")
	}
	isTyping := st.IsTyping && c.Type != OpDelete
	if isTyping && !st.ExpiresAt.IsZero() && !st.ExpiresAt.After(p.cfg.Now()) {
		isTyping = false
	}
	p.ApplyRemoteTyping(st.UserID, isTyping)
	return nil
}

func (p *TypingPresence) expire(userID string, entry *remoteTyping) {
	p.mu.Lock()
	if cur, ok := p.remote[userID]; !ok || cur != entry || p.cfg.Now().Before(entry.expiresAt) {
		p.mu.Unlock()
		return
	}
	delete(p.remote, userID)
	p.mu.Unlock()
	p.notify()
}

// TypingUsers returns the participants currently shown as typing, sorted.
func (p *TypingPresence) TypingUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.cfg.Now()
	users := make([]string, 0, len(p.remote))
	for id, entry := range p.remote {
		if now.Before(entry.expiresAt) {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

// Close sends a final "stopped typing" if a burst is open and stops all
// expiry timers.
func (p *TypingPresence) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	wasActive := p.active
	p.active = false
	for id, entry := range p.remote {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(p.remote, id)
	}
	p.mu.Unlock()

	if wasActive {
		p.emit(false)
	}
}
