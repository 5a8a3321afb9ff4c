package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// SubscriptionState is the lifecycle state of a conversation subscription.
type SubscriptionState string

const (
	StateUnsubscribed SubscriptionState = "unsubscribed"
	StateSubscribing  SubscriptionState = "subscribing"
	StateSubscribed   SubscriptionState = "subscribed"
	StateReconnecting SubscriptionState = "reconnecting"
)

// ChangeHandler receives the changes routed to one conversation. Errors are
// logged by the coordinator and never end the subscription.
type ChangeHandler interface {
	ApplyMessageChange(c Change) error
	ApplyReactionChange(c Change) error
	ApplyTypingChange(c Change) error
	// ApplyEventChange handles a change of the conversation's parent event.
	ApplyEventChange(ctx context.Context, c Change) error
	// Resync is called after every reconnect, since changes may have been
	// missed while the link was down.
	Resync(ctx context.Context) error
}

type topicSpec struct {
	topic  string
	tables []string
}

func topicsFor(ref ConversationRef) []topicSpec {
	specs := []topicSpec{
		{Topic(TableMessages, ref.ID), []string{TableMessages}},
		{Topic(TableReactions, ref.ID), []string{TableReactions}},
		{Topic(TableTyping, ref.ID), []string{TableTyping}},
	}
	if ref.EventID != "" {
		specs = append(specs, topicSpec{Topic(TableEvents, ref.EventID), []string{TableEvents}})
	}
	return specs
}

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator owns the realtime subscriptions of open conversations.
type Coordinator struct {
	transport Transport
	cfg       RealtimeConfig

	mu     sync.Mutex
	active map[string]*SubscriptionHandle
}

// NewCoordinator creates a coordinator subscribing through transport.
func NewCoordinator(transport Transport, config *RealtimeConfig) *Coordinator {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Coordinator{
		transport: transport,
		cfg:       cfg,
		active:    make(map[string]*SubscriptionHandle),
	}
}

// Subscribe opens every topic of ref and starts routing changes to handler.
// A failed initial subscribe is returned to the caller and not retried.
func (c *Coordinator) Subscribe(ctx context.Context, ref ConversationRef, handler ChangeHandler) (*SubscriptionHandle, error) {
	h := &SubscriptionHandle{
		ref:     ref,
		coord:   c,
		handler: handler,
		state:   StateUnsubscribed,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if _, ok := c.active[ref.ID]; ok {
		c.mu.Unlock()
		return nil, errors.Wrap(ErrAlreadySubscribed, ref.ID)
	}
	c.active[ref.ID] = h
	c.mu.Unlock()

	h.setState(StateSubscribing)
	subs, err := c.subscribeAll(ctx, ref)
	if err != nil {
		c.release(h)
		h.setState(StateUnsubscribed)
		return nil, transient("subscribe "+ref.ID, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	h.active.Store(true)
	h.setState(StateSubscribed)
	go h.run(loopCtx, subs)

	jww.DEBUG.Printf("[realtime] subscribed to %s", ref.ID)
	return h, nil
}

// Active returns the number of live subscriptions.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Coordinator) subscribeAll(ctx context.Context, ref ConversationRef) ([]Subscription, error) {
	topics := topicsFor(ref)
	subs := make([]Subscription, 0, len(topics))
	for _, t := range topics {
		s, err := c.transport.Subscribe(ctx, t.topic, t.tables...)
		if err != nil {
			closeAll(subs)
			return nil, errors.WithMessagef(err, "subscribe to %s", t.topic)
		}
		subs = append(subs, s)
	}
	return subs, nil
}

func (c *Coordinator) release(h *SubscriptionHandle) {
	c.mu.Lock()
	if c.active[h.ref.ID] == h {
		delete(c.active, h.ref.ID)
	}
	c.mu.Unlock()
}

func closeAll(subs []Subscription) {
	for _, s := range subs {
		if err := s.Close(); err != nil {
			jww.DEBUG.Printf("[realtime] close subscription: %v", err)
		}
	}
}

// ============================================================================
// SubscriptionHandle
// ============================================================================

// SubscriptionHandle is the live subscription of one conversation.
type SubscriptionHandle struct {
	ref     ConversationRef
	coord   *Coordinator
	handler ChangeHandler
	cancel  context.CancelFunc
	done    chan struct{}
	active  atomic.Bool

	mu        sync.Mutex
	state     SubscriptionState
	err       error
	listeners []func(SubscriptionState)
}

// State returns the current lifecycle state.
func (h *SubscriptionHandle) State() SubscriptionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns why the subscription ended on its own, if it did.
func (h *SubscriptionHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// OnStateChange registers fn to observe state transitions.
func (h *SubscriptionHandle) OnStateChange(fn func(SubscriptionState)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Done is closed once the subscription has fully stopped.
func (h *SubscriptionHandle) Done() <-chan struct{} {
	return h.done
}

// Unsubscribe releases every listener of the conversation. No handler call
// happens after it returns. It must not be called from a ChangeHandler.
func (h *SubscriptionHandle) Unsubscribe() {
	h.active.Store(false)
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
	h.coord.release(h)
	h.setState(StateUnsubscribed)
	jww.DEBUG.Printf("[realtime] unsubscribed from %s", h.ref.ID)
}

func (h *SubscriptionHandle) setState(s SubscriptionState) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	listeners := append([]func(SubscriptionState){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (h *SubscriptionHandle) run(ctx context.Context, subs []Subscription) {
	defer close(h.done)

	recon := newReconnector(&h.coord.cfg)
	recon.markConnected()

	for {
		dropErr := h.pump(ctx, subs)
		closeAll(subs)
		if ctx.Err() != nil {
			return
		}

		jww.WARN.Printf("[realtime] subscription of %s dropped: %v", h.ref.ID, dropErr)
		h.setState(StateReconnecting)

		var err error
		subs, err = h.reconnect(ctx, recon)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			jww.ERROR.Printf("[realtime] giving up on %s: %+v", h.ref.ID, err)
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
			h.active.Store(false)
			h.coord.release(h)
			h.setState(StateUnsubscribed)
			return
		}

		recon.markConnected()
		h.setState(StateSubscribed)
		if err := h.handler.Resync(ctx); err != nil && ctx.Err() == nil {
			jww.WARN.Printf("[realtime] resync of %s failed: %+v", h.ref.ID, err)
		}
	}
}

func (h *SubscriptionHandle) reconnect(ctx context.Context, recon *reconnector) ([]Subscription, error) {
	var lastErr error
	for recon.shouldReconnect() {
		delay := recon.nextDelay()
		realtimeReconnects.Inc()
		jww.INFO.Printf("[realtime] reconnecting %s in %s (attempt %d)", h.ref.ID, delay, recon.attempt)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		subs, err := h.coord.subscribeAll(ctx, h.ref)
		if err == nil {
			return subs, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no reconnect attempts allowed")
	}
	return nil, transient("reconnect "+h.ref.ID, lastErr)
}

// pump routes changes until ctx ends (nil) or a subscription drops.
func (h *SubscriptionHandle) pump(ctx context.Context, subs []Subscription) error {
	merged := make(chan Change)
	dropped := make(chan error, len(subs))
	pctx, pcancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		pcancel()
		wg.Wait()
	}()

	for _, s := range subs {
		wg.Add(1)
		go func(s Subscription) {
			defer wg.Done()
			for {
				select {
				case c, ok := <-s.Changes():
					if !ok {
						err := s.Err()
						if err == nil {
							err = errors.New("subscription closed")
						}
						dropped <- err
						return
					}
					select {
					case merged <- c:
					case <-pctx.Done():
						return
					}
				case <-pctx.Done():
					return
				}
			}
		}(s)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-dropped:
			return err
		case c := <-merged:
			h.dispatch(ctx, c)
		}
	}
}

func (h *SubscriptionHandle) dispatch(ctx context.Context, c Change) {
	if !h.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			realtimeDropped.WithLabelValues(c.Table).Inc()
			jww.ERROR.Printf("[realtime] handler panic on %s change for %s: %v", c.Table, h.ref.ID, r)
		}
	}()

	var err error
	switch c.Table {
	case TableMessages:
		err = h.handler.ApplyMessageChange(c)
	case TableReactions:
		err = h.handler.ApplyReactionChange(c)
	case TableTyping:
		err = h.handler.ApplyTypingChange(c)
	case TableEvents:
		err = h.handler.ApplyEventChange(ctx, c)
	default:
		err = errors.Errorf("unroutable table %q", c.Table)
	}
	if err != nil {
		realtimeDropped.WithLabelValues(c.Table).Inc()
		jww.WARN.Printf("[realtime] dropped %s %s change for %s: %+v", c.Type, c.Table, h.ref.ID, err)
		return
	}
	realtimeEvents.WithLabelValues(c.Table).Inc()
}
