package chat

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/time/rate"
)

// ErrSweepRunning is returned when a sweep is started while another one is
// still in progress.
var ErrSweepRunning = errors.New("a retention sweep is already running")

// RetentionConfig configures a Sweeper. Zero values take defaults.
type RetentionConfig struct {
	// Window is how long attachments are kept. Default 48h.
	Window time.Duration
	// Schedule is the cron expression Run sweeps on. Default "@hourly".
	Schedule string
	// DeleteRate caps deletions per second. Default 20.
	DeleteRate rate.Limit
	Burst      int
	Now        func() time.Time
}

func (c *RetentionConfig) defaults() {
	if c.Window == 0 {
		c.Window = 48 * time.Hour
	}
	if c.Schedule == "" {
		c.Schedule = "@hourly"
	}
	if c.DeleteRate == 0 {
		c.DeleteRate = 20
	}
	if c.Burst == 0 {
		c.Burst = 5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Cutoff        time.Time
	Scanned       int
	AssetsDeleted int
	AssetFailures int
	RowsDeleted   int
	RowFailures   int
	Bytes         int64
}

// Sweeper deletes attachments, and the messages carrying them, once they are
// older than the retention window.
type Sweeper struct {
	store   Store
	assets  AssetStore
	cfg     RetentionConfig
	limiter *rate.Limiter

	mu        sync.Mutex
	running   bool
	onDeleted []func(Message)
}

// NewSweeper creates a sweeper over store and assets.
func NewSweeper(store Store, assets AssetStore, config *RetentionConfig) *Sweeper {
	cfg := RetentionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Sweeper{
		store:   store,
		assets:  assets,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.DeleteRate, cfg.Burst),
	}
}

// OnMessageDeleted registers fn to be called for every swept message row.
func (s *Sweeper) OnMessageDeleted(fn func(Message)) {
	s.mu.Lock()
	s.onDeleted = append(s.onDeleted, fn)
	s.mu.Unlock()
}

// Plan returns the messages a sweep at now would delete.
func (s *Sweeper) Plan(ctx context.Context, now time.Time) ([]Message, error) {
	cutoff := now.Add(-s.cfg.Window)
	msgs, err := s.store.ListAttachmentsOlderThan(ctx, cutoff)
	if err != nil {
		return nil, errors.WithMessage(err, "list expired attachments")
	}
	return msgs, nil
}

// Sweep deletes every attachment older than the window at now. For each
// message the asset and the row are deleted independently; a failure of
// either is logged and the message is left for the next pass.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return SweepReport{}, ErrSweepRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	report := SweepReport{Cutoff: now.Add(-s.cfg.Window)}
	msgs, err := s.Plan(ctx, now)
	if err != nil {
		return report, err
	}
	report.Scanned = len(msgs)
	jww.INFO.Printf("[retention] sweeping %d attachments older than %s", len(msgs), report.Cutoff.Format(time.RFC3339))

	for _, m := range msgs {
		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}

		if m.Attachment != nil && m.Attachment.ObjectKey != "" {
			if err := s.assets.DeleteObject(ctx, m.Attachment.ObjectKey); err != nil {
				report.AssetFailures++
				sweptMessages.WithLabelValues("asset", "failed").Inc()
				jww.WARN.Printf("[retention] delete asset %s of message %s: %+v", m.Attachment.ObjectKey, m.ID, err)
			} else {
				report.AssetsDeleted++
				report.Bytes += m.Attachment.Size
				sweptMessages.WithLabelValues("asset", "deleted").Inc()
			}
		}

		if err := ignoreNotFound(s.store.DeleteMessage(ctx, m.ID)); err != nil {
			report.RowFailures++
			sweptMessages.WithLabelValues("message", "failed").Inc()
			jww.WARN.Printf("[retention] delete message %s: %+v", m.ID, err)
			continue
		}
		report.RowsDeleted++
		sweptMessages.WithLabelValues("message", "deleted").Inc()
		s.deleted(m)
	}

	jww.INFO.Printf("[retention] swept %d/%d messages, %d assets (%d asset failures, %d row failures)",
		report.RowsDeleted, report.Scanned, report.AssetsDeleted, report.AssetFailures, report.RowFailures)
	return report, nil
}

func (s *Sweeper) deleted(m Message) {
	s.mu.Lock()
	fns := append([]func(Message){}, s.onDeleted...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

// Run sweeps once immediately and then on every tick of the schedule until
// ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if !gronx.IsValid(s.cfg.Schedule) {
		return errors.Errorf("invalid sweep schedule %q", s.cfg.Schedule)
	}
	jww.INFO.Printf("[retention] scheduled with %q, window %s", s.cfg.Schedule, s.cfg.Window)
	s.runJob(ctx)

	for {
		now := s.cfg.Now()
		next, err := gronx.NextTickAfter(s.cfg.Schedule, now, false)
		if err != nil {
			jww.ERROR.Printf("[retention] next tick of %q: %v", s.cfg.Schedule, err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		wait := next.Sub(now)
		if wait <= 0 {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			s.runJob(ctx)
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (s *Sweeper) runJob(ctx context.Context) {
	_, err := s.Sweep(ctx, s.cfg.Now())
	switch {
	case err == nil:
	case errors.Is(err, ErrSweepRunning):
		jww.DEBUG.Printf("[retention] previous sweep still running, skipping tick")
	case ctx.Err() != nil:
	default:
		jww.ERROR.Printf("[retention] sweep failed: %+v", err)
	}
}
