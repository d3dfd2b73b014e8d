// Package retention removes conversations that have aged out of the
// configured retention window.
package retention

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fablecraft/fablecraft/internal/observability"
	"github.com/fablecraft/fablecraft/internal/sessions"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Options configures a Sweeper.
type Options struct {
	// MaxAge is how long a conversation may go without updates before
	// the sweep removes it.
	MaxAge time.Duration

	// Schedule is a cron expression ("0 3 * * *") or descriptor
	// ("@hourly") controlling when sweeps run.
	Schedule string

	Logger *observability.Logger
}

// Sweeper periodically deletes stale conversations from a session store.
type Sweeper struct {
	store  sessions.Store
	maxAge time.Duration
	log    *observability.Logger

	cron  *cron.Cron
	entry cron.EntryID
}

// NewSweeper validates the schedule and builds a stopped sweeper.
func NewSweeper(store sessions.Store, opts Options) (*Sweeper, error) {
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", opts.MaxAge)
	}
	schedule := strings.TrimSpace(opts.Schedule)
	if schedule == "" {
		schedule = "@hourly"
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}

	s := &Sweeper{
		store:  store,
		maxAge: opts.MaxAge,
		log:    opts.Logger,
		cron:   cron.New(cron.WithParser(cronParser)),
	}
	entry, err := s.cron.AddFunc(schedule, func() { s.sweep(context.Background()) })
	if err != nil {
		return nil, fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.entry = entry
	return s, nil
}

// Start begins running sweeps on the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info(context.Background(), "retention sweeper started",
		"max_age", s.maxAge.String(), "next_run", s.cron.Entry(s.entry).Next)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepNow runs one sweep immediately and returns how many
// conversations were removed.
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	removed, err := s.store.DeleteConversationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	return removed, nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.SweepNow(ctx)
	if err != nil {
		s.log.Error(ctx, "retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info(ctx, "retention sweep removed conversations", "count", removed)
	}
}
