// Package jobs runs the periodic background work: feed polling, webhook
// renewal, and artifact cleanup.
package jobs

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/sync"
	"github.com/calendar-hub/backend/internal/webhook"
)

// Intervals for the periodic jobs. Feed polling is the only sync path for
// ICS connections; the provider sweep is the safety net for lapsed push
// channels.
type Intervals struct {
	FeedPoll       time.Duration
	ProviderSweep  time.Duration
	WebhookRenewal time.Duration
	Cleanup        time.Duration
}

// DefaultIntervals returns the standard job cadence.
func DefaultIntervals() Intervals {
	return Intervals{
		FeedPoll:       15 * time.Minute,
		ProviderSweep:  time.Hour,
		WebhookRenewal: 12 * time.Hour,
		Cleanup:        time.Hour,
	}
}

// Scheduler owns the cron runner for the background jobs.
type Scheduler struct {
	cron      *cron.Cron
	engine    *sync.Engine
	webhooks  *webhook.Manager
	states    *storage.OAuthStateRepository
	intervals Intervals
}

// NewScheduler creates the background job scheduler.
func NewScheduler(engine *sync.Engine, webhooks *webhook.Manager, states *storage.OAuthStateRepository, intervals Intervals) *Scheduler {
	if intervals.FeedPoll <= 0 {
		intervals.FeedPoll = DefaultIntervals().FeedPoll
	}
	if intervals.ProviderSweep <= 0 {
		intervals.ProviderSweep = DefaultIntervals().ProviderSweep
	}
	if intervals.WebhookRenewal <= 0 {
		intervals.WebhookRenewal = DefaultIntervals().WebhookRenewal
	}
	if intervals.Cleanup <= 0 {
		intervals.Cleanup = DefaultIntervals().Cleanup
	}
	return &Scheduler{
		cron:      cron.New(),
		engine:    engine,
		webhooks:  webhooks,
		states:    states,
		intervals: intervals,
	}
}

// Start registers the jobs and begins the cron loop. A failing job logs and
// waits for its next tick; it never stops the scheduler.
func (s *Scheduler) Start() error {
	log.Println("Starting background job scheduler...")

	jobs := []struct {
		every time.Duration
		name  string
		run   func()
	}{
		{s.intervals.FeedPoll, "feed poll", s.pollFeeds},
		{s.intervals.ProviderSweep, "provider sweep", s.sweepProviders},
		{s.intervals.WebhookRenewal, "webhook renewal", s.renewWebhooks},
		{s.intervals.Cleanup, "cleanup", s.cleanup},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc("@every "+job.every.String(), job.run); err != nil {
			return err
		}
		log.Printf("Scheduled %s every %s", job.name, job.every)
	}

	s.cron.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs to finish.
func (s *Scheduler) Stop() {
	log.Println("Stopping background job scheduler...")
	<-s.cron.Stop().Done()
	log.Println("Background job scheduler stopped")
}

func (s *Scheduler) pollFeeds() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	stats := s.engine.SyncAllFeeds(ctx)
	if stats.Total > 0 || stats.Deleted > 0 || stats.Errors > 0 {
		log.Printf("Feed poll: %d events (%d new, %d updated, %d deleted, %d errors)",
			stats.Total, stats.New, stats.Updated, stats.Deleted, stats.Errors)
	}
}

func (s *Scheduler) sweepProviders() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	stats := s.engine.SyncAllProviders(ctx)
	if stats.Total > 0 || stats.Deleted > 0 || stats.Errors > 0 {
		log.Printf("Provider sweep: %d events (%d new, %d updated, %d deleted, %d errors)",
			stats.Total, stats.New, stats.Updated, stats.Deleted, stats.Errors)
	}
}

func (s *Scheduler) renewWebhooks() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	renewed, failed := s.webhooks.RenewExpiring(ctx)
	if renewed > 0 || failed > 0 {
		log.Printf("Webhook renewal: %d renewed, %d failed", renewed, failed)
	}
}

func (s *Scheduler) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if n, err := s.states.DeleteExpired(ctx, time.Now().UTC()); err != nil {
		log.Printf("Cleaning up oauth states failed: %v", err)
	} else if n > 0 {
		log.Printf("Cleanup: removed %d expired oauth states", n)
	}

	if n := s.webhooks.DeactivateExpired(ctx); n > 0 {
		log.Printf("Cleanup: deactivated %d expired webhook subscriptions", n)
	}
}
