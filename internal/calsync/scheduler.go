package calsync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

type SchedulerOptions struct {
	Store    Store
	Engine   *SyncEngine
	Interval time.Duration
	// Window is how far ahead of today each background pass syncs.
	Window     time.Duration
	RunTimeout time.Duration
	Location   *time.Location
}

// SyncScheduler periodically batch-syncs every connected user's upcoming
// tasks so local edits reach the calendar even without an explicit sync
// request.
type SyncScheduler struct {
	cron       *cron.Cron
	store      Store
	engine     *SyncEngine
	interval   time.Duration
	window     time.Duration
	runTimeout time.Duration
	loc        *time.Location
}

func NewSyncScheduler(opts SchedulerOptions) *SyncScheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	window := opts.Window
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 2 * time.Minute
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &SyncScheduler{
		cron:       cron.New(cron.WithLocation(loc)),
		store:      opts.Store,
		engine:     opts.Engine,
		interval:   interval,
		window:     window,
		runTimeout: runTimeout,
		loc:        loc,
	}
}

func (s *SyncScheduler) Start() error {
	spec := fmt.Sprintf("@every %ds", int(s.interval.Seconds()))
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *SyncScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunOnce syncs each connected user's window independently. A failing user
// never blocks the others.
func (s *SyncScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	userIDs, err := s.store.ListConnectedUserIDs(ctx)
	if err != nil {
		log.Printf("calsync: scheduler could not list connected users: %v", err)
		return
	}
	today := time.Now().In(s.loc)
	fromDate := today.Format(DateLayout)
	toDate := today.Add(s.window).Format(DateLayout)
	for _, userID := range userIDs {
		result, err := s.engine.SyncPeriod(ctx, userID, fromDate, toDate)
		if err != nil {
			log.Printf("calsync: scheduled sync for user %s failed: %v", userID, err)
			continue
		}
		if result.Synced > 0 || result.Failed > 0 {
			log.Printf("calsync: scheduled sync for user %s: synced=%d skipped=%d failed=%d",
				userID, result.Synced, result.Skipped, result.Failed)
		}
	}
}
