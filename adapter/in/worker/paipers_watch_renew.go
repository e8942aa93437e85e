package worker

import (
	"context"
	"time"

	"paipers_server/core/port/in"
	"paipers_server/pkg/logger"
)

// =============================================================================
// WatchRenewScheduler - keeps Gmail push subscriptions alive
// =============================================================================
//
// Gmail watches expire after about seven days. This scheduler renews any
// watch expiring within the next day.

type WatchRenewScheduler struct {
	watchService  in.WatchService
	checkInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWatchRenewScheduler creates a new watch renew scheduler.
func NewWatchRenewScheduler(watchService in.WatchService) *WatchRenewScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &WatchRenewScheduler{
		watchService:  watchService,
		checkInterval: 1 * time.Hour,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts the watch renew scheduler.
func (s *WatchRenewScheduler) Start() {
	logger.Info("[WatchRenew] Starting with interval %v", s.checkInterval)
	go s.run()
}

// Stop stops the watch renew scheduler.
func (s *WatchRenewScheduler) Stop() {
	logger.Info("[WatchRenew] Stopping...")
	s.cancel()
}

// SetCheckInterval sets the check interval (for testing).
func (s *WatchRenewScheduler) SetCheckInterval(interval time.Duration) {
	s.checkInterval = interval
}

func (s *WatchRenewScheduler) run() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	// Check right away on start so a restart never misses a renewal.
	s.renewExpiring()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[WatchRenew] Stopped")
			return
		case <-ticker.C:
			s.renewExpiring()
		}
	}
}

func (s *WatchRenewScheduler) renewExpiring() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	if _, err := s.watchService.RenewExpiring(ctx); err != nil {
		logger.WithError(err).Error("[WatchRenew] Failed to renew watches")
	}
}
