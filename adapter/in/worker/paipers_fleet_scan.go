// Package worker contains the background schedulers.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"paipers_server/core/domain"
	"paipers_server/core/port/in"
	"paipers_server/core/port/out"
	"paipers_server/pkg/logger"
)

// =============================================================================
// FleetScanScheduler - periodic scan across every active mailbox
// =============================================================================

// FleetScanConfig holds fleet scan tuning.
type FleetScanConfig struct {
	Workers       int
	Interval      time.Duration
	BatchSize     int
	PerScanBudget time.Duration
}

// DefaultFleetScanConfig returns the standard fleet scan tuning.
func DefaultFleetScanConfig() FleetScanConfig {
	return FleetScanConfig{
		Workers:       4,
		Interval:      30 * time.Minute,
		BatchSize:     1,
		PerScanBudget: 2 * time.Minute,
	}
}

// FleetScanScheduler periodically scans every active mailbox through a
// worker pool, so one slow mailbox never stalls the fleet.
type FleetScanScheduler struct {
	intakeService in.IntakeService
	connRepo      out.ConnectionRepository
	config        FleetScanConfig
	log           zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewFleetScanScheduler(
	intakeService in.IntakeService,
	connRepo out.ConnectionRepository,
	config FleetScanConfig,
	log zerolog.Logger,
) *FleetScanScheduler {
	if config.Workers <= 0 {
		config = DefaultFleetScanConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FleetScanScheduler{
		intakeService: intakeService,
		connRepo:      connRepo,
		config:        config,
		log:           log.With().Str("component", "fleet_scan").Logger(),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the periodic scan loop.
func (s *FleetScanScheduler) Start() {
	logger.Info("[FleetScan] Starting with interval %v, %d workers", s.config.Interval, s.config.Workers)
	go s.run()
}

// Stop stops the scheduler. In-flight scans finish on their own budget.
func (s *FleetScanScheduler) Stop() {
	logger.Info("[FleetScan] Stopping...")
	s.cancel()
}

// SetCheckInterval sets the scan interval (for testing).
func (s *FleetScanScheduler) SetCheckInterval(interval time.Duration) {
	s.config.Interval = interval
}

func (s *FleetScanScheduler) run() {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[FleetScan] Stopped")
			return
		case <-ticker.C:
			if _, err := s.ScanAll(s.ctx); err != nil {
				logger.WithError(err).Error("[FleetScan] Fleet scan failed")
			}
		}
	}
}

// scanWorker implements pool.Worker for one mailbox scan.
type scanWorker struct {
	scheduler *FleetScanScheduler
	created   *int64
	failed    *int64
}

// Do implements pool.Worker.
func (w *scanWorker) Do(ctx context.Context, conn *domain.MailboxConnection) error {
	scanCtx, cancel := context.WithTimeout(ctx, w.scheduler.config.PerScanBudget)
	defer cancel()

	result, err := w.scheduler.intakeService.ScanMailbox(scanCtx, conn.UserID)
	if err != nil {
		atomic.AddInt64(w.failed, 1)
		logger.WithError(err).WithField("email", conn.Email).Warn("[FleetScan] Mailbox scan failed")
		return err
	}

	atomic.AddInt64(w.created, int64(result.Created))
	return nil
}

// ScanAll scans every active mailbox once and reports the totals. It also
// backs the cron endpoint, so it runs the pool to completion synchronously.
func (s *FleetScanScheduler) ScanAll(ctx context.Context) (*in.FleetScanResult, error) {
	connections, err := s.connRepo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(connections) == 0 {
		return &in.FleetScanResult{}, nil
	}

	var created, failed int64
	worker := &scanWorker{scheduler: s, created: &created, failed: &failed}

	p := pool.New[*domain.MailboxConnection](s.config.Workers, worker).
		WithBatchSize(s.config.BatchSize).
		WithContinueOnError()

	if err := p.Go(ctx); err != nil {
		return nil, err
	}

	for _, conn := range connections {
		p.Submit(conn)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer closeCancel()
	if err := p.Close(closeCtx); err != nil {
		s.log.Warn().Err(err).Msg("fleet scan pool closed with errors")
	}

	result := &in.FleetScanResult{
		Scanned: len(connections),
		Created: int(atomic.LoadInt64(&created)),
		Failed:  int(atomic.LoadInt64(&failed)),
	}

	s.log.Info().
		Int("scanned", result.Scanned).
		Int("created", result.Created).
		Int("failed", result.Failed).
		Msg("fleet scan completed")

	return result, nil
}
