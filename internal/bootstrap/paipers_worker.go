package bootstrap

import (
	"context"
	"os"

	"paipers_server/adapter/in/worker"
	"paipers_server/config"

	"github.com/rs/zerolog"
)

// Worker owns the background schedulers that run independently of the
// HTTP surface: the periodic fleet scan and the Gmail watch renewal.
type Worker struct {
	deps   *Dependencies
	ctx    context.Context
	cancel context.CancelFunc
	zlog   zerolog.Logger

	fleetScanScheduler  *worker.FleetScanScheduler
	watchRenewScheduler *worker.WatchRenewScheduler
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewWorkerWithDeps(cfg, deps, cleanup)
}

// NewWorkerWithDeps builds a Worker on an existing dependency graph so the
// "all" mode shares one set of connections with the API.
func NewWorkerWithDeps(cfg *config.Config, deps *Dependencies, cleanup func()) (*Worker, func(), error) {
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Str("instance", cfg.InstanceID).Logger()

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if cfg.SchedulerEnabled {
		w.fleetScanScheduler = deps.FleetScanScheduler
	}
	if cfg.WatchRenewEnabled {
		w.watchRenewScheduler = deps.WatchRenewScheduler
	}

	return w, cleanup, nil
}

func (w *Worker) Start() {
	if w.fleetScanScheduler != nil {
		w.fleetScanScheduler.Start()
		w.zlog.Info().Msg("Started Fleet Scan Scheduler")
	}

	if w.watchRenewScheduler != nil {
		w.watchRenewScheduler.Start()
		w.zlog.Info().Msg("Started Watch Renew Scheduler")
	}

	// Block until context is cancelled
	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()

	if w.fleetScanScheduler != nil {
		w.fleetScanScheduler.Stop()
	}
	if w.watchRenewScheduler != nil {
		w.watchRenewScheduler.Stop()
	}
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
