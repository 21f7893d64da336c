package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"betsync-service/internal/config"
	"betsync-service/internal/connectivity"
	"betsync-service/internal/logger"
)

// Scheduler triggers periodic syncs and an immediate sync on reconnect.
// Both paths go through the engine's coalescing entry point, so a scheduled
// trigger never races a manual one into a second drain. Stop only prevents
// the next run; an in-flight run always completes.
type Scheduler struct {
	cfg         config.SchedulerConfig
	engine      *Engine
	monitor     *connectivity.Monitor
	cron        *cron.Cron
	entryID     cron.EntryID
	unsubscribe func()
}

func NewScheduler(cfg config.SchedulerConfig, engine *Engine, monitor *connectivity.Monitor) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		engine:  engine,
		monitor: monitor,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.triggerSync("periodic")
	})
	if err != nil {
		logger.Log.Error("Failed to schedule sync job", zap.Error(err))
		return
	}
	s.entryID = id

	s.unsubscribe = s.monitor.Subscribe(func(online bool) {
		if online {
			go s.triggerSync("reconnect")
		}
	})

	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync(reason string) {
	if !s.monitor.Online() {
		logger.Log.Debug("Offline, skipping scheduled sync", zap.String("reason", reason))
		return
	}

	logger.Log.Info("Triggering sync", zap.String("reason", reason))
	if _, err := s.engine.SyncNow(context.Background()); err != nil {
		logger.Log.Error("Scheduled sync failed", zap.String("reason", reason), zap.Error(err))
	}
}
