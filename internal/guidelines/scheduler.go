package guidelines

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler periodically resyncs the whole guideline directory, which picks
// up changes the watcher missed such as edits on network filesystems.
type Scheduler struct {
	loader  *Loader
	spec    string
	cron    *cron.Cron
	logger  *logrus.Logger
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for a standard cron spec, e.g. "0 3 * * *"
// or "@every 1h".
func NewScheduler(loader *Loader, spec string, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		loader: loader,
		spec:   spec,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start schedules the resync job. An empty spec does nothing. The scheduler
// stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spec == "" {
		s.logger.Debug("Guideline resync schedule not configured")
		return nil
	}
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if _, err := cron.ParseStandard(s.spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.spec, err)
	}

	if _, err := s.cron.AddFunc(s.spec, func() { s.resync(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule resync: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.WithField("schedule", s.spec).Info("Guideline resync scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

func (s *Scheduler) resync(ctx context.Context) {
	report, err := s.loader.LoadAll(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Scheduled guideline resync failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"loaded": len(report.Loaded),
		"failed": len(report.Failed),
	}).Debug("Scheduled guideline resync completed")
}

// Stop stops the scheduler and waits for a running resync to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("Guideline resync scheduler stopped")
	}
}

// IsRunning returns true if the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
