/**
 * @description
 * Cron scheduler for the periodic ledger reconciliation pass.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const reconcileJobTimeout = 10 * time.Minute

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	logger     *logrus.Entry
	schedule   string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(reconciler *Reconciler, logger *logrus.Entry, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger), cron.Recover(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		logger:     logger,
		schedule:   schedule,
	}
}

// Start registers the reconciliation job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.RunReconciliation); err != nil {
		s.logger.WithField("schedule", s.schedule).WithError(err).Error("failed to schedule reconciliation job")
		return err
	}
	s.logger.WithField("schedule", s.schedule).Info("scheduled reconciliation job")

	s.cron.Start()
	return nil
}

// RunReconciliation runs one full reconciliation pass.
func (s *Scheduler) RunReconciliation() {
	s.logger.Info("starting reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), reconcileJobTimeout)
	defer cancel()

	if _, err := s.reconciler.ReconcileAll(ctx); err != nil {
		s.logger.WithError(err).Error("reconciliation job failed")
		return
	}
	s.logger.Info("reconciliation job finished")
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
