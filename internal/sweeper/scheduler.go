// Package sweeper runs the background expiry sweeps: overdue payments,
// quotes and activations. Each sweep takes a named advisory lock so exactly
// one replica does the work while the others skip the tick.
package sweeper

import (
	"context"
	"sync"
	"time"

	"paylink/internal/payments"
	"paylink/internal/store"
	"paylink/pkg/config"
	"paylink/pkg/database"
	"paylink/pkg/logging"
)

type Scheduler struct {
	store       *store.Store
	coordinator *payments.Coordinator
	logger      logging.Logger
	interval    time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func NewScheduler(s *store.Store, coordinator *payments.Coordinator, logger logging.Logger) *Scheduler {
	return &Scheduler{
		store:       s,
		coordinator: coordinator,
		logger:      logger,
		interval:    config.GetEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the sweep loop. Returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.WithFields(logging.Fields{"interval": s.interval.String()}).Info("Starting sweep scheduler")
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runSweeps(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) runSweeps(ctx context.Context) {
	s.withLock(ctx, "sweep:payments", s.sweepPayments)
	s.withLock(ctx, "sweep:quotes", s.sweepQuotes)
	s.withLock(ctx, "sweep:activations", s.sweepActivations)
}

// withLock runs fn under a database advisory lock; held elsewhere means
// another replica is sweeping and this tick is skipped.
func (s *Scheduler) withLock(ctx context.Context, name string, fn func(context.Context)) {
	lock, err := database.TryNamedLock(ctx, s.store.DB(), name)
	if err != nil {
		s.logger.WithFields(logging.Fields{"lock": name, "error": err.Error()}).Error("Failed to acquire sweep lock")
		return
	}
	if lock == nil {
		return
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			s.logger.WithFields(logging.Fields{"lock": name, "error": err.Error()}).Error("Failed to release sweep lock")
		}
	}()
	fn(ctx)
}

// sweepPayments expires overdue pending payments one by one so a bad record
// never blocks the rest of the batch.
func (s *Scheduler) sweepPayments(ctx context.Context) {
	overdue, err := s.store.ListExpiredPayments(ctx, time.Now())
	if err != nil {
		s.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Failed to list overdue payments")
		return
	}
	expired := 0
	for _, payment := range overdue {
		if err := s.coordinator.Expire(ctx, payment); err != nil {
			s.logger.WithFields(logging.Fields{
				"payment_id": payment.ID,
				"error":      err.Error(),
			}).Error("Failed to expire payment")
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.WithFields(logging.Fields{"count": expired}).Info("Expired overdue payments")
	}
}

func (s *Scheduler) sweepQuotes(ctx context.Context) {
	n, err := s.store.ExpireQuotes(ctx, time.Now())
	if err != nil {
		s.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Failed to expire quotes")
		return
	}
	if n > 0 {
		s.logger.WithFields(logging.Fields{"count": n}).Info("Expired overdue quotes")
	}
}

func (s *Scheduler) sweepActivations(ctx context.Context) {
	n, err := s.store.ExpireActivations(ctx, time.Now())
	if err != nil {
		s.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Failed to expire activations")
		return
	}
	if n > 0 {
		s.logger.WithFields(logging.Fields{"count": n}).Info("Expired overdue activations")
	}
}
