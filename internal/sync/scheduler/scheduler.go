// Package scheduler runs sync cycles and decides when to start them: after
// a capture, after a trusted reconnect, periodically and on demand.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/solarcrm/fieldsync/internal/connectivity"
	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/models"
)

// Defaults for SchedulerConfig.
const (
	DefaultPeriodic    = "@every 30s"
	DefaultSettleDelay = 2 * time.Second
)

// PendingCounter is the part of the local store the scheduler reads.
type PendingCounter interface {
	CountRecords(ownerID string, statuses ...models.SyncStatus) (int, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	OwnerID string
	// Periodic is a cron spec for the silent background cycle.
	Periodic string
	// SettleDelay is how long the connection must stay up before a
	// reconnect is trusted.
	SettleDelay time.Duration
}

// Scheduler wires triggers to an Orchestrator for a single owner.
type Scheduler struct {
	orch        *Orchestrator
	monitor     *connectivity.Monitor
	store       PendingCounter
	owner       string
	periodic    string
	settleDelay time.Duration

	mu        sync.RWMutex
	running   bool
	cron      *cron.Cron
	settle    *time.Timer
	settleGen uint64
	cancelSub func()
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewScheduler creates a new Scheduler.
func NewScheduler(orch *Orchestrator, monitor *connectivity.Monitor, store PendingCounter, cfg SchedulerConfig) *Scheduler {
	if cfg.Periodic == "" {
		cfg.Periodic = DefaultPeriodic
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	return &Scheduler{
		orch:        orch,
		monitor:     monitor,
		store:       store,
		owner:       cfg.OwnerID,
		periodic:    cfg.Periodic,
		settleDelay: cfg.SettleDelay,
	}
}

// Start registers the periodic job and begins watching connectivity.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.periodic, s.RunPeriodic); err != nil {
		return fmt.Errorf("invalid periodic schedule %q: %w", s.periodic, err)
	}

	events, cancel := s.monitor.Subscribe(4)
	s.cron = c
	s.cancelSub = cancel
	s.stopCh = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.watch(ctx, events, s.stopCh)
	c.Start()

	logging.Info("sync scheduler started", map[string]interface{}{
		"owner_id":        s.owner,
		"periodic":        s.periodic,
		"settle_delay_ms": s.settleDelay.Milliseconds(),
	})
	return nil
}

// Stop stops the triggers and waits for cycles they started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	s.cancelSub()
	close(s.stopCh)
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	s.wg.Wait()

	logging.Info("sync scheduler stopped", nil)
}

// IsRunning reports whether Start has been called without Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SettlePending reports whether a reconnect is waiting out the settle delay.
func (s *Scheduler) SettlePending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settle != nil
}

func (s *Scheduler) watch(ctx context.Context, events <-chan connectivity.Event, stopCh <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Online {
				s.scheduleSettle()
			} else {
				s.cancelSettle()
			}
		}
	}
}

// scheduleSettle (re)arms the settle timer.
func (s *Scheduler) scheduleSettle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.settle != nil {
		s.settle.Stop()
	}
	s.settleGen++
	gen := s.settleGen
	s.settle = time.AfterFunc(s.settleDelay, func() { s.onSettled(gen) })
}

// cancelSettle drops a pending reconnect; offline is trusted at once.
func (s *Scheduler) cancelSettle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
		s.settleGen++
		logging.Debug("reconnect cancelled before settling", map[string]interface{}{"owner_id": s.owner})
	}
}

func (s *Scheduler) onSettled(gen uint64) {
	s.mu.Lock()
	if s.settle == nil || s.settleGen != gen {
		// Superseded or cancelled.
		s.mu.Unlock()
		return
	}
	s.settle = nil
	s.mu.Unlock()

	if !s.monitor.IsOnline() {
		return
	}
	n, err := s.store.CountRecords(s.owner, models.SyncStatusPending)
	if err != nil {
		logging.Error("failed to count pending records", err, map[string]interface{}{"owner_id": s.owner})
		return
	}
	if n == 0 {
		return
	}
	if !s.begin() {
		return
	}
	defer s.wg.Done()
	s.cycle(TriggerReconnect, false)
}

// begin registers a cycle with the wait group unless the scheduler stopped.
func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) cycle(trigger Trigger, silent bool) (Summary, error) {
	summary, err := s.orch.SyncAll(context.Background(), s.owner, Options{Silent: silent, Trigger: trigger})
	if err != nil {
		logging.ErrorWithCode("sync cycle failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"owner_id": s.owner,
			"trigger":  string(trigger),
		})
	}
	return summary, err
}

// RunPeriodic is the cron job: a silent cycle while online.
func (s *Scheduler) RunPeriodic() {
	if !s.monitor.IsOnline() {
		return
	}
	if !s.begin() {
		return
	}
	defer s.wg.Done()
	s.cycle(TriggerPeriodic, true)
}

// AfterCapture starts a cycle in the background when online and reports
// whether one was started.
func (s *Scheduler) AfterCapture() bool {
	if !s.monitor.IsOnline() {
		return false
	}
	if !s.begin() {
		return false
	}
	go func() {
		defer s.wg.Done()
		s.cycle(TriggerCapture, false)
	}()
	return true
}

// SyncNow runs a manual cycle and waits for it. It always notifies.
func (s *Scheduler) SyncNow(ctx context.Context) (Summary, error) {
	if !s.monitor.IsOnline() {
		return Summary{OwnerID: s.owner, Trigger: TriggerManual},
			apperrors.New(apperrors.ErrOffline, "cannot sync while offline")
	}
	return s.orch.SyncAll(ctx, s.owner, Options{Trigger: TriggerManual})
}
