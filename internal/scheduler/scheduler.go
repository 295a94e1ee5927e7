// Package scheduler drives periodic monitor checks from cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pagesentry/pagesentry/internal/metrics"
	"github.com/pagesentry/pagesentry/internal/monitor"
)

const (
	defaultMaxConcurrent = 2
	defaultQueueSize     = 256

	// fallbackSpec is used when a monitor carries an invalid cron expression.
	fallbackSpec = "*/30 * * * *"
)

type checkRunner interface {
	Check(ctx context.Context, monitorID int64) (monitor.CheckOutcome, error)
}

// Config wires the scheduler.
type Config struct {
	Store         monitor.Store
	Runner        checkRunner
	MaxConcurrent int
	QueueSize     int
	Logger        *zap.Logger
}

// Scheduler maintains one cron entry per active monitor and feeds due
// checks through a bounded FIFO queue. A trigger for a monitor whose
// check is already executing is dropped at enqueue time. Queued entries
// are not coalesced: repeat triggers for an idle monitor sit in the
// queue as duplicates and are discarded at dequeue time if that
// monitor's check has started in the meantime, so at most one check per
// monitor executes at once.
type Scheduler struct {
	store  monitor.Store
	runner checkRunner
	cron   *cron.Cron
	logger *zap.Logger

	maxConcurrent int
	queue         chan int64

	mu      sync.Mutex
	entries map[int64]cron.EntryID
	running map[int64]bool
	queued  int

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a stopped scheduler. Call Rebuild to load monitors and
// Start to begin running checks.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("scheduler: store and runner are required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:         cfg.Store,
		runner:        cfg.Runner,
		cron:          cron.New(),
		logger:        logger.Named("scheduler"),
		maxConcurrent: cfg.MaxConcurrent,
		queue:         make(chan int64, cfg.QueueSize),
		entries:       make(map[int64]cron.EntryID),
		running:       make(map[int64]bool),
		done:          make(chan struct{}),
	}, nil
}

// Start launches the worker pool and the cron runner.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for i := 0; i < s.maxConcurrent; i++ {
			s.wg.Add(1)
			go s.worker(ctx)
		}
		s.cron.Start()
	})
}

// Stop halts cron scheduling and waits for running checks to finish.
// Queued checks that have not started yet are discarded.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cron.Stop()
		close(s.done)
		s.wg.Wait()
	})
}

// Rebuild replaces all cron entries with one per active monitor. Call it
// at startup and after any monitor create, update, or delete.
func (s *Scheduler) Rebuild(ctx context.Context) error {
	monitors, err := s.store.ListActiveMonitors(ctx)
	if err != nil {
		return fmt.Errorf("list active monitors: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}

	for _, m := range monitors {
		if err := s.addEntryLocked(m.ID, m.Frequency); err != nil {
			return err
		}
	}

	s.logger.Info("schedule rebuilt", zap.Int("monitors", len(monitors)))
	return nil
}

// Schedule adds or replaces the cron entry for a single monitor,
// without touching the entries of other monitors.
func (s *Scheduler) Schedule(m monitor.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addEntryLocked(m.ID, m.Frequency)
}

// Unschedule removes the monitor's cron entry. Removing a monitor that
// has no entry is a no-op.
func (s *Scheduler) Unschedule(monitorID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[monitorID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, monitorID)
	}
}

// addEntryLocked registers a cron entry for the monitor, replacing any
// existing one. Invalid expressions fall back to fallbackSpec. The
// caller must hold s.mu.
func (s *Scheduler) addEntryLocked(monitorID int64, spec string) error {
	if entryID, ok := s.entries[monitorID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, monitorID)
	}
	entryID, err := s.cron.AddFunc(spec, func() { s.Trigger(monitorID) })
	if err != nil {
		s.logger.Warn("invalid cron expression, using fallback",
			zap.Int64("monitor_id", monitorID),
			zap.String("expression", spec),
			zap.Error(err))
		entryID, err = s.cron.AddFunc(fallbackSpec, func() { s.Trigger(monitorID) })
		if err != nil {
			return fmt.Errorf("add fallback entry for monitor %d: %w", monitorID, err)
		}
	}
	s.entries[monitorID] = entryID
	return nil
}

// Trigger queues a check for the monitor. Timer fires and manual
// requests take the same path. It reports false when the monitor's
// check is already running or the queue is full.
func (s *Scheduler) Trigger(monitorID int64) bool {
	s.mu.Lock()
	if s.running[monitorID] {
		s.mu.Unlock()
		s.logger.Debug("check already running, dropping trigger",
			zap.Int64("monitor_id", monitorID))
		return false
	}
	s.mu.Unlock()

	select {
	case s.queue <- monitorID:
		s.mu.Lock()
		s.queued++
		metrics.SetQueuedChecks(s.queued)
		s.mu.Unlock()
		return true
	default:
		s.logger.Warn("check queue full, dropping trigger",
			zap.Int64("monitor_id", monitorID))
		return false
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case monitorID := <-s.queue:
			s.mu.Lock()
			s.queued--
			metrics.SetQueuedChecks(s.queued)
			if s.running[monitorID] {
				s.mu.Unlock()
				s.logger.Debug("check already running, discarding queued duplicate",
					zap.Int64("monitor_id", monitorID))
				continue
			}
			s.running[monitorID] = true
			s.mu.Unlock()

			s.runCheck(ctx, monitorID)
		}
	}
}

func (s *Scheduler) runCheck(ctx context.Context, monitorID int64) {
	defer func() {
		s.mu.Lock()
		delete(s.running, monitorID)
		s.mu.Unlock()
	}()

	metrics.IncRunningChecks()
	defer metrics.DecRunningChecks()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("check panicked",
				zap.Int64("monitor_id", monitorID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			metrics.ObserveCheck("panic", 0)
		}
	}()

	outcome, err := s.runner.Check(ctx, monitorID)
	if err != nil {
		s.logger.Error("check failed",
			zap.Int64("monitor_id", monitorID),
			zap.Error(err))
		metrics.ObserveCheck("error", outcome.Duration)
		return
	}
	metrics.ObserveCheck("success", outcome.Duration)
	s.logger.Debug("check finished",
		zap.Int64("monitor_id", monitorID),
		zap.Bool("changed", outcome.Changed),
		zap.Duration("duration", outcome.Duration))
}
