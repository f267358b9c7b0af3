/*
scheduler.go - Standing ledger integrity check

PURPOSE:
  Runs AuditLedger over the whole ledger on an interval so imbalances and
  dangling reversals are found by the system, not by someone writing a
  one-off investigation script.

DESIGN:
  - Background goroutine driven by a ticker
  - Runs once immediately on Start
  - Keeps the most recent report for the admin API
  - Never repairs anything; findings are logged at WARN

USAGE:
  scheduler := NewIntegrityScheduler(service, time.Hour, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - audit.go: AuditLedger
  - api/server.go: GET /api/admin/audit
*/
package correction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/rent-ledger/ledger"
)

type IntegrityScheduler struct {
	Service       *Service
	CheckInterval time.Duration
	Enabled       bool
	Timeout       time.Duration // per run; 0 = no limit

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.RWMutex
	last    *AuditReport
	lastErr error
}

func NewIntegrityScheduler(svc *Service, interval time.Duration, logger *slog.Logger) *IntegrityScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityScheduler{
		Service:       svc,
		CheckInterval: interval,
		Enabled:       true,
		logger:        logger.With("component", "integrity_scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *IntegrityScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.logger.Info("started", "interval", s.CheckInterval)
}

// Stop halts the scheduler and waits for a running audit to finish.
func (s *IntegrityScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *IntegrityScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow audits the full ledger and records the result.
func (s *IntegrityScheduler) RunNow(ctx context.Context) (AuditReport, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	report, err := s.Service.AuditLedger(ctx, ledger.Filter{})

	s.lastMu.Lock()
	s.lastErr = err
	if err == nil {
		s.last = &report
	}
	s.lastMu.Unlock()

	if err != nil {
		s.logger.Error("audit failed", "error", err)
		return AuditReport{}, err
	}
	for _, f := range report.Findings {
		s.logger.Warn("integrity finding",
			"kind", f.Kind,
			"transaction_id", f.TransactionID,
			"student_id", f.StudentID,
			"detail", f.Detail)
	}
	return report, nil
}

// LastReport returns the most recent successful report, if any, and the
// error of the most recent run.
func (s *IntegrityScheduler) LastReport() (*AuditReport, error) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last, s.lastErr
}
