// Package monitor runs the background chain sentinel: a periodic audit of
// the full hash chain that feeds metrics, the gRPC health status and the
// chain.violation webhook.
package monitor

import (
	"context"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/chainlog-io/chainlog/internal/ledger"
)

// Config holds sentinel configuration.
type Config struct {
	CheckInterval time.Duration
	AuditTimeout  time.Duration
}

// Auditor walks the full chain and reports the first violation.
// *service.Custody satisfies this interface.
type Auditor interface {
	Audit(ctx context.Context) (*ledger.AuditReport, error)
}

// DispatchFunc is an optional callback for dispatching chain.violation events.
type DispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// RecordFunc is an optional callback for recording audit results.
type RecordFunc func(valid bool, entries int)

// ServingFunc is an optional callback that flips the gRPC health status.
type ServingFunc func(healthy bool)

// Sentinel audits the chain on a fixed interval. A violation is announced
// once per corruption episode: the alert re-arms only after a clean audit.
type Sentinel struct {
	auditor    Auditor
	cfg        Config
	onDispatch DispatchFunc
	onRecord   RecordFunc
	onServing  ServingFunc
	alerted    bool
	logger     *zap.Logger
}

// New creates a new Sentinel.
func New(auditor Auditor, cfg Config, logger *zap.Logger) *Sentinel {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.AuditTimeout == 0 {
		cfg.AuditTimeout = 30 * time.Second
	}

	return &Sentinel{
		auditor: auditor,
		cfg:     cfg,
		logger:  logger,
	}
}

// SetDispatch configures the webhook dispatch callback.
func (s *Sentinel) SetDispatch(fn DispatchFunc) {
	s.onDispatch = fn
}

// SetRecord configures the metrics recording callback.
func (s *Sentinel) SetRecord(fn RecordFunc) {
	s.onRecord = fn
}

// SetServing configures the gRPC health status callback.
func (s *Sentinel) SetServing(fn ServingFunc) {
	s.onServing = fn
}

// Start runs the audit loop until quit is signalled. The first audit runs
// immediately so a daemon restarted over a corrupted log alerts without
// waiting a full interval.
func (s *Sentinel) Start(quit <-chan os.Signal) {
	s.runOnce()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce()
		case <-quit:
			return
		}
	}
}

func (s *Sentinel) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuditTimeout)
	defer cancel()
	s.Check(ctx)
}

// Check runs one chain audit and fans the verdict out to the callbacks.
// It is called from the sentinel loop only and is not safe for concurrent
// use.
func (s *Sentinel) Check(ctx context.Context) {
	report, err := s.auditor.Audit(ctx)
	if err != nil {
		s.logger.Error("monitor: chain audit", zap.Error(err))
		return
	}

	if s.onRecord != nil {
		s.onRecord(report.Valid, report.Entries)
	}
	if s.onServing != nil {
		s.onServing(report.Valid)
	}

	if report.Valid {
		if s.alerted {
			s.logger.Info("monitor: chain recovered", zap.Int("entries", report.Entries))
		}
		s.alerted = false
		return
	}

	if s.alerted {
		return
	}
	s.alerted = true

	s.logger.Warn("monitor: chain violation",
		zap.String("reason", report.Reason),
		zap.Int("entries", report.Entries),
	)
	if s.onDispatch != nil {
		payload := map[string]string{"reason": report.Reason}
		if report.FirstInvalid != nil {
			payload["first_invalid"] = strconv.Itoa(*report.FirstInvalid)
		}
		s.onDispatch(ctx, "chain.violation", payload)
	}
}
