package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/crypto_ob_trader/internal/config"
	"github.com/vitos/crypto_ob_trader/internal/metrics"
	"go.uber.org/zap"
)

// BotWorker owns the three job loops: candle scan, entry check and
// position monitor. Each loop runs on its own ticker with an immediate
// first run, and a panic inside a job never takes the process down.
type BotWorker struct {
	scan    *ScanService
	entry   *EntryService
	monitor *MonitorService
	trading config.TradingConfig
	jobs    config.JobsConfig
	logger  *zap.Logger

	wg sync.WaitGroup
}

func NewBotWorker(
	scan *ScanService,
	entry *EntryService,
	monitor *MonitorService,
	trading config.TradingConfig,
	jobs config.JobsConfig,
	logger *zap.Logger,
) *BotWorker {
	return &BotWorker{
		scan:    scan,
		entry:   entry,
		monitor: monitor,
		trading: trading,
		jobs:    jobs,
		logger:  logger,
	}
}

// Start launches the job loops. They stop when ctx is cancelled; Wait
// blocks until all of them have drained.
func (w *BotWorker) Start(ctx context.Context) {
	w.logger.Info("Starting bot worker",
		zap.String("symbol", w.trading.Symbol),
		zap.Int("scan_interval_sec", w.jobs.ScanIntervalSec),
		zap.Int("entry_interval_sec", w.jobs.EntryIntervalSec),
		zap.Int("monitor_interval_sec", w.jobs.MonitorIntervalSec))

	w.loop(ctx, "scan", time.Duration(w.jobs.ScanIntervalSec)*time.Second, func(ctx context.Context) (*JobOutcome, error) {
		return w.runScans(ctx)
	})
	w.loop(ctx, "entry", time.Duration(w.jobs.EntryIntervalSec)*time.Second, w.entry.Run)
	w.loop(ctx, "monitor", time.Duration(w.jobs.MonitorIntervalSec)*time.Second, w.monitor.Run)
}

// Wait blocks until every loop has exited.
func (w *BotWorker) Wait() {
	w.wg.Wait()
}

// runScans covers the entry timeframe plus every configured higher
// timeframe in one scan cycle.
func (w *BotWorker) runScans(ctx context.Context) (*JobOutcome, error) {
	out, err := w.scan.Run(ctx, w.trading.Timeframe)
	if err != nil {
		return out, err
	}
	for _, tf := range w.trading.HigherTimeframes {
		if htfOut, htfErr := w.scan.Run(ctx, tf); htfErr != nil {
			return htfOut, htfErr
		}
	}
	return out, nil
}

func (w *BotWorker) loop(ctx context.Context, name string, interval time.Duration, job func(context.Context) (*JobOutcome, error)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Run immediately first time
		w.runOnce(ctx, name, job)
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Job loop stopped", zap.String("job", name))
				return
			case <-ticker.C:
				w.runOnce(ctx, name, job)
			}
		}
	}()
}

// runOnce is the job boundary: panics and errors become a failed outcome
// and a metric, never a crash.
func (w *BotWorker) runOnce(ctx context.Context, name string, job func(context.Context) (*JobOutcome, error)) {
	start := time.Now()
	out := w.invoke(ctx, name, job)

	result := "ok"
	if !out.Success {
		result = "error"
	}
	metrics.JobRuns.WithLabelValues(name, result).Inc()
	w.logger.Debug("Job cycle finished",
		zap.String("job", out.Job),
		zap.String("action", out.Action),
		zap.String("detail", out.Detail),
		zap.Bool("success", out.Success),
		zap.Duration("duration", time.Since(start)))
}

func (w *BotWorker) invoke(ctx context.Context, name string, job func(context.Context) (*JobOutcome, error)) (out *JobOutcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job panicked",
				zap.String("job", name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			out = failedOutcome(name, fmt.Sprintf("panic: %v", r))
		}
	}()

	out, err := job(ctx)
	if err != nil {
		w.logger.Error("Job cycle failed", zap.String("job", name), zap.Error(err))
	}
	if out == nil {
		out = failedOutcome(name, "no outcome")
	}
	return out
}
