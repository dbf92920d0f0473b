package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rideradar/models"
)

type HealthSource interface {
	Snapshot() map[string]models.VendorHealthRecord
}

type HealthSink interface {
	SaveHealth(vendor string, rec models.VendorHealthRecord) error
}

// HealthcheckWorker persists the vendor health registry so breaker state
// survives restarts. Only records that changed since the last flush are
// written.
type HealthcheckWorker struct {
	source    HealthSource
	sink      HealthSink
	triggerCh chan struct{}
	logFunc   LogFunc
	log       *zap.Logger

	mu   sync.Mutex
	last map[string]models.VendorHealthRecord
}

func NewHealthcheckWorker(source HealthSource, sink HealthSink) *HealthcheckWorker {
	return &HealthcheckWorker{
		source:    source,
		sink:      sink,
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
		log:       zap.L().Named("health"),
		last:      make(map[string]models.VendorHealthRecord),
	}
}

func (w *HealthcheckWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger asks the worker to flush immediately.
func (w *HealthcheckWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Flush writes every changed record and reports how many were saved.
func (w *HealthcheckWorker) Flush() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		saved    int
		firstErr error
	)
	for vendor, rec := range w.source.Snapshot() {
		prev, known := w.last[vendor]
		if known && sameHealth(prev, rec) {
			continue
		}
		if err := w.sink.SaveHealth(vendor, rec); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if rec.Breaker != prev.Breaker && (known || rec.Breaker == models.BreakerOpen) {
			level := models.LogLevelInfo
			if rec.Breaker == models.BreakerOpen {
				level = models.LogLevelWarn
			}
			w.logFunc(level, vendor, fmt.Sprintf("breaker %s after %d consecutive errors: %s",
				rec.Breaker, rec.ConsecutiveErrors, rec.LastError))
		}
		w.last[vendor] = rec
		saved++
	}
	return saved, firstErr
}

func (w *HealthcheckWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func(reason string) {
		n, err := w.Flush()
		if err != nil {
			w.log.Warn("health flush failed", zap.String("reason", reason), zap.Error(err))
			return
		}
		if n > 0 {
			w.log.Debug("health flushed", zap.String("reason", reason), zap.Int("vendors", n))
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush("shutdown")
			w.log.Info("health worker stopping")
			return
		case <-ticker.C:
			flush("tick")
		case <-w.triggerCh:
			flush("trigger")
		}
	}
}

func sameHealth(a, b models.VendorHealthRecord) bool {
	if a.TotalErrors != b.TotalErrors || a.ConsecutiveErrors != b.ConsecutiveErrors ||
		a.Breaker != b.Breaker || a.LastError != b.LastError {
		return false
	}
	switch {
	case a.LastSuccess == nil && b.LastSuccess == nil:
		return true
	case a.LastSuccess == nil || b.LastSuccess == nil:
		return false
	}
	return a.LastSuccess.Equal(*b.LastSuccess)
}
