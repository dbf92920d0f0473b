package services

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"rideradar/models"
)

const (
	breakerThreshold = 3
	maxLastErrorLen  = 200
)

type vendorHealth struct {
	lastSuccess *time.Time
	totalErrors int
	streak      int
	open        bool
	lastError   string
}

// HealthRegistry tracks per-vendor success/error history and a simple
// circuit breaker. It is the only state shared between concurrent runs, so
// every access goes through mu.
type HealthRegistry struct {
	mu      sync.Mutex
	vendors map[string]*vendorHealth
	now     func() time.Time
}

func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{
		vendors: make(map[string]*vendorHealth),
		now:     time.Now,
	}
}

func vendorKey(vendor string) string {
	return strings.ToLower(strings.TrimSpace(vendor))
}

// entry must be called with mu held.
func (r *HealthRegistry) entry(vendor string) *vendorHealth {
	key := vendorKey(vendor)
	h, ok := r.vendors[key]
	if !ok {
		h = &vendorHealth{}
		r.vendors[key] = h
	}
	return h
}

func (r *HealthRegistry) MarkSuccess(vendor string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.entry(vendor)
	ts := r.now().UTC().Truncate(time.Second)
	h.lastSuccess = &ts
	if h.open {
		zap.L().Info("vendor breaker closed", zap.String("vendor", vendorKey(vendor)))
	}
	h.streak = 0
	h.open = false
}

func (r *HealthRegistry) MarkError(vendor, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.entry(vendor)
	h.totalErrors++
	h.streak++
	h.lastError = truncateError(msg)
	if h.streak >= breakerThreshold && !h.open {
		h.open = true
		zap.L().Warn("vendor breaker opened",
			zap.String("vendor", vendorKey(vendor)),
			zap.Int("consecutive_errors", h.streak),
			zap.String("last_error", h.lastError),
		)
	}
}

func (r *HealthRegistry) IsOpen(vendor string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.vendors[vendorKey(vendor)]
	return ok && h.open
}

// Snapshot returns a copy of every known vendor's record.
func (r *HealthRegistry) Snapshot() map[string]models.VendorHealthRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]models.VendorHealthRecord, len(r.vendors))
	for key, h := range r.vendors {
		rec := models.VendorHealthRecord{
			TotalErrors:       h.totalErrors,
			ConsecutiveErrors: h.streak,
			Breaker:           models.BreakerClosed,
			LastError:         h.lastError,
		}
		if h.open {
			rec.Breaker = models.BreakerOpen
		}
		if h.lastSuccess != nil {
			ts := *h.lastSuccess
			rec.LastSuccess = &ts
		}
		out[key] = rec
	}
	return out
}

func truncateError(msg string) string {
	if len(msg) <= maxLastErrorLen {
		return msg
	}
	cut := maxLastErrorLen - 3
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}

// Restore seeds the registry from persisted records, typically at startup.
// Vendors already tracked in memory are left alone.
func (r *HealthRegistry) Restore(records map[string]models.VendorHealthRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for vendor, rec := range records {
		key := vendorKey(vendor)
		if _, ok := r.vendors[key]; ok {
			continue
		}
		h := &vendorHealth{
			totalErrors: rec.TotalErrors,
			streak:      rec.ConsecutiveErrors,
			open:        rec.Breaker == models.BreakerOpen,
			lastError:   rec.LastError,
		}
		if rec.LastSuccess != nil {
			ts := rec.LastSuccess.UTC()
			h.lastSuccess = &ts
		}
		r.vendors[key] = h
	}
}
