package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideradar/models"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

type staticHealth struct {
	mu      sync.Mutex
	records map[string]models.VendorHealthRecord
}

func (s *staticHealth) Snapshot() map[string]models.VendorHealthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.VendorHealthRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

func (s *staticHealth) set(vendor string, rec models.VendorHealthRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[vendor] = rec
}

type memorySink struct {
	mu    sync.Mutex
	saved map[string][]models.VendorHealthRecord
	fail  bool
}

func (s *memorySink) SaveHealth(vendor string, rec models.VendorHealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	if s.saved == nil {
		s.saved = map[string][]models.VendorHealthRecord{}
	}
	s.saved[vendor] = append(s.saved[vendor], rec)
	return nil
}

func (s *memorySink) writes(vendor string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved[vendor])
}

type logLine struct {
	level   models.LogLevel
	vendor  string
	message string
}

func TestHealthcheckWorker_FlushWritesOnlyChanges(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &staticHealth{records: map[string]models.VendorHealthRecord{
		"pickles": {LastSuccess: &ts, Breaker: models.BreakerClosed},
		"gumtree": {TotalErrors: 1, ConsecutiveErrors: 1, Breaker: models.BreakerClosed, LastError: "timeout"},
	}}
	sink := &memorySink{}
	w := NewHealthcheckWorker(src, sink)

	n, err := w.Flush()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = w.Flush()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	same := ts
	src.set("pickles", models.VendorHealthRecord{LastSuccess: &same, Breaker: models.BreakerClosed})
	src.set("gumtree", models.VendorHealthRecord{TotalErrors: 2, ConsecutiveErrors: 2, Breaker: models.BreakerClosed, LastError: "timeout"})

	n, err = w.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sink.writes("pickles"))
	assert.Equal(t, 2, sink.writes("gumtree"))
}

func TestHealthcheckWorker_LogsBreakerTransitions(t *testing.T) {
	src := &staticHealth{records: map[string]models.VendorHealthRecord{
		"manheim": {TotalErrors: 2, ConsecutiveErrors: 2, Breaker: models.BreakerClosed, LastError: "blocked"},
	}}
	var lines []logLine
	w := NewHealthcheckWorker(src, &memorySink{})
	w.SetLogger(func(level models.LogLevel, vendor, message string) {
		lines = append(lines, logLine{level, vendor, message})
	})

	_, err := w.Flush()
	require.NoError(t, err)
	assert.Empty(t, lines, "a closed breaker seen for the first time is not a transition")

	src.set("manheim", models.VendorHealthRecord{TotalErrors: 3, ConsecutiveErrors: 3, Breaker: models.BreakerOpen, LastError: "blocked"})
	_, err = w.Flush()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, models.LogLevelWarn, lines[0].level)
	assert.Equal(t, "manheim", lines[0].vendor)
	assert.Contains(t, lines[0].message, "breaker open after 3 consecutive errors")

	now := time.Now()
	src.set("manheim", models.VendorHealthRecord{LastSuccess: &now, TotalErrors: 3, Breaker: models.BreakerClosed})
	_, err = w.Flush()
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, models.LogLevelInfo, lines[1].level)
}

func TestHealthcheckWorker_SinkErrorRetriesNextFlush(t *testing.T) {
	src := &staticHealth{records: map[string]models.VendorHealthRecord{
		"ebay": {Breaker: models.BreakerClosed, TotalErrors: 1, ConsecutiveErrors: 1},
	}}
	sink := &memorySink{fail: true}
	w := NewHealthcheckWorker(src, sink)

	n, err := w.Flush()
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	sink.fail = false
	n, err = w.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHealthcheckWorker_TriggerAndShutdownFlush(t *testing.T) {
	src := &staticHealth{records: map[string]models.VendorHealthRecord{
		"pickles": {Breaker: models.BreakerClosed},
	}}
	sink := &memorySink{}
	w := NewHealthcheckWorker(src, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, time.Hour)
		close(done)
	}()

	w.Trigger()
	assert.Eventually(t, func() bool { return sink.writes("pickles") == 1 }, testTimeout, testTick)

	src.set("pickles", models.VendorHealthRecord{Breaker: models.BreakerClosed, TotalErrors: 1, ConsecutiveErrors: 1})
	cancel()
	<-done
	assert.Equal(t, 2, sink.writes("pickles"))
}

type capturingLedger struct {
	runIDs   []*uuid.UUID
	messages []string
}

func (c *capturingLedger) Log(runID *uuid.UUID, level models.LogLevel, message, vendor string) error {
	c.runIDs = append(c.runIDs, runID)
	c.messages = append(c.messages, vendor+": "+message)
	return nil
}

func TestLedgerLogger(t *testing.T) {
	l := &capturingLedger{}
	LedgerLogger(l)(models.LogLevelInfo, "pickles", "breaker closed")
	require.Len(t, l.messages, 1)
	assert.Nil(t, l.runIDs[0])
	assert.Equal(t, "pickles: breaker closed", l.messages[0])
}
