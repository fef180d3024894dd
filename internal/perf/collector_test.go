package perf

import (
	"errors"
	"sync"
	"testing"

	"github.com/AGENTORCH/internal/events"
)

// captureSink records flushed batches in memory
type captureSink struct {
	mu     sync.Mutex
	events []*events.Event
	fail   bool
}

func (s *captureSink) SaveEvents(batch []*events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) all() []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.Event(nil), s.events...)
}

func perfEvent(n int, priority int) *events.Event {
	return events.New(events.KindEvaluationOutcome, events.TopicPerformance, "a1", "t1", priority,
		map[string]interface{}{"n": n})
}

func TestCollector_HashChainOverFlushedEvents(t *testing.T) {
	sink := &captureSink{}
	c := NewCollector(CollectorConfig{
		BufferSize:   1000,
		BatchSize:    10,
		SamplingRate: 1.0,
	}, events.NewBus(), sink)

	for i := 0; i < 100; i++ {
		c.Ingest(perfEvent(i, events.PriorityNormal))
	}
	c.Flush()

	flushed := sink.all()
	if len(flushed) != 100 {
		t.Fatalf("Expected 100 flushed events, got %d", len(flushed))
	}
	for i, e := range flushed {
		if e.Seq != int64(i+1) {
			t.Fatalf("Seq not monotonic at %d: %d", i, e.Seq)
		}
	}
	if idx := events.VerifyChain(flushed); idx != -1 {
		t.Fatalf("Chain should verify, broke at %d", idx)
	}

	// Tamper with one payload: verification breaks there
	flushed[40].Payload["n"] = -1
	if idx := events.VerifyChain(flushed); idx != 40 {
		t.Errorf("Expected break at 40, got %d", idx)
	}
}

func TestCollector_SamplingGatesIngestion(t *testing.T) {
	sink := &captureSink{}
	c := NewCollector(CollectorConfig{
		BufferSize:   1000,
		BatchSize:    1000,
		SamplingRate: 0,
	}, events.NewBus(), sink)
	c.SeedRand(1)

	for i := 0; i < 50; i++ {
		c.Ingest(perfEvent(i, events.PriorityNormal))
	}
	if c.Buffered() != 0 {
		t.Errorf("Zero sampling should drop all normal events, buffered %d", c.Buffered())
	}

	// Critical events bypass sampling entirely
	c.Ingest(perfEvent(99, events.PriorityCritical))
	anomaly := events.New(events.KindAnomaly, events.TopicAnomaly, "a1", "", events.PriorityNormal, nil)
	c.Ingest(anomaly)
	if c.Buffered() != 2 {
		t.Errorf("Critical and anomaly events must always ingest, buffered %d", c.Buffered())
	}
}

func TestCollector_OverflowDropsOldestLowPriority(t *testing.T) {
	sink := &captureSink{}
	c := NewCollector(CollectorConfig{
		BufferSize:   3,
		BatchSize:    100,
		SamplingRate: 1.0,
	}, events.NewBus(), sink)
	// From two buffered events on, the high-water mark halves sampling;
	// this seed's draws admit events 2 and 3 so the overflow path runs
	c.SeedRand(2)

	c.Ingest(perfEvent(0, events.PriorityLow))
	c.Ingest(perfEvent(1, events.PriorityCritical))
	c.Ingest(perfEvent(2, events.PriorityLow))
	c.Ingest(perfEvent(3, events.PriorityNormal))

	if c.DroppedCount() != 1 {
		t.Errorf("Expected 1 eviction, got %d", c.DroppedCount())
	}
	c.Flush()

	// The critical event survived the eviction
	foundCritical := false
	for _, e := range sink.all() {
		if e.Priority == events.PriorityCritical {
			foundCritical = true
		}
		if n, ok := e.Payload["n"].(int); ok && n == 0 {
			t.Error("Oldest low-priority event should have been evicted")
		}
	}
	if !foundCritical {
		t.Error("Critical event must never be dropped")
	}
}

func TestCollector_FailedFlushRetainsEvents(t *testing.T) {
	sink := &captureSink{fail: true}
	c := NewCollector(CollectorConfig{
		BufferSize:   100,
		BatchSize:    10,
		SamplingRate: 1.0,
	}, events.NewBus(), sink)

	for i := 0; i < 5; i++ {
		c.Ingest(perfEvent(i, events.PriorityNormal))
	}
	c.Flush()

	if c.Buffered() != 5 {
		t.Errorf("Failed flush should retain events, buffered %d", c.Buffered())
	}

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	c.Flush()

	if len(sink.all()) != 5 {
		t.Errorf("Recovered flush should deliver all retained events, got %d", len(sink.all()))
	}
}

func TestCollector_AnonymizationHashesFields(t *testing.T) {
	sink := &captureSink{}
	c := NewCollector(CollectorConfig{
		BufferSize:      100,
		BatchSize:       100,
		SamplingRate:    1.0,
		AnonymizeFields: []string{"user_email"},
	}, events.NewBus(), sink)

	e := events.New(events.KindEvaluationOutcome, events.TopicPerformance, "a1", "t1", events.PriorityNormal,
		map[string]interface{}{"user_email": "dev@example.com", "n": 1})
	c.Ingest(e)
	c.Flush()

	flushed := sink.all()
	if len(flushed) != 1 {
		t.Fatal("Expected one event")
	}
	if flushed[0].Payload["user_email"] == "dev@example.com" {
		t.Error("Sensitive field left in the clear")
	}
	if e.Payload["user_email"] != "dev@example.com" {
		t.Error("Anonymization must not mutate the caller's event")
	}
}
