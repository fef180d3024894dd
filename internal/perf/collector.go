// Package perf collects performance events and rolls them into
// per-agent profiles, trends, and training batches.
package perf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/AGENTORCH/internal/circuit"
	"github.com/AGENTORCH/internal/events"
)

// EventSink persists flushed event batches append-only
type EventSink interface {
	SaveEvents(batch []*events.Event) error
}

// CollectorConfig tunes the event collector
type CollectorConfig struct {
	BufferSize      int
	BatchSize       int
	FlushInterval   time.Duration
	SamplingRate    float64
	AnonymizeFields []string
	FailThreshold   int
	ResetTimeout    time.Duration
}

// highWaterFraction is the buffer fill ratio that triggers backpressure
const highWaterFraction = 0.8

// backpressureSampling is the effective sampling rate while over the
// high-water mark
const backpressureSampling = 0.5

// Collector buffers bus events in a bounded ring, assigns the
// tamper-evident hash chain, and flushes batches to the sink.
type Collector struct {
	cfg     CollectorConfig
	bus     *events.Bus
	sink    EventSink
	breaker *circuit.Breaker

	mu           sync.Mutex
	buffer       []*events.Event
	seq          int64
	lastHash     string
	lastFlush    time.Time
	lastPressure time.Time
	dropped      uint64
	rng          *rand.Rand

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewCollector creates the collector. sink may be nil (buffer-only mode).
func NewCollector(cfg CollectorConfig, bus *events.Bus, sink EventSink) *Collector {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Collector{
		cfg:       cfg,
		bus:       bus,
		sink:      sink,
		breaker:   circuit.NewBreaker("event-sink", cfg.FailThreshold, cfg.ResetTimeout),
		lastFlush: time.Now(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:      make(chan struct{}),
	}
}

// Start subscribes to every bus topic and begins draining
func (c *Collector) Start() {
	ch := c.bus.SubscribeAll()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					c.Flush()
					return
				}
				c.Ingest(&e)
			case <-ticker.C:
				c.maybeFlush(false)
			case <-c.quit:
				c.Flush()
				return
			}
		}
	}()
	log.Printf("[PERF] Collector started (buffer %d, batch %d)", c.cfg.BufferSize, c.cfg.BatchSize)
}

// Stop flushes and halts the drain loop
func (c *Collector) Stop() {
	close(c.quit)
	c.wg.Wait()
	log.Printf("[PERF] Collector stopped")
}

// Ingest admits one event: sampling, anonymization, hash chaining,
// ring buffering, and flush triggering.
func (c *Collector) Ingest(e *events.Event) {
	critical := e.Priority == events.PriorityCritical || e.Kind == events.KindAnomaly

	c.mu.Lock()

	// Sampling gates ingestion; critical anomalies always pass. Above the
	// high-water mark the effective rate drops and a backpressure signal
	// is emitted.
	effective := c.cfg.SamplingRate
	if len(c.buffer) >= int(highWaterFraction*float64(c.cfg.BufferSize)) {
		if effective > backpressureSampling {
			effective = backpressureSampling
		}
		c.emitBackpressureLocked()
	}
	if !critical && c.rng.Float64() >= effective {
		c.mu.Unlock()
		return
	}

	if len(c.buffer) >= c.cfg.BufferSize && !c.dropOldestLocked(critical) {
		c.mu.Unlock()
		return
	}

	admitted := c.anonymize(e)
	c.seq++
	admitted.Seq = c.seq
	admitted.PrevHash = c.lastHash
	admitted.Hash = events.ChainHash(admitted.PrevHash, admitted.CanonicalPayload())
	c.lastHash = admitted.Hash

	c.buffer = append(c.buffer, admitted)

	shouldFlush := len(c.buffer) >= c.cfg.BatchSize
	c.mu.Unlock()

	if shouldFlush {
		c.maybeFlush(true)
	}
}

// dropOldestLocked evicts to make room: oldest low-priority first. It
// reports whether the incoming event may be buffered.
// Critical events are never evicted; when the buffer is all critical and
// the incoming event is not, the incoming event is the casualty instead.
// An incoming critical event is always admitted, even past capacity.
func (c *Collector) dropOldestLocked(incomingCritical bool) bool {
	for i, buffered := range c.buffer {
		if buffered.Priority != events.PriorityCritical {
			c.buffer = append(c.buffer[:i], c.buffer[i+1:]...)
			c.dropped++
			return true
		}
	}
	if !incomingCritical {
		// No evictable entry; the incoming event is counted and dropped
		c.dropped++
		return false
	}
	return true
}

// anonymize hashes configured sensitive payload fields before the event
// leaves the collector
func (c *Collector) anonymize(e *events.Event) *events.Event {
	if len(c.cfg.AnonymizeFields) == 0 {
		return e
	}
	cp := *e
	cp.Payload = make(map[string]interface{}, len(e.Payload))
	for k, v := range e.Payload {
		cp.Payload[k] = v
	}
	for _, field := range c.cfg.AnonymizeFields {
		if v, ok := cp.Payload[field]; ok {
			sum := sha256.Sum256([]byte(fmt.Sprintf("%v", v)))
			cp.Payload[field] = hex.EncodeToString(sum[:8])
		}
	}
	return &cp
}

// emitBackpressureLocked publishes the throttle signal (caller holds lock)
func (c *Collector) emitBackpressureLocked() {
	if c.bus == nil {
		return
	}
	// Throttled so the signal does not feed back into the buffer it warns about
	if time.Since(c.lastPressure) < time.Second {
		return
	}
	c.lastPressure = time.Now()
	buffered := len(c.buffer)
	// Fire-and-forget outside the lock to avoid re-entrant ingestion
	go c.bus.Publish(events.New(events.KindBackpressure, events.TopicPerformance,
		"collector", "", events.PriorityLow, map[string]interface{}{
			"buffered": buffered,
			"capacity": c.cfg.BufferSize,
		}))
}

// maybeFlush flushes when the batch size or age trigger fires
func (c *Collector) maybeFlush(sizeTriggered bool) {
	c.mu.Lock()
	aged := time.Since(c.lastFlush) >= c.cfg.FlushInterval
	if !sizeTriggered && !aged {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Flush()
}

// Flush drains the buffer to the sink in batches
func (c *Collector) Flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.lastFlush = time.Now()
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = nil
	c.lastFlush = time.Now()
	c.mu.Unlock()

	if c.sink == nil {
		return
	}
	for start := 0; start < len(batch); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]
		err := c.breaker.Execute(context.Background(), func(context.Context) error {
			return c.sink.SaveEvents(chunk)
		})
		if err != nil {
			log.Printf("[PERF] Flush failed (%d event(s) retained): %v", len(chunk), err)
			c.mu.Lock()
			c.buffer = append(append([]*events.Event{}, batch[start:]...), c.buffer...)
			c.mu.Unlock()
			return
		}
	}
}

// DroppedCount returns how many events overflow evicted
func (c *Collector) DroppedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// SeedRand replaces the sampling source. Test hook.
func (c *Collector) SeedRand(seed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng = rand.New(rand.NewSource(seed))
}

// Buffered returns the current buffer occupancy
func (c *Collector) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}
