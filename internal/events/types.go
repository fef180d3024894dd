package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind represents the type of event
type EventKind string

// Event kind constants
const (
	KindTaskStart         EventKind = "task_start"
	KindTaskComplete      EventKind = "task_complete"
	KindTaskTimeout       EventKind = "task_timeout"
	KindTaskCancelled     EventKind = "task_cancelled"
	KindTaskStateChange   EventKind = "task_state_change"
	KindRoutingDecision   EventKind = "routing_decision"
	KindEvaluationOutcome EventKind = "evaluation_outcome"
	KindPolicyValidation  EventKind = "policy_validation"
	KindAnomaly           EventKind = "anomaly"
	KindAnomalyResolved   EventKind = "anomaly_resolved"
	KindAgentRegistered   EventKind = "agent_registered"
	KindAgentStatusChange EventKind = "agent_status_change"
	KindBackpressure      EventKind = "backpressure"
)

// Topic names the ordered streams on the bus
type Topic string

// Topic constants
const (
	TopicTaskLifecycle    Topic = "task_lifecycle"
	TopicRoutingDecision  Topic = "routing_decision"
	TopicPolicyValidation Topic = "policy_validation"
	TopicPerformance      Topic = "performance"
	TopicAnomaly          Topic = "anomaly"
	TopicAgentRegistry    Topic = "agent_registry"
)

// AllTopics lists every topic, for subscribers that want the full stream
var AllTopics = []Topic{
	TopicTaskLifecycle,
	TopicRoutingDecision,
	TopicPolicyValidation,
	TopicPerformance,
	TopicAnomaly,
	TopicAgentRegistry,
}

// Priority constants for events
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event is one record on the bus.
// Seq, PrevHash and Hash are assigned by the collector when the event is
// admitted to the performance stream; they are zero on the bus itself.
type Event struct {
	Seq       int64                  `json:"seq,omitempty"`
	ID        string                 `json:"id"`
	Kind      EventKind              `json:"kind"`
	Topic     Topic                  `json:"topic"`
	ActorID   string                 `json:"actor_id,omitempty"`
	SubjectID string                 `json:"subject_id,omitempty"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
	PrevHash  string                 `json:"prev_hash,omitempty"`
	Hash      string                 `json:"hash,omitempty"`
}

// New creates a new event with a generated ID
func New(kind EventKind, topic Topic, actorID, subjectID string, priority int, payload map[string]interface{}) *Event {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Topic:     topic,
		ActorID:   actorID,
		SubjectID: subjectID,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// CanonicalPayload returns the deterministic encoding of the payload.
// encoding/json writes map keys in sorted order, which makes the output
// stable for identical payloads.
func (e *Event) CanonicalPayload() []byte {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		// Payload maps are built from JSON-safe values; a marshal failure
		// here means a programming error upstream.
		return []byte("{}")
	}
	return data
}

// ChainHash computes the tamper-evident hash for this event given the
// previous event's hash: sha256(prevHash || canonical(payload)).
func ChainHash(prevHash string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks an ordered event slice and returns the index of the
// first event whose hash does not match the recomputed chain, or -1 when
// the whole chain verifies.
func VerifyChain(evts []*Event) int {
	prev := ""
	for i, e := range evts {
		if i > 0 {
			prev = evts[i-1].Hash
		}
		if e.PrevHash != prev {
			return i
		}
		if ChainHash(prev, e.CanonicalPayload()) != e.Hash {
			return i
		}
	}
	return -1
}
