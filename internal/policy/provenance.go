package policy

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/AGENTORCH/internal/events"
	"github.com/AGENTORCH/internal/types"
)

// ProvenanceSink persists ledger entries append-only
type ProvenanceSink interface {
	AppendProvenance(entry *types.ProvenanceEntry) error
}

// Ledger is the hash-chained provenance log. Entries are append-only;
// the chain makes any in-place edit detectable.
type Ledger struct {
	mu       sync.Mutex
	entries  []*types.ProvenanceEntry
	lastHash string
	nextID   int64
	sink     ProvenanceSink
}

// NewLedger creates an empty ledger. sink may be nil.
func NewLedger(sink ProvenanceSink) *Ledger {
	return &Ledger{sink: sink}
}

// Append adds one entry, chaining its hash to the previous entry
func (l *Ledger) Append(entryType, specID, subjectID, actor string, metadata interface{}) (*types.ProvenanceEntry, error) {
	metaJSON := ""
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return nil, types.Wrap(types.ErrInternal, err, "failed to encode provenance metadata")
		}
		metaJSON = string(data)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	entry := &types.ProvenanceEntry{
		ID:        l.nextID,
		Type:      entryType,
		Timestamp: time.Now(),
		SpecID:    specID,
		SubjectID: subjectID,
		Actor:     actor,
		Metadata:  metaJSON,
		PrevHash:  l.lastHash,
	}
	entry.Hash = events.ChainHash(entry.PrevHash, []byte(entry.Type+"|"+entry.SubjectID+"|"+entry.Actor+"|"+entry.Metadata))
	l.entries = append(l.entries, entry)
	l.lastHash = entry.Hash

	if l.sink != nil {
		if err := l.sink.AppendProvenance(entry); err != nil {
			return nil, types.Wrap(types.ErrInternal, err, "failed to persist provenance entry")
		}
	}
	return entry, nil
}

// Entries returns a copy of the ledger
func (l *Ledger) Entries() []*types.ProvenanceEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]*types.ProvenanceEntry, len(l.entries))
	for i, e := range l.entries {
		cp := *e
		result[i] = &cp
	}
	return result
}

// Verify recomputes the chain and returns the index of the first broken
// entry, or -1 when the ledger verifies
func (l *Ledger) Verify() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	for i, e := range l.entries {
		if e.PrevHash != prev {
			return i
		}
		if events.ChainHash(prev, []byte(e.Type+"|"+e.SubjectID+"|"+e.Actor+"|"+e.Metadata)) != e.Hash {
			return i
		}
		prev = e.Hash
	}
	return -1
}
