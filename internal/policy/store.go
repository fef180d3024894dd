// Package policy evaluates task outcomes against the rule catalog and
// publishes immutable verdicts.
package policy

import (
	"bytes"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AGENTORCH/internal/types"
)

// ruleKey identifies one version of a rule
type ruleKey struct {
	id      string
	version string
}

// Store is the versioned rule and waiver catalog.
// Reads are concurrent; reloads swap the catalog under the write lock.
type Store struct {
	mu      sync.RWMutex
	rules   map[ruleKey]*types.Rule
	current map[string]*types.Rule // id -> newest version
	waivers map[string]*types.Waiver

	onRuleReload func(ruleID string)
}

// NewStore creates an empty catalog
func NewStore() *Store {
	return &Store{
		rules:   make(map[ruleKey]*types.Rule),
		current: make(map[string]*types.Rule),
		waivers: make(map[string]*types.Waiver),
	}
}

// OnRuleReload registers the cache-invalidation hook fired per reloaded rule
func (s *Store) OnRuleReload(fn func(ruleID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRuleReload = fn
}

// ruleCatalog is the YAML shape of the rules file
type ruleCatalog struct {
	Rules []*types.Rule `yaml:"rules"`
}

// waiverCatalog is the YAML shape of the waivers file
type waiverCatalog struct {
	Waivers []*types.Waiver `yaml:"waivers"`
}

// LoadRules reads the rule catalog file. Unknown YAML keys are rejected.
func (s *Store) LoadRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Wrap(types.ErrInternal, err, "failed to read rule catalog")
	}
	var catalog ruleCatalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&catalog); err != nil {
		return types.Wrap(types.ErrInvalidInput, err, "malformed rule catalog")
	}
	return s.PutRules(catalog.Rules)
}

// PutRules installs rules, replacing same (id, version) entries.
// Each touched rule id fires the reload hook so memoized evaluations
// for it are invalidated.
func (s *Store) PutRules(rules []*types.Rule) error {
	s.mu.Lock()
	var reloaded []string
	for _, r := range rules {
		if r.ID == "" || r.Version == "" {
			s.mu.Unlock()
			return types.EField(types.ErrInvalidInput, r.ID, "rule id and version are required")
		}
		s.rules[ruleKey{r.ID, r.Version}] = r
		cur, ok := s.current[r.ID]
		if !ok || r.Version >= cur.Version {
			s.current[r.ID] = r
		}
		reloaded = append(reloaded, r.ID)
	}
	hook := s.onRuleReload
	s.mu.Unlock()

	if hook != nil {
		for _, id := range reloaded {
			hook(id)
		}
	}
	log.Printf("[POLICY] Loaded %d rule(s)", len(rules))
	return nil
}

// LoadWaivers reads the waiver catalog file
func (s *Store) LoadWaivers(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Wrap(types.ErrInternal, err, "failed to read waiver catalog")
	}
	var catalog waiverCatalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&catalog); err != nil {
		return types.Wrap(types.ErrInvalidInput, err, "malformed waiver catalog")
	}
	return s.PutWaivers(catalog.Waivers)
}

// PutWaivers installs waivers after structural validation
func (s *Store) PutWaivers(waivers []*types.Waiver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range waivers {
		if err := w.Validate(); err != nil {
			return err
		}
		s.waivers[w.ID] = w
	}
	log.Printf("[POLICY] Loaded %d waiver(s)", len(waivers))
	return nil
}

// ActiveRules returns the newest version of every rule in its effective
// window, sorted by id. Expired rules are never returned.
func (s *Store) ActiveRules(now time.Time) []*types.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Rule
	for _, r := range s.current {
		if r.Active(now) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Waivers returns every catalog waiver, sorted by id
func (s *Store) Waivers() []*types.Waiver {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*types.Waiver, 0, len(s.waivers))
	for _, w := range s.waivers {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetWaiver looks up a waiver by id
func (s *Store) GetWaiver(id string) (*types.Waiver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.waivers[id]
	return w, ok
}

// UsableWaivers filters the given ids down to currently usable waivers
func (s *Store) UsableWaivers(ids []string, now time.Time) []*types.Waiver {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Waiver
	for _, id := range ids {
		if w, ok := s.waivers[id]; ok && w.Usable(now) {
			result = append(result, w)
		}
	}
	return result
}

// AnyUsableWaiverFor reports whether some usable waiver gates the rule
func (s *Store) AnyUsableWaiverFor(ruleID string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.waivers {
		if w.Usable(now) && w.GatesRule(ruleID) {
			return true
		}
	}
	return false
}

// ExpireWaivers flips active waivers past their expiry to expired.
// Returns how many were flipped; run periodically.
func (s *Store) ExpireWaivers(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, w := range s.waivers {
		if w.Status == types.WaiverActive && !w.ExpiresAt.After(now) {
			w.Status = types.WaiverExpired
			expired++
		}
	}
	if expired > 0 {
		log.Printf("[POLICY] Expired %d waiver(s)", expired)
	}
	return expired
}
