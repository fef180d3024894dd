package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/AGENTORCH/internal/events"
	"github.com/AGENTORCH/internal/types"
)

// Baseline budgets by risk tier. Tier is the spec's declared blast
// radius; bigger tiers get wider change budgets.
var tierBudgets = map[int]types.Budget{
	1: {MaxFiles: 5, MaxLOC: 500},
	2: {MaxFiles: 10, MaxLOC: 1000},
	3: {MaxFiles: 20, MaxLOC: 2000},
	4: {MaxFiles: 40, MaxLOC: 4000},
}

// Confidence model constants
const (
	confidenceBase      = 0.7
	confidencePerPrec   = 0.1
	confidenceStrictAdd = 0.1
	maxPrecedentsCited  = 3
)

// Options tune one validation call
type Options struct {
	DryRun          bool
	Strict          bool
	RequireEvidence bool
	PrecedentLookup bool
	IssuerID        string
}

// Validator evaluates outcomes against the rule catalog
type Validator struct {
	store  *Store
	ledger *Ledger
	bus    *events.Bus
	memo   *gocache.Cache

	mu        sync.RWMutex
	verdicts  map[string]*types.Verdict
	inputs    map[string]*replayInput // verdict id -> stored inputs
	citations map[string]int          // verdict id -> citation count
	defaults  Options
}

// replayInput captures what a verdict was computed from
type replayInput struct {
	task    *types.Task
	outcome *types.TaskOutcome
	opts    Options
}

// memoEntry is one cached rule evaluation
type memoEntry struct {
	violation *types.Violation
}

// NewValidator wires the validator. bus and ledger sink may be nil.
func NewValidator(store *Store, ledger *Ledger, bus *events.Bus, defaults Options) *Validator {
	v := &Validator{
		store:     store,
		ledger:    ledger,
		bus:       bus,
		memo:      gocache.New(time.Hour, 10*time.Minute),
		verdicts:  make(map[string]*types.Verdict),
		inputs:    make(map[string]*replayInput),
		citations: make(map[string]int),
		defaults:  defaults,
	}
	store.OnRuleReload(v.invalidateRule)
	return v
}

// Validate gates a task outcome with the default options
func (v *Validator) Validate(ctx context.Context, task *types.Task, outcome *types.TaskOutcome) (*types.Verdict, error) {
	return v.ValidateWith(ctx, task, outcome, v.defaults)
}

// ValidateWith evaluates every applicable rule and produces a verdict.
// Inputs are never mutated. Dry-run skips publication entirely.
func (v *Validator) ValidateWith(ctx context.Context, task *types.Task, outcome *types.TaskOutcome, opts Options) (*types.Verdict, error) {
	if task == nil || outcome == nil {
		return nil, types.E(types.ErrInvalidInput, "task and outcome are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, types.Wrap(types.ErrTimeout, err, "validation cancelled")
	}

	now := time.Now()
	baseline := v.baselineBudget(task.RiskTier)
	applied := v.store.UsableWaivers(task.WaiverIDs, now)
	effective := baseline
	var waiverIDs []string
	for _, w := range applied {
		// Deltas are additive and order-independent
		effective.MaxFiles += w.Delta.MaxFiles
		effective.MaxLOC += w.Delta.MaxLOC
		waiverIDs = append(waiverIDs, w.ID)
	}

	rules := v.store.ActiveRules(now)
	var rulesApplied []string
	var violations []types.Violation
	for _, rule := range rules {
		rulesApplied = append(rulesApplied, rule.ID)
		if violation := v.evaluateRule(rule, outcome, effective, opts); violation != nil {
			violations = append(violations, *violation)
		}
	}

	outcomeLabel := decideOutcome(violations, func(ruleID string) bool {
		return v.store.AnyUsableWaiverFor(ruleID, now)
	})

	precedents := 0
	var evidence []string
	for kind, ref := range outcome.Evidence {
		evidence = append(evidence, kind+":"+ref)
	}
	sort.Strings(evidence)

	if opts.PrecedentLookup {
		cited := v.citePrecedents(rules, violations)
		precedents = len(cited)
		for _, id := range cited {
			evidence = append(evidence, "precedent:"+id)
		}
	}

	confidence := confidenceBase + confidencePerPrec*float64(min(precedents, maxPrecedentsCited))
	if opts.Strict {
		confidence += confidenceStrictAdd
	}
	// Round to two decimals so the 0.1 steps land on exact tenths
	confidence = math.Round(confidence*100) / 100
	if confidence > 1 {
		confidence = 1
	}

	verdict := &types.Verdict{
		ID:              uuid.New().String(),
		TaskID:          task.ID,
		SpecID:          task.SpecID,
		Outcome:         outcomeLabel,
		RulesApplied:    rulesApplied,
		Violations:      violations,
		Evidence:        evidence,
		WaiversApplied:  waiverIDs,
		BaselineBudget:  baseline,
		EffectiveBudget: effective,
		Confidence:      confidence,
		IssuerID:        opts.IssuerID,
		IssuedAt:        now,
	}

	if !opts.DryRun {
		if err := v.publish(verdict, task, outcome, opts); err != nil {
			return nil, err
		}
	}
	return verdict, nil
}

// baselineBudget looks up the tier baseline, defaulting to tier 2
func (v *Validator) baselineBudget(tier int) types.Budget {
	if b, ok := tierBudgets[tier]; ok {
		return b
	}
	return tierBudgets[2]
}

// evaluateRule checks one rule against the outcome, memoized by
// (rule, action, actor, canonical parameters)
func (v *Validator) evaluateRule(rule *types.Rule, outcome *types.TaskOutcome, effective types.Budget, opts Options) *types.Violation {
	key := v.memoKey(rule, outcome, effective, opts)
	if cached, ok := v.memo.Get(key); ok {
		return cached.(memoEntry).violation
	}

	violation := evaluateRuleCondition(rule, outcome, effective, opts)
	v.memo.SetDefault(key, memoEntry{violation: violation})
	return violation
}

// evaluateRuleCondition applies the category-specific condition
func evaluateRuleCondition(rule *types.Rule, outcome *types.TaskOutcome, effective types.Budget, opts Options) *types.Violation {
	// Strict evidence gating: a declared evidence kind missing from the
	// outcome is itself a violation
	if opts.Strict && opts.RequireEvidence {
		for _, kind := range rule.EvidenceKinds {
			if _, ok := outcome.Evidence[kind]; !ok {
				return &types.Violation{
					RuleID:      rule.ID,
					Category:    rule.Category,
					Severity:    rule.Severity,
					Message:     fmt.Sprintf("missing required evidence %q", kind),
					Waivable:    rule.Waivable,
					Remediation: fmt.Sprintf("attach %q evidence and revalidate", kind),
				}
			}
		}
	}

	switch rule.Category {
	case types.CategoryBudget:
		if outcome.FilesChanged > effective.MaxFiles {
			return &types.Violation{
				RuleID:      rule.ID,
				Category:    rule.Category,
				Severity:    rule.Severity,
				Message:     fmt.Sprintf("budget_limit: max_files %d > %d", outcome.FilesChanged, effective.MaxFiles),
				Waivable:    rule.Waivable,
				Remediation: "split the change or attach a waiver widening max_files",
			}
		}
		if outcome.LOCChanged > effective.MaxLOC {
			return &types.Violation{
				RuleID:      rule.ID,
				Category:    rule.Category,
				Severity:    rule.Severity,
				Message:     fmt.Sprintf("budget_limit: max_loc %d > %d", outcome.LOCChanged, effective.MaxLOC),
				Waivable:    rule.Waivable,
				Remediation: "split the change or attach a waiver widening max_loc",
			}
		}
	case types.CategoryTesting:
		threshold := rule.Threshold
		if threshold <= 0 {
			threshold = 80
		}
		if outcome.CoveragePct < threshold {
			return &types.Violation{
				RuleID:      rule.ID,
				Category:    rule.Category,
				Severity:    rule.Severity,
				Message:     fmt.Sprintf("coverage %.1f%% below threshold %.1f%%", outcome.CoveragePct, threshold),
				Waivable:    rule.Waivable,
				Remediation: "raise test coverage above the threshold",
			}
		}
	case types.CategorySecurity:
		if outcome.CriticalVulns > 0 {
			return &types.Violation{
				RuleID:      rule.ID,
				Category:    rule.Category,
				Severity:    rule.Severity,
				Message:     fmt.Sprintf("%d critical vulnerability(ies) present", outcome.CriticalVulns),
				Waivable:    rule.Waivable,
				Remediation: "remediate critical vulnerabilities before resubmitting",
			}
		}
	case types.CategoryCodeQuality:
		threshold := rule.Threshold
		if threshold <= 0 {
			threshold = 0.5
		}
		if outcome.QualityScore < threshold {
			return &types.Violation{
				RuleID:      rule.ID,
				Category:    rule.Category,
				Severity:    rule.Severity,
				Message:     fmt.Sprintf("quality score %.2f below threshold %.2f", outcome.QualityScore, threshold),
				Waivable:    rule.Waivable,
				Remediation: "address reviewer findings and revalidate",
			}
		}
	}
	return nil
}

// decideOutcome maps violations to the verdict outcome
func decideOutcome(violations []types.Violation, hasWaiverFor func(ruleID string) bool) types.VerdictOutcome {
	if len(violations) == 0 {
		return types.OutcomeApproved
	}
	allWaivable := true
	anyWaiver := false
	for _, vio := range violations {
		if !vio.Waivable {
			allWaivable = false
			break
		}
		if hasWaiverFor(vio.RuleID) {
			anyWaiver = true
		}
	}
	if allWaivable && anyWaiver {
		return types.OutcomeWaiverRequired
	}
	return types.OutcomeRejected
}

// citePrecedents picks prior verdicts whose category matches and whose
// severity is at least the evaluated rule's, ranked by citation count
// then recency. Cited precedents have their citation counts bumped.
func (v *Validator) citePrecedents(rules []*types.Rule, violations []types.Violation) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	// The reference severity is the highest severity in play; active
	// violations take precedence over the rule set at large
	var refSeverity types.RuleSeverity
	for _, vio := range violations {
		if vio.Severity.Rank() > refSeverity.Rank() {
			refSeverity = vio.Severity
		}
	}
	if refSeverity == "" {
		for _, r := range rules {
			if r.Severity.Rank() > refSeverity.Rank() {
				refSeverity = r.Severity
			}
		}
	}
	refCategories := make(map[types.RuleCategory]bool)
	for _, r := range rules {
		refCategories[r.Category] = true
	}

	type candidate struct {
		id       string
		cites    int
		issuedAt time.Time
	}
	var candidates []candidate
	for id, prior := range v.verdicts {
		if !v.precedentApplies(prior, refCategories, refSeverity) {
			continue
		}
		candidates = append(candidates, candidate{id: id, cites: v.citations[id], issuedAt: prior.IssuedAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].cites != candidates[j].cites {
			return candidates[i].cites > candidates[j].cites
		}
		return candidates[i].issuedAt.After(candidates[j].issuedAt)
	})

	var cited []string
	for _, c := range candidates {
		cited = append(cited, c.id)
		v.citations[c.id]++
		if len(cited) >= maxPrecedentsCited {
			break
		}
	}
	return cited
}

// precedentApplies checks category and severity alignment
func (v *Validator) precedentApplies(prior *types.Verdict, categories map[types.RuleCategory]bool, refSeverity types.RuleSeverity) bool {
	for _, vio := range prior.Violations {
		if categories[vio.Category] && vio.Severity.Rank() >= refSeverity.Rank() {
			return true
		}
	}
	// Clean approvals apply when any evaluated category matches
	return len(prior.Violations) == 0 && len(categories) > 0
}

// publish appends provenance, stores the verdict immutably, and emits
// the policy_validation event
func (v *Validator) publish(verdict *types.Verdict, task *types.Task, outcome *types.TaskOutcome, opts Options) error {
	v.mu.Lock()
	if _, exists := v.verdicts[verdict.ID]; exists {
		v.mu.Unlock()
		return types.EField(types.ErrConflict, verdict.ID, "verdict already published")
	}
	verdict.AuditLog = append(verdict.AuditLog, types.AuditEntry{
		At:     verdict.IssuedAt,
		Actor:  verdict.IssuerID,
		Action: "published",
	})
	v.verdicts[verdict.ID] = verdict
	v.inputs[verdict.ID] = &replayInput{task: task.Clone(), outcome: outcome, opts: opts}
	v.mu.Unlock()

	if v.ledger != nil {
		if _, err := v.ledger.Append("verdict", verdict.SpecID, verdict.TaskID, verdict.IssuerID, map[string]interface{}{
			"verdict_id": verdict.ID,
			"outcome":    string(verdict.Outcome),
			"confidence": verdict.Confidence,
		}); err != nil {
			return err
		}
	}

	if v.bus != nil {
		v.bus.Publish(events.New(events.KindPolicyValidation, events.TopicPolicyValidation,
			verdict.IssuerID, verdict.TaskID, events.PriorityNormal, map[string]interface{}{
				"verdict_id": verdict.ID,
				"outcome":    string(verdict.Outcome),
				"violations": len(verdict.Violations),
				"confidence": verdict.Confidence,
			}))
	}

	log.Printf("[POLICY] Verdict %s for task %s: %s (%d violation(s), confidence %.2f)",
		verdict.ID, verdict.TaskID, verdict.Outcome, len(verdict.Violations), verdict.Confidence)
	return nil
}

// GetVerdict returns a copy of a published verdict
func (v *Validator) GetVerdict(id string) (*types.Verdict, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	verdict, ok := v.verdicts[id]
	if !ok {
		return nil, types.EField(types.ErrNotFound, id, "unknown verdict")
	}
	cp := *verdict
	return &cp, nil
}

// Replay re-evaluates a published verdict in dry-run from its stored
// inputs and reports whether the outcome still matches. Review produces
// a fresh verdict citing the prior; the original is never touched.
func (v *Validator) Replay(ctx context.Context, verdictID string) (*types.Verdict, bool, error) {
	v.mu.RLock()
	original, ok := v.verdicts[verdictID]
	input := v.inputs[verdictID]
	v.mu.RUnlock()
	if !ok || input == nil {
		return nil, false, types.EField(types.ErrNotFound, verdictID, "unknown verdict")
	}

	opts := input.opts
	opts.DryRun = true
	replayed, err := v.ValidateWith(ctx, input.task, input.outcome, opts)
	if err != nil {
		return nil, false, err
	}
	replayed.PriorVerdictID = original.ID

	match := replayed.Outcome == original.Outcome &&
		len(replayed.Violations) == len(original.Violations) &&
		replayed.EffectiveBudget == original.EffectiveBudget
	return replayed, match, nil
}

// ClearCache empties the evaluation memo entirely
func (v *Validator) ClearCache() {
	v.memo.Flush()
}

// invalidateRule drops memoized evaluations for one reloaded rule
func (v *Validator) invalidateRule(ruleID string) {
	for key := range v.memo.Items() {
		if len(key) > len(ruleID) && key[:len(ruleID)+1] == ruleID+"|" {
			v.memo.Delete(key)
		}
	}
}

// memoKey builds the canonical cache key for one evaluation
func (v *Validator) memoKey(rule *types.Rule, outcome *types.TaskOutcome, effective types.Budget, opts Options) string {
	params := struct {
		Files    int
		LOC      int
		Coverage float64
		Vulns    int
		Quality  float64
		Budget   types.Budget
		Strict   bool
		Evidence map[string]string
	}{
		Files:    outcome.FilesChanged,
		LOC:      outcome.LOCChanged,
		Coverage: outcome.CoveragePct,
		Vulns:    outcome.CriticalVulns,
		Quality:  outcome.QualityScore,
		Budget:   effective,
		Strict:   opts.Strict && opts.RequireEvidence,
		Evidence: outcome.Evidence,
	}
	data, _ := json.Marshal(params)
	sum := sha256.Sum256(data)
	return rule.ID + "|validate|" + outcome.AgentID + "|" + hex.EncodeToString(sum[:8])
}
