package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/AGENTORCH/internal/events"
	"github.com/AGENTORCH/internal/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_MigrationsRecordedWithHashes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}

	rows, err := store.db.Query(`SELECT name, hash FROM schema_migrations ORDER BY name`)
	if err != nil {
		t.Fatal(err)
	}
	recorded := make(map[string]string)
	for rows.Next() {
		var name, hash string
		if err := rows.Scan(&name, &hash); err != nil {
			t.Fatal(err)
		}
		recorded[name] = hash
	}
	rows.Close()

	if len(recorded) != len(migrations) {
		t.Fatalf("Expected %d recorded migrations, got %d", len(migrations), len(recorded))
	}
	for _, m := range migrations {
		if recorded[m.name] == "" {
			t.Errorf("Migration %s not recorded", m.name)
		}
	}
	store.Close()

	// Reopening the same database re-runs migrate as a no-op
	again, err := NewStore(path)
	if err != nil {
		t.Fatalf("Reopen should pass the hash check: %v", err)
	}
	again.Close()
}

func TestStore_MigrationDriftDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate an edited migration file: corrupt the recorded hash
	if _, err := store.db.Exec(`UPDATE schema_migrations SET hash = 'deadbeefdeadbeef' WHERE name = ?`,
		migrations[0].name); err != nil {
		t.Fatal(err)
	}
	store.Close()

	if _, err := NewStore(path); err == nil {
		t.Fatal("Drifted migration hash should fail the reopen")
	}
}

func sampleTask() *types.Task {
	return types.NewTask(&types.TaskRequest{
		Description: "persist me",
		TaskKind:    "doc-gen",
		Priority:    "high",
		SpecID:      "SPEC-1",
		RiskTier:    2,
		Metadata:    map[string]string{"k": "v"},
	}, 3)
}

func TestStore_TaskRoundTrip(t *testing.T) {
	s := testStore(t)
	task := sampleTask()
	task.Assignment = &types.Assignment{AgentID: "a1", ExecutionID: "e1", AssignedAt: time.Now()}

	if err := s.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Description != task.Description || got.TaskKind != task.TaskKind {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if got.Priority != types.PriorityHigh {
		t.Errorf("Priority lost: %v", got.Priority)
	}
	if got.Assignment == nil || got.Assignment.AgentID != "a1" {
		t.Errorf("Assignment lost: %+v", got.Assignment)
	}
	if got.Metadata["k"] != "v" {
		t.Errorf("Metadata lost: %+v", got.Metadata)
	}
}

func TestStore_OptimisticConcurrency(t *testing.T) {
	s := testStore(t)
	task := sampleTask()
	task.Version = 3
	if err := s.SaveTask(task); err != nil {
		t.Fatal(err)
	}

	stale := task.Clone()
	stale.Version = 2
	if err := s.SaveTask(stale); types.KindOf(err) != types.ErrConflict {
		t.Errorf("Stale write should conflict, got %v", err)
	}

	fresh := task.Clone()
	fresh.Version = 4
	fresh.State = types.StateRouted
	if err := s.SaveTask(fresh); err != nil {
		t.Errorf("Newer version should win: %v", err)
	}
}

func TestStore_CompletionIsAtomic(t *testing.T) {
	s := testStore(t)
	task := sampleTask()
	task.Manifest = &types.ArtifactManifest{
		TaskID:    task.ID,
		Files:     []types.ArtifactFile{{RelativePath: "out/a.txt", ByteSize: 5, SHA256: "abc", CreatedAt: time.Now()}},
		TotalSize: 5,
		CreatedAt: time.Now(),
	}
	verdict := &types.Verdict{
		ID:       "v1",
		TaskID:   task.ID,
		Outcome:  types.OutcomeApproved,
		IssuedAt: time.Now(),
	}

	if err := s.SaveCompletion(task, &types.TaskOutcome{TaskID: task.ID}, verdict); err != nil {
		t.Fatalf("SaveCompletion: %v", err)
	}

	// A second completion reusing the same immutable verdict id must roll
	// the whole transaction back, leaving the new task row unwritten
	other := sampleTask()
	err := s.SaveCompletion(other, &types.TaskOutcome{TaskID: other.ID}, verdict)
	if err == nil {
		t.Fatal("Duplicate verdict id should fail the transaction")
	}
	if _, err := s.GetTask(other.ID); types.KindOf(err) != types.ErrNotFound {
		t.Error("Rolled-back transaction leaked a task row")
	}
}

func TestStore_VerdictImmutable(t *testing.T) {
	s := testStore(t)
	v := &types.Verdict{ID: "v1", TaskID: "t1", Outcome: types.OutcomeApproved, IssuedAt: time.Now()}

	if err := s.SaveVerdict(v); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveVerdict(v); types.KindOf(err) != types.ErrConflict {
		t.Errorf("Verdict rows are insert-once, got %v", err)
	}

	got, err := s.GetVerdict("v1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != types.OutcomeApproved {
		t.Errorf("Verdict content mismatch: %+v", got)
	}
}

func TestStore_EventsAppendOnly(t *testing.T) {
	s := testStore(t)

	var batch []*events.Event
	prev := ""
	for i := 0; i < 10; i++ {
		e := events.New(events.KindEvaluationOutcome, events.TopicPerformance, "a1", "t1",
			events.PriorityNormal, map[string]interface{}{"n": i})
		e.Seq = int64(i + 1)
		e.PrevHash = prev
		e.Hash = events.ChainHash(prev, e.CanonicalPayload())
		prev = e.Hash
		batch = append(batch, e)
	}
	if err := s.SaveEvents(batch); err != nil {
		t.Fatal(err)
	}

	got, err := s.EventsSince(0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("Expected 10 events, got %d", len(got))
	}
	if idx := events.VerifyChain(got); idx != -1 {
		t.Errorf("Persisted chain should verify, broke at %d", idx)
	}

	tail, _ := s.EventsSince(5, 100)
	if len(tail) != 5 || tail[0].Seq != 6 {
		t.Errorf("EventsSince(5) wrong: len=%d", len(tail))
	}
}

func TestStore_Provenance(t *testing.T) {
	s := testStore(t)

	entry := &types.ProvenanceEntry{
		ID: 1, Type: "verdict", Timestamp: time.Now(),
		SubjectID: "t1", Actor: "validator", PrevHash: "", Hash: "h1",
	}
	if err := s.AppendProvenance(entry); err != nil {
		t.Fatal(err)
	}
	// Append-only: same id cannot be rewritten
	if err := s.AppendProvenance(entry); err == nil {
		t.Error("Duplicate provenance id should fail")
	}
}

func TestStore_PruneEvents(t *testing.T) {
	s := testStore(t)

	old := events.New(events.KindEvaluationOutcome, events.TopicPerformance, "a", "t", events.PriorityNormal, nil)
	old.Seq = 1
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	recent := events.New(events.KindEvaluationOutcome, events.TopicPerformance, "a", "t", events.PriorityNormal, nil)
	recent.Seq = 2

	if err := s.SaveEvents([]*events.Event{old, recent}); err != nil {
		t.Fatal(err)
	}
	pruned, err := s.PruneEvents(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("Expected 1 pruned event, got %d", pruned)
	}
}
