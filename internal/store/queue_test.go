package store

import (
	"context"
	"testing"
	"time"
)

const testMaxAttempts = 8

func testMutation(table, recordID string, action Action) *Mutation {
	return &Mutation{
		Table:    table,
		RecordID: recordID,
		Action:   action,
		Payload:  []byte(`{"id":"` + recordID + `"}`),
		DeviceID: "device-test",
		LocalTS:  time.Now().UTC(),
	}
}

func TestEnqueue_FillsDefaults(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := testMutation("patients", "p-1", ActionUpdate)
	if err := db.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if m.ID == "" {
		t.Error("Enqueue() did not assign an ID")
	}
	if m.EnqueuedAt.IsZero() {
		t.Error("Enqueue() did not assign an enqueue time")
	}
	if m.Status != StatusPending {
		t.Errorf("Status = %q, want %q", m.Status, StatusPending)
	}
}

func TestEnqueue_InvalidAction(t *testing.T) {
	db := testDB(t)

	m := testMutation("patients", "p-1", Action("merge"))
	if err := db.Enqueue(context.Background(), m); err == nil {
		t.Fatal("Enqueue() succeeded with invalid action, want error")
	}
}

func TestPendingMutations_Ordered(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		m := testMutation("notes", id, ActionCreate)
		m.EnqueuedAt = base.Add(time.Duration(i) * time.Minute)
		if err := db.Enqueue(ctx, m); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	pending, err := db.PendingMutations(ctx, testMaxAttempts)
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("len(pending) = %d, want 3", len(pending))
	}
	for i, want := range []string{"a", "b", "c"} {
		if pending[i].RecordID != want {
			t.Errorf("pending[%d].RecordID = %q, want %q (oldest first)", i, pending[i].RecordID, want)
		}
	}
}

func TestMarkOK_RemovesAndIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := testMutation("patients", "p-1", ActionUpdate)
	if err := db.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := db.MarkOK(ctx, m.ID); err != nil {
		t.Fatalf("MarkOK() failed: %v", err)
	}
	// Retiring again must not fail
	if err := db.MarkOK(ctx, m.ID); err != nil {
		t.Errorf("Second MarkOK() failed: %v", err)
	}

	counts, err := db.Counts(ctx, testMaxAttempts)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if counts.Pending != 0 || counts.Failed != 0 {
		t.Errorf("Counts = %+v, want empty queue", counts)
	}
}

func TestMarkError_IncrementsAndSchedules(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := testMutation("patients", "p-1", ActionUpdate)
	if err := db.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	next := time.Now().UTC().Add(time.Hour)
	if err := db.MarkError(ctx, m.ID, "connection refused", next); err != nil {
		t.Fatalf("MarkError() failed: %v", err)
	}

	// Backoff not elapsed: excluded from the next drain
	pending, err := db.PendingMutations(ctx, testMaxAttempts)
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("len(pending) = %d, want 0 while backoff pending", len(pending))
	}

	// But still counted as pending work, not lost
	counts, err := db.Counts(ctx, testMaxAttempts)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if counts.Pending != 1 {
		t.Errorf("Counts.Pending = %d, want 1", counts.Pending)
	}
}

func TestMarkError_ElapsedBackoffIsEligible(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := testMutation("patients", "p-1", ActionUpdate)
	if err := db.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := db.MarkError(ctx, m.ID, "timeout", time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("MarkError() failed: %v", err)
	}

	pending, err := db.PendingMutations(ctx, testMaxAttempts)
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1 after backoff elapsed", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", pending[0].Attempts)
	}
	if pending[0].LastError != "timeout" {
		t.Errorf("LastError = %q, want 'timeout'", pending[0].LastError)
	}
}

func TestFailedMutations_AtCeiling(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := testMutation("messages", "msg-1", ActionCreate)
	if err := db.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	past := time.Now().UTC().Add(-time.Second)
	for i := 0; i < testMaxAttempts; i++ {
		if err := db.MarkError(ctx, m.ID, "server error", past); err != nil {
			t.Fatalf("MarkError() attempt %d failed: %v", i, err)
		}
	}

	// At the ceiling: excluded from drains, surfaced as failed
	pending, err := db.PendingMutations(ctx, testMaxAttempts)
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("len(pending) = %d, want 0 at attempt ceiling", len(pending))
	}

	failed, err := db.FailedMutations(ctx, testMaxAttempts)
	if err != nil {
		t.Fatalf("FailedMutations() failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("len(failed) = %d, want 1", len(failed))
	}

	counts, err := db.Counts(ctx, testMaxAttempts)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if counts.Failed != 1 || counts.Pending != 0 {
		t.Errorf("Counts = %+v, want {Pending:0 Failed:1}", counts)
	}
}

func TestRetryFailed_ResetsAttempts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := testMutation("messages", "msg-1", ActionCreate)
	if err := db.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	past := time.Now().UTC().Add(-time.Second)
	for i := 0; i < testMaxAttempts; i++ {
		if err := db.MarkError(ctx, m.ID, "server error", past); err != nil {
			t.Fatalf("MarkError() failed: %v", err)
		}
	}

	n, err := db.RetryFailed(ctx, testMaxAttempts)
	if err != nil {
		t.Fatalf("RetryFailed() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RetryFailed() = %d, want 1", n)
	}

	pending, err := db.PendingMutations(ctx, testMaxAttempts)
	if err != nil {
		t.Fatalf("PendingMutations() failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("len(pending) = %d, want 1 after manual retry", len(pending))
	}
}
