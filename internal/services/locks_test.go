package services

import (
	"errors"
	"testing"
	"time"
)

func newTestLockService(now func() time.Time) *policyLockService {
	if now == nil {
		now = time.Now
	}
	return &policyLockService{
		locks: map[string]lockEntry{},
		lease: 5 * time.Minute,
		now:   now,
	}
}

func TestAcquireAllConflictTakesNothing(t *testing.T) {
	svc := newTestLockService(nil)

	if err := svc.AcquireAll("tx-a", []string{"policy.b"}); err != nil {
		t.Fatalf("AcquireAll(tx-a): %v", err)
	}

	err := svc.AcquireAll("tx-b", []string{"policy.a", "policy.b", "policy.c"})
	if err == nil {
		t.Fatalf("AcquireAll(tx-b): want conflict, got nil")
	}
	var locked *PolicyLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("AcquireAll(tx-b): want PolicyLockedError, got %T", err)
	}
	if locked.PolicyID != "policy.b" || locked.Holder != "tx-a" {
		t.Fatalf("conflict: want policy.b/tx-a got %s/%s", locked.PolicyID, locked.Holder)
	}

	// The failed acquire must not leave partial leases behind.
	for _, id := range []string{"policy.a", "policy.c"} {
		if holder, ok := svc.Holder(id); ok {
			t.Fatalf("Holder(%s): want none, got %s", id, holder)
		}
	}
	if got := len(svc.HeldBy("tx-b")); got != 0 {
		t.Fatalf("HeldBy(tx-b): want 0 leases, got %d", got)
	}
}

func TestAcquireAllSameHolderReacquires(t *testing.T) {
	svc := newTestLockService(nil)

	if err := svc.AcquireAll("tx-a", []string{"policy.a", "policy.b"}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := svc.AcquireAll("tx-a", []string{"policy.b", "policy.c"}); err != nil {
		t.Fatalf("reacquire by same holder: %v", err)
	}

	held := svc.HeldBy("tx-a")
	if len(held) != 3 {
		t.Fatalf("HeldBy: want 3 leases, got %d", len(held))
	}
	want := []string{"policy.a", "policy.b", "policy.c"}
	for i, lock := range held {
		if lock.PolicyID != want[i] {
			t.Fatalf("HeldBy[%d]: want %s got %s", i, want[i], lock.PolicyID)
		}
	}
}

func TestLeaseExpiryFreesPolicy(t *testing.T) {
	current := time.Now()
	svc := newTestLockService(func() time.Time { return current })

	if err := svc.AcquireAll("tx-a", []string{"policy.a"}); err != nil {
		t.Fatalf("AcquireAll: %v", err)
	}
	if holder, ok := svc.Holder("policy.a"); !ok || holder != "tx-a" {
		t.Fatalf("Holder before expiry: want tx-a got %q ok=%t", holder, ok)
	}

	current = current.Add(svc.lease + time.Second)

	if _, ok := svc.Holder("policy.a"); ok {
		t.Fatalf("Holder after expiry: want released")
	}
	if err := svc.AcquireAll("tx-b", []string{"policy.a"}); err != nil {
		t.Fatalf("AcquireAll after expiry: %v", err)
	}
}

func TestReleaseScopedToHolder(t *testing.T) {
	svc := newTestLockService(nil)

	if err := svc.AcquireAll("tx-a", []string{"policy.a", "policy.b"}); err != nil {
		t.Fatalf("AcquireAll(tx-a): %v", err)
	}
	if err := svc.AcquireAll("tx-b", []string{"policy.c"}); err != nil {
		t.Fatalf("AcquireAll(tx-b): %v", err)
	}

	// Releasing someone else's lease is a no-op.
	svc.Release("tx-a", []string{"policy.c"})
	if holder, ok := svc.Holder("policy.c"); !ok || holder != "tx-b" {
		t.Fatalf("Holder(policy.c): want tx-b got %q ok=%t", holder, ok)
	}

	svc.Release("tx-a", []string{"policy.a"})
	if _, ok := svc.Holder("policy.a"); ok {
		t.Fatalf("Holder(policy.a): want released")
	}
	if holder, ok := svc.Holder("policy.b"); !ok || holder != "tx-a" {
		t.Fatalf("Holder(policy.b): want tx-a got %q ok=%t", holder, ok)
	}

	svc.ReleaseAll("tx-a")
	if got := len(svc.HeldBy("tx-a")); got != 0 {
		t.Fatalf("HeldBy(tx-a) after ReleaseAll: want 0, got %d", got)
	}
	if holder, ok := svc.Holder("policy.c"); !ok || holder != "tx-b" {
		t.Fatalf("Holder(policy.c) after foreign ReleaseAll: want tx-b got %q ok=%t", holder, ok)
	}
}

func TestAcquireAllRejectsEmptyInput(t *testing.T) {
	svc := newTestLockService(nil)
	if err := svc.AcquireAll("", []string{"policy.a"}); err == nil {
		t.Fatalf("AcquireAll with empty holder: want error")
	}
	if err := svc.AcquireAll("tx-a", nil); err == nil {
		t.Fatalf("AcquireAll with no ids: want error")
	}
}
