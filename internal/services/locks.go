package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/telopea-platform/compliance-backend/internal/observability"
	"github.com/telopea-platform/compliance-backend/internal/platform/envutil"
)

// PolicyLockedError reports the first conflicting policy in an acquire
// attempt so the caller can surface who holds it.
type PolicyLockedError struct {
	PolicyID string
	Holder   string
}

func (e *PolicyLockedError) Error() string {
	return fmt.Sprintf("policy %s is locked by %s", e.PolicyID, e.Holder)
}

// PolicyLock describes one live lease.
type PolicyLock struct {
	PolicyID  string    `json:"policy_id"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PolicyLockService hands out short leases on policy IDs. Policy-set
// transactions and rollback executions take leases on every policy they
// touch before writing anything; a conflict rejects the whole request
// rather than queueing behind the holder.
type PolicyLockService interface {
	// AcquireAll takes leases on every ID or none of them.
	AcquireAll(holder string, policyIDs []string) error
	Release(holder string, policyIDs []string)
	ReleaseAll(holder string)
	// Holder reports who holds an unexpired lease on the policy, if anyone.
	Holder(policyID string) (string, bool)
	// HeldBy lists the holder's live leases.
	HeldBy(holder string) []PolicyLock
}

type lockEntry struct {
	holder  string
	expires time.Time
}

type policyLockService struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	lease time.Duration
	now   func() time.Time
}

func NewPolicyLockService() PolicyLockService {
	return &policyLockService{
		locks: map[string]lockEntry{},
		lease: envutil.Seconds("POLICY_LOCK_LEASE_SECONDS", 300*time.Second),
		now:   time.Now,
	}
}

func (s *policyLockService) AcquireAll(holder string, policyIDs []string) error {
	if s == nil || holder == "" || len(policyIDs) == 0 {
		return fmt.Errorf("missing holder or policy ids")
	}
	ids := append([]string(nil), policyIDs...)
	sort.Strings(ids)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, id := range ids {
		entry, ok := s.locks[id]
		if !ok || now.After(entry.expires) || entry.holder == holder {
			continue
		}
		if metrics := observability.Current(); metrics != nil {
			metrics.IncLockConflict()
		}
		return &PolicyLockedError{PolicyID: id, Holder: entry.holder}
	}
	expires := now.Add(s.lease)
	for _, id := range ids {
		s.locks[id] = lockEntry{holder: holder, expires: expires}
	}
	s.publishHeldLocked(now)
	return nil
}

func (s *policyLockService) Release(holder string, policyIDs []string) {
	if s == nil || holder == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range policyIDs {
		if entry, ok := s.locks[id]; ok && entry.holder == holder {
			delete(s.locks, id)
		}
	}
	s.publishHeldLocked(s.now())
}

func (s *policyLockService) ReleaseAll(holder string) {
	if s == nil || holder == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.locks {
		if entry.holder == holder {
			delete(s.locks, id)
		}
	}
	s.publishHeldLocked(s.now())
}

func (s *policyLockService) Holder(policyID string) (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.locks[policyID]
	if !ok || s.now().After(entry.expires) {
		return "", false
	}
	return entry.holder, true
}

// publishHeldLocked refreshes the held-locks gauge. Caller holds s.mu.
func (s *policyLockService) publishHeldLocked(now time.Time) {
	metrics := observability.Current()
	if metrics == nil {
		return
	}
	held := 0
	for _, entry := range s.locks {
		if !now.After(entry.expires) {
			held++
		}
	}
	metrics.SetLocksHeld(held)
}

func (s *policyLockService) HeldBy(holder string) []PolicyLock {
	if s == nil || holder == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []PolicyLock
	for id, entry := range s.locks {
		if entry.holder != holder || now.After(entry.expires) {
			continue
		}
		out = append(out, PolicyLock{PolicyID: id, Holder: entry.holder, ExpiresAt: entry.expires})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}
