package audit

import (
	"context"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/telopea-platform/compliance-backend/internal/data/repos/testutil"
	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
)

func TestEntryRepoAppendChains(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewEntryRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	first, err := repo.Append(dbc, &types.AuditEntry{
		ActorID: "admin-1",
		Action:  "policy.update",
		Target:  "pol-alpha",
		Details: datatypes.JSON(`{"version":"1.0.1"}`),
		Result:  "success",
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	second, err := repo.Append(dbc, &types.AuditEntry{
		ActorID: "admin-1",
		Action:  "policy.delete",
		Target:  "pol-beta",
		Result:  "success",
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	if second.Seq != first.Seq+1 {
		t.Fatalf("expected consecutive seq, got %d then %d", first.Seq, second.Seq)
	}
	if second.PrevHash != first.Hash {
		t.Fatalf("second entry does not chain to first")
	}
	if first.Hash == "" || second.Hash == "" {
		t.Fatalf("expected non-empty hashes")
	}

	// Read back and recompute; jsonb round-tripping must not break the hash.
	rows, err := repo.ListChain(dbc, first.Seq-1, 10)
	if err != nil {
		t.Fatalf("list chain: %v", err)
	}
	if len(rows) < 2 {
		t.Fatalf("expected at least 2 chain rows, got %d", len(rows))
	}
	for _, row := range rows {
		if got := types.ComputeAuditHash(row); got != row.Hash {
			t.Fatalf("hash mismatch at seq %d: stored %s recomputed %s", row.Seq, row.Hash, got)
		}
	}
}

func TestEntryRepoListFilters(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewEntryRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	for _, action := range []string{"policy.update", "policy.delete", "rollback.execute"} {
		if _, err := repo.Append(dbc, &types.AuditEntry{
			ActorID: "admin-2",
			Action:  action,
			Result:  "success",
		}); err != nil {
			t.Fatalf("append %s: %v", action, err)
		}
	}

	rows, err := repo.List(dbc, EntryQuery{ActorID: "admin-2", Action: "policy.*"})
	if err != nil {
		t.Fatalf("list wildcard: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 policy.* entries, got %d", len(rows))
	}

	count, err := repo.Count(dbc, EntryQuery{ActorID: "admin-2", Action: "rollback.execute"})
	if err != nil {
		t.Fatalf("count exact: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 exact match, got %d", count)
	}
}

func TestEntryRepoPurgeExemptsCulturalSensitive(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewEntryRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	category := "consent-purge-test"
	old := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Microsecond)
	for i, sensitive := range []bool{false, false, true} {
		if _, err := repo.Append(dbc, &types.AuditEntry{
			ActorID:           "admin-3",
			Action:            "consent.revoke",
			Category:          category,
			CulturalSensitive: sensitive,
			Result:            "success",
			CreatedAt:         old.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	res, err := repo.PurgeExpired(dbc, category, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if res.Removed != 2 {
		t.Fatalf("expected 2 purged rows, got %d", res.Removed)
	}
	if res.MinSeq == 0 || res.MaxSeq < res.MinSeq {
		t.Fatalf("expected a purged seq range, got %+v", res)
	}

	sensitive := true
	remaining, err := repo.List(dbc, EntryQuery{Category: category, CulturalSensitive: &sensitive})
	if err != nil {
		t.Fatalf("list remaining: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected the cultural-sensitive row to survive, got %d rows", len(remaining))
	}
}
