package consent

import (
	"context"
	"testing"
	"time"

	"github.com/telopea-platform/compliance-backend/internal/data/repos/testutil"
	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
)

func TestRecordRepoLiveLookupAndGuards(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewRecordRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	granted := time.Now().UTC().Truncate(time.Microsecond)
	rec, err := repo.Create(dbc, &types.ConsentRecord{
		SubjectID: "subj-1",
		Purpose:   "analytics",
		Status:    "granted",
		GrantedAt: &granted,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	live, err := repo.GetLive(dbc, "subj-1", "analytics")
	if err != nil {
		t.Fatalf("GetLive: %v", err)
	}
	if live == nil || live.ID != rec.ID {
		t.Fatalf("expected live record %s, got %+v", rec.ID, live)
	}

	revoked := time.Now().UTC().Truncate(time.Microsecond)
	ok, err := repo.UpdateFieldsUnlessStatus(dbc, rec.ID, []string{"revoked", "expired"}, map[string]interface{}{
		"status":        "revoked",
		"revoked_at":    revoked,
		"revoke_reason": "subject request",
	})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !ok {
		t.Fatalf("expected revoke to commit")
	}

	// Terminal records stay terminal.
	ok, err = repo.UpdateFieldsUnlessStatus(dbc, rec.ID, []string{"revoked", "expired"}, map[string]interface{}{
		"status": "granted",
	})
	if err != nil {
		t.Fatalf("re-grant attempt: %v", err)
	}
	if ok {
		t.Fatalf("expected guard to reject update of revoked record")
	}

	if live, err = repo.GetLive(dbc, "subj-1", "analytics"); err != nil {
		t.Fatalf("GetLive after revoke: %v", err)
	}
	if live != nil {
		t.Fatalf("revoked record should not be live, got %+v", live)
	}
}

func TestRecordRepoListExpiring(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewRecordRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	past := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
	future := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)

	if _, err := repo.Create(dbc, &types.ConsentRecord{
		SubjectID: "subj-exp",
		Purpose:   "research",
		Status:    "granted",
		ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("create expired: %v", err)
	}
	if _, err := repo.Create(dbc, &types.ConsentRecord{
		SubjectID: "subj-exp",
		Purpose:   "sharing",
		Status:    "granted",
		ExpiresAt: &future,
	}); err != nil {
		t.Fatalf("create current: %v", err)
	}

	due, err := repo.ListExpiring(dbc, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListExpiring: %v", err)
	}
	found := false
	for _, rec := range due {
		if rec.SubjectID == "subj-exp" && rec.Purpose == "sharing" {
			t.Fatalf("future-dated grant should not be due")
		}
		if rec.SubjectID == "subj-exp" && rec.Purpose == "research" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected past-dated grant in expiring list")
	}
}

func TestRecordRepoSecondLiveRecordRejected(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewRecordRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	if _, err := repo.Create(dbc, &types.ConsentRecord{
		SubjectID: "subj-dup",
		Purpose:   "analytics",
		Status:    "granted",
	}); err != nil {
		t.Fatalf("create first: %v", err)
	}

	_, err := repo.Create(dbc, &types.ConsentRecord{
		SubjectID: "subj-dup",
		Purpose:   "analytics",
		Status:    "pending",
	})
	if err == nil {
		t.Fatalf("expected unique violation for second live record")
	}
}
