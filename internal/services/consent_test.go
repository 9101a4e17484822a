package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	types "github.com/telopea-platform/compliance-backend/internal/domain"
)

type consentHarness struct {
	svc     ConsentService
	records *fakeConsentRepo
	audit   *fakeAuditRepo
	notify  *captureComplianceNotifier
}

func newConsentHarness(t *testing.T) *consentHarness {
	t.Helper()
	h := &consentHarness{
		records: newFakeConsentRepo(),
		audit:   &fakeAuditRepo{},
		notify:  &captureComplianceNotifier{},
	}
	h.svc = NewConsentService(&gorm.DB{}, newTestLogger(t), passTxRunner{}, h.records, h.audit, h.notify)
	return h
}

func (h *consentHarness) auditEntry(t *testing.T, action string) *types.AuditEntry {
	t.Helper()
	rows, err := h.audit.List(readCtx(), repos.AuditEntryQuery{Action: action})
	if err != nil {
		t.Fatalf("list audit %s: %v", action, err)
	}
	if len(rows) != 1 {
		t.Fatalf("audit %s: want=1 entry got=%d", action, len(rows))
	}
	return rows[0]
}

func TestRequestConsentCreatesPendingRecord(t *testing.T) {
	h := newConsentHarness(t)
	ctx := context.Background()

	rec, err := h.svc.RequestConsent(ctx, RequestConsentInput{
		SubjectID: " subject-110 ",
		Purpose:   "credit_scoring",
		Scope:     map[string]any{"accounts": "all"},
		Actor:     "officer-a",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if rec.Status != ConsentStatusPending || rec.SubjectID != "subject-110" {
		t.Fatalf("record: status=%s subject=%q", rec.Status, rec.SubjectID)
	}
	entry := h.auditEntry(t, "consent.requested")
	if entry.Category != AuditCategoryConsent || entry.ActorID != "officer-a" {
		t.Fatalf("audit entry: category=%s actor=%s", entry.Category, entry.ActorID)
	}
	if len(h.notify.consentChanges) != 1 || h.notify.consentChanges[0] != "requested" {
		t.Fatalf("notifications: %v", h.notify.consentChanges)
	}

	// A live record blocks a second request for the same subject and purpose.
	_, err = h.svc.RequestConsent(ctx, RequestConsentInput{SubjectID: "subject-110", Purpose: "credit_scoring"})
	if err == nil || !strings.Contains(err.Error(), "already has a live consent") {
		t.Fatalf("duplicate request: err=%v", err)
	}
}

func TestRequestConsentValidation(t *testing.T) {
	h := newConsentHarness(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	cases := []struct {
		name string
		in   RequestConsentInput
		msg  string
	}{
		{"missing subject", RequestConsentInput{Purpose: "credit_scoring"}, "subject_id and purpose are required"},
		{"missing purpose", RequestConsentInput{SubjectID: "subject-1"}, "subject_id and purpose are required"},
		{"sensitive without community", RequestConsentInput{SubjectID: "subject-1", Purpose: "heritage_review", CulturalSensitive: true}, "requires a community_id"},
		{"expiry in the past", RequestConsentInput{SubjectID: "subject-1", Purpose: "credit_scoring", ExpiresAt: &past}, "expires_at must be in the future"},
	}
	for _, tc := range cases {
		if _, err := h.svc.RequestConsent(ctx, tc.in); err == nil || !strings.Contains(err.Error(), tc.msg) {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
	if len(h.records.rows) != 0 {
		t.Fatalf("rejected requests wrote %d rows", len(h.records.rows))
	}
}

func TestRequestConsentWithImmediateGrant(t *testing.T) {
	h := newConsentHarness(t)
	ctx := context.Background()

	rec, err := h.svc.RequestConsent(ctx, RequestConsentInput{
		SubjectID: "subject-120",
		Purpose:   "fraud_monitoring",
		Grant:     true,
		Actor:     "officer-b",
	})
	if err != nil {
		t.Fatalf("request with grant: %v", err)
	}
	if rec.Status != ConsentStatusGranted || rec.GrantedBy != "officer-b" || rec.GrantedAt == nil {
		t.Fatalf("granted record: status=%s by=%s at=%v", rec.Status, rec.GrantedBy, rec.GrantedAt)
	}
	for _, action := range []string{"consent.requested", "consent.granted"} {
		if !h.audit.hasAction(action) {
			t.Fatalf("missing audit action %s: %v", action, h.audit.actions())
		}
	}
	if len(h.notify.consentChanges) != 1 || h.notify.consentChanges[0] != "granted" {
		t.Fatalf("notifications: %v", h.notify.consentChanges)
	}

	// The immediate path still enforces the cultural protocol. The request
	// itself lands as pending before the grant is refused.
	_, err = h.svc.RequestConsent(ctx, RequestConsentInput{
		SubjectID:         "subject-121",
		Purpose:           "heritage_review",
		CulturalSensitive: true,
		CommunityID:       "comm-kaurna",
		Grant:             true,
	})
	if err == nil || !strings.Contains(err.Error(), "requires a cultural authority") {
		t.Fatalf("sensitive immediate grant: err=%v", err)
	}
	pending, granted, err := h.svc.ConsentStatus(ctx, "subject-121", "heritage_review")
	if err != nil {
		t.Fatalf("status after refused grant: %v", err)
	}
	if pending == nil || pending.Status != ConsentStatusPending || granted {
		t.Fatalf("refused grant record: rec=%+v granted=%v", pending, granted)
	}
}

func TestGrantConsentCulturalProtocol(t *testing.T) {
	h := newConsentHarness(t)
	ctx := context.Background()

	rec, err := h.svc.RequestConsent(ctx, RequestConsentInput{
		SubjectID:         "subject-130",
		Purpose:           "heritage_review",
		CulturalSensitive: true,
		CommunityID:       "comm-kaurna",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := h.svc.GrantConsent(ctx, rec.ID, GrantConsentInput{Actor: "officer-c"}); err == nil ||
		!strings.Contains(err.Error(), "requires a cultural authority") {
		t.Fatalf("grant without authority: err=%v", err)
	}

	granted, err := h.svc.GrantConsent(ctx, rec.ID, GrantConsentInput{CulturalAuthority: "elder-council", Actor: "officer-c"})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if granted.Status != ConsentStatusGranted || granted.CulturalAuthority != "elder-council" {
		t.Fatalf("granted record: status=%s authority=%s", granted.Status, granted.CulturalAuthority)
	}
	entry := h.auditEntry(t, "consent.granted")
	if !entry.CulturalSensitive {
		t.Fatalf("grant audit entry not flagged cultural_sensitive")
	}

	// Granting an already granted record is a no-op, not an error.
	again, err := h.svc.GrantConsent(ctx, rec.ID, GrantConsentInput{CulturalAuthority: "elder-council"})
	if err != nil || again.Status != ConsentStatusGranted {
		t.Fatalf("repeat grant: rec=%+v err=%v", again, err)
	}
	h.auditEntry(t, "consent.granted")

	if _, err := h.svc.GrantConsent(ctx, uuid.New(), GrantConsentInput{}); err == nil ||
		!strings.Contains(err.Error(), "consent record not found") {
		t.Fatalf("grant unknown id: err=%v", err)
	}
	if _, err := h.svc.GrantConsent(ctx, uuid.Nil, GrantConsentInput{}); err == nil ||
		!strings.Contains(err.Error(), "missing consent id") {
		t.Fatalf("grant nil id: err=%v", err)
	}
}

func TestRevokeConsentLifecycle(t *testing.T) {
	h := newConsentHarness(t)
	ctx := context.Background()

	rec, err := h.svc.RequestConsent(ctx, RequestConsentInput{
		SubjectID: "subject-140",
		Purpose:   "credit_scoring",
		Grant:     true,
		Actor:     "officer-d",
	})
	if err != nil {
		t.Fatalf("seed grant: %v", err)
	}

	if _, err := h.svc.RevokeConsent(ctx, rec.ID, "   ", "officer-d"); err == nil ||
		!strings.Contains(err.Error(), "revoke reason is required") {
		t.Fatalf("blank reason: err=%v", err)
	}

	revoked, err := h.svc.RevokeConsent(ctx, rec.ID, "subject withdrew", "officer-d")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != ConsentStatusRevoked || revoked.RevokeReason != "subject withdrew" || revoked.RevokedAt == nil {
		t.Fatalf("revoked record: %+v", revoked)
	}
	h.auditEntry(t, "consent.revoked")
	if got := h.notify.consentChanges[len(h.notify.consentChanges)-1]; got != "revoked" {
		t.Fatalf("last notification: want=revoked got=%s", got)
	}

	if _, err := h.svc.RevokeConsent(ctx, rec.ID, "again", "officer-d"); err == nil ||
		!strings.Contains(err.Error(), "cannot be revoked in status revoked") {
		t.Fatalf("double revoke: err=%v", err)
	}
	if _, err := h.svc.GrantConsent(ctx, rec.ID, GrantConsentInput{}); err == nil ||
		!strings.Contains(err.Error(), "cannot be granted in status revoked") {
		t.Fatalf("grant after revoke: err=%v", err)
	}
}

func TestConsentStatusStopsAtExpiry(t *testing.T) {
	h := newConsentHarness(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	rec, err := h.svc.RequestConsent(ctx, RequestConsentInput{
		SubjectID: "subject-150",
		Purpose:   "credit_scoring",
		Grant:     true,
		ExpiresAt: &future,
	})
	if err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	if _, granted, err := h.svc.ConsentStatus(ctx, "subject-150", "credit_scoring"); err != nil || !granted {
		t.Fatalf("live grant: granted=%v err=%v", granted, err)
	}

	// Authorization ends at the expiry instant even before the sweep flips
	// the stored status.
	past := time.Now().Add(-time.Minute)
	h.records.mutate(rec.ID, func(r *types.ConsentRecord) { r.ExpiresAt = &past })

	cur, granted, err := h.svc.ConsentStatus(ctx, "subject-150", "credit_scoring")
	if err != nil {
		t.Fatalf("status past expiry: %v", err)
	}
	if cur == nil || cur.Status != ConsentStatusGranted || granted {
		t.Fatalf("past expiry: rec=%+v granted=%v", cur, granted)
	}

	if cur, granted, err := h.svc.ConsentStatus(ctx, "subject-unknown", "credit_scoring"); err != nil || cur != nil || granted {
		t.Fatalf("unknown subject: rec=%+v granted=%v err=%v", cur, granted, err)
	}
}

func TestExpireDueSweep(t *testing.T) {
	h := newConsentHarness(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	due, err := h.svc.RequestConsent(ctx, RequestConsentInput{
		SubjectID: "subject-160", Purpose: "credit_scoring", Grant: true, ExpiresAt: &future,
	})
	if err != nil {
		t.Fatalf("seed due grant: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	h.records.mutate(due.ID, func(r *types.ConsentRecord) { r.ExpiresAt = &past })

	if _, err := h.svc.RequestConsent(ctx, RequestConsentInput{
		SubjectID: "subject-161", Purpose: "credit_scoring", Grant: true, ExpiresAt: &future,
	}); err != nil {
		t.Fatalf("seed standing grant: %v", err)
	}
	if _, err := h.svc.RequestConsent(ctx, RequestConsentInput{
		SubjectID: "subject-162", Purpose: "credit_scoring",
	}); err != nil {
		t.Fatalf("seed pending request: %v", err)
	}

	expired, err := h.svc.ExpireDue(ctx, 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired: want=1 got=%d", expired)
	}

	cur, err := h.svc.GetConsent(ctx, due.ID)
	if err != nil {
		t.Fatalf("get expired: %v", err)
	}
	if cur.Status != ConsentStatusExpired {
		t.Fatalf("due record status: want=%s got=%s", ConsentStatusExpired, cur.Status)
	}
	entry := h.auditEntry(t, "consent.expired")
	if entry.ActorID != "system:consent-expiry" {
		t.Fatalf("expiry audit actor: got=%s", entry.ActorID)
	}
	if got := h.notify.consentChanges[len(h.notify.consentChanges)-1]; got != "expired" {
		t.Fatalf("last notification: want=expired got=%s", got)
	}

	standing, granted, err := h.svc.ConsentStatus(ctx, "subject-161", "credit_scoring")
	if err != nil || standing == nil || !granted {
		t.Fatalf("standing grant after sweep: rec=%+v granted=%v err=%v", standing, granted, err)
	}

	if again, err := h.svc.ExpireDue(ctx, 0); err != nil || again != 0 {
		t.Fatalf("second sweep: expired=%d err=%v", again, err)
	}
}
