package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

const (
	ConsentStatusPending = "pending"
	ConsentStatusGranted = "granted"
	ConsentStatusRevoked = "revoked"
	ConsentStatusExpired = "expired"
)

// Statuses a consent record never leaves.
var terminalConsentStatuses = []string{ConsentStatusRevoked, ConsentStatusExpired}

type RequestConsentInput struct {
	SubjectID         string         `json:"subject_id"`
	Purpose           string         `json:"purpose"`
	Scope             map[string]any `json:"scope,omitempty"`
	CulturalSensitive bool           `json:"cultural_sensitive"`
	CommunityID       string         `json:"community_id,omitempty"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`

	// Grant immediately instead of leaving the record pending. Culturally
	// sensitive consent still needs CulturalAuthority for this path.
	Grant             bool   `json:"grant,omitempty"`
	CulturalAuthority string `json:"cultural_authority,omitempty"`
	Actor             string `json:"-"`
}

type GrantConsentInput struct {
	CulturalAuthority string     `json:"cultural_authority,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Actor             string     `json:"-"`
}

// ConsentService owns the consent lifecycle: request (pending), grant,
// revoke, and the expiry sweep. Culturally sensitive consent follows
// community protocol: the community must be named when the record is
// created, and a cultural authority must sign off before it can be granted.
type ConsentService interface {
	RequestConsent(ctx context.Context, in RequestConsentInput) (*types.ConsentRecord, error)
	GrantConsent(ctx context.Context, id uuid.UUID, in GrantConsentInput) (*types.ConsentRecord, error)
	RevokeConsent(ctx context.Context, id uuid.UUID, reason string, actor string) (*types.ConsentRecord, error)
	GetConsent(ctx context.Context, id uuid.UUID) (*types.ConsentRecord, error)
	ConsentStatus(ctx context.Context, subjectID string, purpose string) (*types.ConsentRecord, bool, error)
	ListConsents(ctx context.Context, subjectID string, limit int) ([]*types.ConsentRecord, error)
	ExpireDue(ctx context.Context, batch int) (int, error)
}

type consentService struct {
	db       *gorm.DB
	log      *logger.Logger
	txr      TxRunner
	records  repos.ConsentRecordRepo
	auditLog repos.AuditEntryRepo
	notify   ComplianceNotifier
}

func NewConsentService(
	db *gorm.DB,
	baseLog *logger.Logger,
	txr TxRunner,
	records repos.ConsentRecordRepo,
	auditLog repos.AuditEntryRepo,
	notify ComplianceNotifier,
) ConsentService {
	return &consentService{
		db:       db,
		log:      baseLog.With("service", "ConsentService"),
		txr:      txr,
		records:  records,
		auditLog: auditLog,
		notify:   notify,
	}
}

func (s *consentService) RequestConsent(ctx context.Context, in RequestConsentInput) (*types.ConsentRecord, error) {
	subjectID := strings.TrimSpace(in.SubjectID)
	purpose := strings.TrimSpace(in.Purpose)
	if subjectID == "" || purpose == "" {
		return nil, fmt.Errorf("subject_id and purpose are required")
	}
	if in.CulturalSensitive && strings.TrimSpace(in.CommunityID) == "" {
		return nil, fmt.Errorf("culturally sensitive consent requires a community_id")
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("expires_at must be in the future")
	}

	dbc := dbctx.Context{Ctx: ctx}
	if live, err := s.records.GetLive(dbc, subjectID, purpose); err != nil {
		return nil, err
	} else if live != nil {
		return nil, fmt.Errorf("subject %s already has a live consent for %s (status %s)", subjectID, purpose, live.Status)
	}

	actor := actorFrom(ctx, in.Actor)
	rec := &types.ConsentRecord{
		SubjectID:         subjectID,
		Purpose:           purpose,
		Status:            ConsentStatusPending,
		CulturalSensitive: in.CulturalSensitive,
		CommunityID:       strings.TrimSpace(in.CommunityID),
		ExpiresAt:         in.ExpiresAt,
	}
	if err := rec.SetScope(in.Scope); err != nil {
		return nil, fmt.Errorf("encode scope: %w", err)
	}
	if err := rec.SetMetadata(in.Metadata); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	err := s.txr.InTx(ctx, func(dbc dbctx.Context) error {
		if _, err := s.records.Create(dbc, rec); err != nil {
			return err
		}
		return s.appendConsentAudit(dbc, rec, actor, "consent.requested", AuditResultSuccess, map[string]any{
			"subject_id": subjectID,
			"purpose":    purpose,
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("consent requested", "consent_id", rec.ID, "subject_id", subjectID, "purpose", purpose, "cultural_sensitive", rec.CulturalSensitive)

	if in.Grant {
		return s.GrantConsent(ctx, rec.ID, GrantConsentInput{
			CulturalAuthority: in.CulturalAuthority,
			Actor:             in.Actor,
		})
	}
	s.notifyConsent(rec, "requested")
	return rec, nil
}

func (s *consentService) GrantConsent(ctx context.Context, id uuid.UUID, in GrantConsentInput) (*types.ConsentRecord, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing consent id")
	}
	dbc := dbctx.Context{Ctx: ctx}
	rec, err := s.records.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("consent record not found")
	}
	if rec.Status == ConsentStatusGranted {
		return rec, nil
	}
	if rec.Status != ConsentStatusPending {
		return nil, fmt.Errorf("consent %s cannot be granted in status %s", id, rec.Status)
	}

	authority := strings.TrimSpace(in.CulturalAuthority)
	if rec.CulturalSensitive && (authority == "" || rec.CommunityID == "") {
		return nil, fmt.Errorf("culturally sensitive consent %s requires a cultural authority and community before grant", id)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("expires_at must be in the future")
	}

	actor := actorFrom(ctx, in.Actor)
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":     ConsentStatusGranted,
		"granted_by": actor,
		"granted_at": now,
	}
	if authority != "" {
		updates["cultural_authority"] = authority
	}
	if in.ExpiresAt != nil {
		updates["expires_at"] = *in.ExpiresAt
	}

	committed := false
	err = s.txr.InTx(ctx, func(dbc dbctx.Context) error {
		ok, err := s.records.UpdateFieldsUnlessStatus(dbc, id, append([]string{ConsentStatusGranted}, terminalConsentStatuses...), updates)
		if err != nil {
			return err
		}
		committed = ok
		if !ok {
			return nil
		}
		details := map[string]any{
			"subject_id": rec.SubjectID,
			"purpose":    rec.Purpose,
		}
		if authority != "" {
			details["cultural_authority"] = authority
		}
		return s.appendConsentAudit(dbc, rec, actor, "consent.granted", AuditResultSuccess, details)
	})
	if err != nil {
		return nil, err
	}
	if !committed {
		if cur, rerr := s.records.GetByID(dbc, id); rerr == nil && cur != nil {
			return nil, fmt.Errorf("consent %s cannot be granted in status %s", id, cur.Status)
		}
		return nil, fmt.Errorf("consent %s cannot be granted", id)
	}

	rec.Status = ConsentStatusGranted
	rec.GrantedBy = actor
	rec.GrantedAt = &now
	if authority != "" {
		rec.CulturalAuthority = authority
	}
	if in.ExpiresAt != nil {
		rec.ExpiresAt = in.ExpiresAt
	}
	rec.UpdatedAt = now
	s.log.Info("consent granted", "consent_id", rec.ID, "subject_id", rec.SubjectID, "purpose", rec.Purpose, "granted_by", actor)
	s.notifyConsent(rec, "granted")
	return rec, nil
}

// RevokeConsent withdraws a pending request or revokes a standing grant.
// Reason is part of the compliance record and is required.
func (s *consentService) RevokeConsent(ctx context.Context, id uuid.UUID, reason string, actor string) (*types.ConsentRecord, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing consent id")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("revoke reason is required")
	}
	dbc := dbctx.Context{Ctx: ctx}
	rec, err := s.records.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("consent record not found")
	}

	who := actorFrom(ctx, actor)
	now := time.Now().UTC()
	committed := false
	err = s.txr.InTx(ctx, func(dbc dbctx.Context) error {
		ok, err := s.records.UpdateFieldsUnlessStatus(dbc, id, terminalConsentStatuses, map[string]interface{}{
			"status":        ConsentStatusRevoked,
			"revoked_at":    now,
			"revoke_reason": reason,
		})
		if err != nil {
			return err
		}
		committed = ok
		if !ok {
			return nil
		}
		return s.appendConsentAudit(dbc, rec, who, "consent.revoked", AuditResultSuccess, map[string]any{
			"subject_id": rec.SubjectID,
			"purpose":    rec.Purpose,
			"reason":     reason,
		})
	})
	if err != nil {
		return nil, err
	}
	if !committed {
		if cur, rerr := s.records.GetByID(dbc, id); rerr == nil && cur != nil {
			return nil, fmt.Errorf("consent %s cannot be revoked in status %s", id, cur.Status)
		}
		return nil, fmt.Errorf("consent %s cannot be revoked", id)
	}

	rec.Status = ConsentStatusRevoked
	rec.RevokedAt = &now
	rec.RevokeReason = reason
	rec.UpdatedAt = now
	s.log.Info("consent revoked", "consent_id", rec.ID, "subject_id", rec.SubjectID, "purpose", rec.Purpose, "reason", reason)
	s.notifyConsent(rec, "revoked")
	return rec, nil
}

func (s *consentService) GetConsent(ctx context.Context, id uuid.UUID) (*types.ConsentRecord, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing consent id")
	}
	rec, err := s.records.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("consent record not found")
	}
	return rec, nil
}

// ConsentStatus reports the live record for a subject and purpose, and
// whether it currently authorizes processing. A grant past its expiry stops
// authorizing immediately; the sweep marking it expired only catches the
// stored status up.
func (s *consentService) ConsentStatus(ctx context.Context, subjectID string, purpose string) (*types.ConsentRecord, bool, error) {
	subjectID = strings.TrimSpace(subjectID)
	purpose = strings.TrimSpace(purpose)
	if subjectID == "" || purpose == "" {
		return nil, false, fmt.Errorf("subject_id and purpose are required")
	}
	rec, err := s.records.GetLive(dbctx.Context{Ctx: ctx}, subjectID, purpose)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	granted := rec.Status == ConsentStatusGranted &&
		(rec.ExpiresAt == nil || rec.ExpiresAt.After(time.Now()))
	return rec, granted, nil
}

func (s *consentService) ListConsents(ctx context.Context, subjectID string, limit int) ([]*types.ConsentRecord, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, fmt.Errorf("subject_id is required")
	}
	return s.records.ListBySubject(dbctx.Context{Ctx: ctx}, subjectID, limit)
}

// ExpireDue flips grants past their expiry to expired, one transaction per
// record so a single bad row does not stall the sweep. Returns how many
// records it expired.
func (s *consentService) ExpireDue(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 200
	}
	due, err := s.records.ListExpiring(dbctx.Context{Ctx: ctx}, time.Now().UTC(), batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, rec := range due {
		if rec == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		rec := rec
		now := time.Now().UTC()
		committed := false
		err := s.txr.InTx(ctx, func(dbc dbctx.Context) error {
			ok, err := s.records.UpdateFieldsUnlessStatus(dbc, rec.ID, terminalConsentStatuses, map[string]interface{}{
				"status": ConsentStatusExpired,
			})
			if err != nil {
				return err
			}
			committed = ok
			if !ok {
				return nil
			}
			return s.appendConsentAudit(dbc, rec, "system:consent-expiry", "consent.expired", AuditResultSuccess, map[string]any{
				"subject_id": rec.SubjectID,
				"purpose":    rec.Purpose,
				"expired_at": rec.ExpiresAt.Format(time.RFC3339),
			})
		})
		if err != nil {
			s.log.Warn("consent expiry failed", "consent_id", rec.ID, "error", err)
			continue
		}
		if !committed {
			continue
		}
		expired++
		rec.Status = ConsentStatusExpired
		rec.UpdatedAt = now
		s.notifyConsent(rec, "expired")
	}
	if expired > 0 {
		s.log.Info("consent expiry sweep", "expired", expired, "scanned", len(due))
	}
	return expired, nil
}

func (s *consentService) appendConsentAudit(dbc dbctx.Context, rec *types.ConsentRecord, actor, action, result string, details map[string]any) error {
	entry := &types.AuditEntry{
		ActorID:           actor,
		Action:            action,
		Target:            rec.ID.String(),
		Category:          AuditCategoryConsent,
		Result:            result,
		CulturalSensitive: rec.CulturalSensitive,
	}
	if err := entry.SetDetails(details); err != nil {
		return err
	}
	_, err := s.auditLog.Append(dbc, entry)
	return err
}

func (s *consentService) notifyConsent(rec *types.ConsentRecord, change string) {
	if s.notify == nil {
		return
	}
	s.notify.ConsentChanged(rec, change)
}
