package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/platform/rediscache"
)

const (
	PolicyStatusDraft          = "draft"
	PolicyStatusReview         = "review"
	PolicyStatusApproved       = "approved"
	PolicyStatusActive         = "active"
	PolicyStatusDeprecated     = "deprecated"
	PolicyStatusArchived       = "archived"
	PolicyStatusRollbackTarget = "rollback_target"
)

const initialPolicyVersion = "1.0.0"

// PolicyService is the read side of the policy store. All writes go through
// AtomicPolicySetService so single edits and multi-policy sets follow the
// same path.
type PolicyService interface {
	GetLatest(ctx context.Context, policyID string) (*types.PolicyVersion, error)
	GetVersion(ctx context.Context, policyID string, version string) (*types.PolicyVersion, error)
	History(ctx context.Context, policyID string, limit int) ([]*types.PolicyVersion, error)
	ListPolicies(ctx context.Context) ([]*types.PolicyVersion, error)
}

type policyService struct {
	db       *gorm.DB
	log      *logger.Logger
	versions repos.PolicyVersionRepo
	cache    rediscache.PolicyCache
}

func NewPolicyService(db *gorm.DB, baseLog *logger.Logger, versions repos.PolicyVersionRepo, cache rediscache.PolicyCache) PolicyService {
	return &policyService{
		db:       db,
		log:      baseLog.With("service", "PolicyService"),
		versions: versions,
		cache:    cache,
	}
}

func (s *policyService) GetLatest(ctx context.Context, policyID string) (*types.PolicyVersion, error) {
	policyID = strings.TrimSpace(policyID)
	if policyID == "" {
		return nil, fmt.Errorf("missing policy_id")
	}
	if s.cache != nil {
		if row, ok := s.cache.GetLatest(ctx, policyID); ok {
			return row, nil
		}
	}
	row, err := s.versions.GetLatest(dbctx.Context{Ctx: ctx}, policyID)
	if err != nil {
		return nil, err
	}
	if row != nil && s.cache != nil {
		s.cache.SetLatest(ctx, row)
	}
	return row, nil
}

func (s *policyService) GetVersion(ctx context.Context, policyID string, version string) (*types.PolicyVersion, error) {
	if strings.TrimSpace(policyID) == "" || strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("missing policy_id or version")
	}
	return s.versions.GetByPolicyVersion(dbctx.Context{Ctx: ctx}, policyID, version)
}

func (s *policyService) History(ctx context.Context, policyID string, limit int) ([]*types.PolicyVersion, error) {
	if strings.TrimSpace(policyID) == "" {
		return nil, fmt.Errorf("missing policy_id")
	}
	return s.versions.ListVersions(dbctx.Context{Ctx: ctx}, policyID, limit)
}

func (s *policyService) ListPolicies(ctx context.Context) ([]*types.PolicyVersion, error) {
	dbc := dbctx.Context{Ctx: ctx}
	ids, err := s.versions.ListPolicyIDs(dbc)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	latest, err := s.versions.GetLatestBatch(dbc, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*types.PolicyVersion, 0, len(ids))
	for _, id := range ids {
		if row := latest[id]; row != nil {
			out = append(out, row)
		}
	}
	return out, nil
}

// nextPatchVersion bumps the patch component; major and minor bumps are an
// authoring decision, never automatic.
func nextPatchVersion(v string) (string, error) {
	parts := strings.Split(strings.TrimSpace(v), ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed version %q", v)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", fmt.Errorf("malformed version %q", v)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", fmt.Errorf("malformed version %q", v)
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", fmt.Errorf("malformed version %q", v)
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1), nil
}

// contentHash fingerprints a policy document. The bytes are canonicalized
// first so a hash computed at write time still matches one recomputed from a
// jsonb round trip.
func contentHash(raw []byte) string {
	sum := sha256.Sum256(canonicalJSON(raw))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// mergeContent applies patch onto base one key deep; patch keys replace base
// keys wholesale, including explicit nulls.
func mergeContent(base, patch []byte) ([]byte, error) {
	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("malformed base content: %w", err)
		}
	}
	var p map[string]json.RawMessage
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, fmt.Errorf("malformed content patch: %w", err)
	}
	for k, v := range p {
		merged[k] = v
	}
	return json.Marshal(merged)
}
