package services

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/observability"
	"github.com/telopea-platform/compliance-backend/internal/platform/ctxutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

const (
	AuditResultSuccess = "success"
	AuditResultFailure = "failure"
	AuditResultDenied  = "denied"

	AuditCategoryGeneral  = "general"
	AuditCategoryAuth     = "auth"
	AuditCategoryPolicy   = "policy"
	AuditCategoryRollback = "rollback"
	AuditCategoryConsent  = "consent"
)

const auditRetentionEnv = "AUDIT_RETENTION_YAML"

//go:embed audit_retention.yaml
var auditRetentionFS embed.FS

// fallback schedule used when YAML is missing or invalid
var fallbackRetentionRules = []retentionRule{
	{Category: AuditCategoryGeneral, Days: 2555},
	{Category: AuditCategoryPolicy, Days: 2555},
	{Category: AuditCategoryRollback, Days: 2555},
	{Category: AuditCategoryConsent, Days: 3650},
	{Category: AuditCategoryAuth, Days: 400},
}

type retentionRule struct {
	Category string `yaml:"category"`
	Days     int    `yaml:"days"`
}

type yamlRetentionSpec struct {
	Version     int             `yaml:"version"`
	DefaultDays int             `yaml:"default_days"`
	Categories  []retentionRule `yaml:"categories"`
}

var retentionOnce sync.Once
var retentionCache []retentionRule
var retentionErr error

func currentRetentionRules(log *logger.Logger) []retentionRule {
	retentionOnce.Do(func() {
		retentionCache, retentionErr = loadRetentionRules()
	})
	if retentionErr != nil {
		if log != nil {
			log.Warn("audit: retention spec load failed; using fallback", "error", retentionErr)
		}
		return fallbackRetentionRules
	}
	return retentionCache
}

func loadRetentionRules() ([]retentionRule, error) {
	data, err := readRetentionSpec()
	if err != nil {
		return nil, err
	}

	var spec yamlRetentionSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	if err := validateRetentionSpec(&spec); err != nil {
		return nil, err
	}

	rules := make([]retentionRule, 0, len(spec.Categories))
	for _, rule := range spec.Categories {
		rule.Category = strings.TrimSpace(rule.Category)
		if rule.Days <= 0 {
			rule.Days = spec.DefaultDays
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func readRetentionSpec() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(auditRetentionEnv)); path != "" {
		return os.ReadFile(path)
	}
	return auditRetentionFS.ReadFile("audit_retention.yaml")
}

func validateRetentionSpec(spec *yamlRetentionSpec) error {
	if spec == nil {
		return errors.New("missing spec")
	}
	if spec.DefaultDays <= 0 {
		return errors.New("default_days must be positive")
	}
	if len(spec.Categories) == 0 {
		return errors.New("no categories defined")
	}
	seen := map[string]bool{}
	for _, rule := range spec.Categories {
		name := strings.TrimSpace(rule.Category)
		if name == "" {
			return errors.New("category name is required")
		}
		if seen[name] {
			return fmt.Errorf("duplicate category: %s", name)
		}
		seen[name] = true
		if rule.Days < 0 {
			return fmt.Errorf("category %s: negative days", name)
		}
	}
	return nil
}

// CategoryPurge summarizes one category's retention sweep.
type CategoryPurge struct {
	Category string `json:"category"`
	Days     int    `json:"days"`
	Removed  int64  `json:"removed"`
	MinSeq   int64  `json:"min_seq,omitempty"`
	MaxSeq   int64  `json:"max_seq,omitempty"`
}

// AuditService fronts the hash-chained audit log. Record is strict and
// returns the append error for writes that are part of a compliance
// contract; Event is the fire-and-forget variant for request handlers.
type AuditService interface {
	Record(ctx context.Context, entry *types.AuditEntry) error
	Event(ctx context.Context, action, target, category string, details map[string]any, result string)
	Query(ctx context.Context, q repos.AuditEntryQuery) ([]*types.AuditEntry, int64, error)
	VerifyChain(ctx context.Context) (*types.ChainVerification, error)
	PurgeExpired(ctx context.Context) ([]CategoryPurge, error)
}

type auditService struct {
	db      *gorm.DB
	log     *logger.Logger
	entries repos.AuditEntryRepo
}

func NewAuditService(db *gorm.DB, baseLog *logger.Logger, entries repos.AuditEntryRepo) AuditService {
	return &auditService{
		db:      db,
		log:     baseLog.With("service", "AuditService"),
		entries: entries,
	}
}

func (s *auditService) Record(ctx context.Context, entry *types.AuditEntry) error {
	if s == nil || s.entries == nil {
		return fmt.Errorf("audit service not initialized")
	}
	if entry == nil || strings.TrimSpace(entry.Action) == "" {
		return fmt.Errorf("missing audit action")
	}
	fillFromContext(ctx, entry)
	if entry.Result == "" {
		entry.Result = AuditResultSuccess
	}
	if entry.Category == "" {
		entry.Category = AuditCategoryGeneral
	}
	_, err := s.entries.Append(dbctx.Context{Ctx: ctx}, entry)
	if metrics := observability.Current(); metrics != nil {
		metrics.IncAuditWrite(err == nil)
	}
	return err
}

func (s *auditService) Event(ctx context.Context, action, target, category string, details map[string]any, result string) {
	if s == nil {
		return
	}
	entry := &types.AuditEntry{
		Action:   action,
		Target:   target,
		Category: category,
		Result:   result,
	}
	if len(details) > 0 {
		if err := entry.SetDetails(details); err != nil {
			s.log.Warn("audit event details encode failed", "action", action, "error", err)
		}
	}
	if err := s.Record(ctx, entry); err != nil {
		s.log.Warn("audit event append failed", "action", action, "target", target, "error", err)
	}
}

func fillFromContext(ctx context.Context, entry *types.AuditEntry) {
	if rd := ctxutil.GetRequestData(ctx); rd != nil {
		if entry.ActorID == "" && rd.ActorID != uuid.Nil {
			entry.ActorID = rd.ActorID.String()
		}
		if entry.SessionID == "" && rd.SessionID != uuid.Nil {
			entry.SessionID = rd.SessionID.String()
		}
	}
	if td := ctxutil.GetTraceData(ctx); td != nil && entry.RequestID == "" {
		entry.RequestID = td.RequestID
	}
	if entry.ActorID == "" {
		entry.ActorID = "system"
	}
}

func (s *auditService) Query(ctx context.Context, q repos.AuditEntryQuery) ([]*types.AuditEntry, int64, error) {
	if s == nil || s.entries == nil {
		return nil, 0, fmt.Errorf("audit service not initialized")
	}
	dbc := dbctx.Context{Ctx: ctx}
	rows, err := s.entries.List(dbc, q)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.entries.Count(dbc, q)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// VerifyChain re-hashes every surviving entry and checks the prev_hash
// linkage between adjacent sequence numbers. Sequence gaps are reported but
// do not invalidate the chain on their own: retention purges leave gaps, and
// each purge writes its removed range into the log for reconciliation.
func (s *auditService) VerifyChain(ctx context.Context) (*types.ChainVerification, error) {
	if s == nil || s.entries == nil {
		return nil, fmt.Errorf("audit service not initialized")
	}
	const batch = 500
	dbc := dbctx.Context{Ctx: ctx}
	out := &types.ChainVerification{Valid: true}
	var prev *types.AuditEntry
	var after int64
	for {
		rows, err := s.entries.ListChain(dbc, after, batch)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			out.Entries++
			if types.ComputeAuditHash(row) != row.Hash {
				out.Valid = false
				out.Gaps = append(out.Gaps, types.ChainGap{Seq: row.Seq, Reason: "hash mismatch"})
			}
			switch {
			case prev == nil:
				if row.Seq != 1 {
					out.Gaps = append(out.Gaps, types.ChainGap{Seq: row.Seq, Reason: fmt.Sprintf("chain starts at seq %d", row.Seq)})
				}
			case row.Seq == prev.Seq+1:
				if row.PrevHash != prev.Hash {
					out.Valid = false
					out.Gaps = append(out.Gaps, types.ChainGap{Seq: row.Seq, Reason: "prev_hash mismatch"})
				}
			default:
				// Linkage across a gap cannot be checked; the predecessor
				// this row chained to was purged.
				out.Gaps = append(out.Gaps, types.ChainGap{Seq: row.Seq, Reason: fmt.Sprintf("missing seq %d-%d", prev.Seq+1, row.Seq-1)})
			}
			prev = row
		}
		if len(rows) < batch {
			break
		}
		after = rows[len(rows)-1].Seq
	}
	out.VerifiedAt = time.Now().UTC()
	if metrics := observability.Current(); metrics != nil {
		metrics.IncChainVerification(out.Valid)
	}
	if !out.Valid {
		observability.ReportChainBreak(ctx, s.log, out, map[string]any{"entries": out.Entries})
	}
	return out, nil
}

// PurgeExpired applies the retention schedule category by category. Every
// sweep that removes rows is itself recorded in the chain with the removed
// sequence range.
func (s *auditService) PurgeExpired(ctx context.Context) ([]CategoryPurge, error) {
	if s == nil || s.entries == nil {
		return nil, fmt.Errorf("audit service not initialized")
	}
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now().UTC()
	out := []CategoryPurge{}
	for _, rule := range currentRetentionRules(s.log) {
		cutoff := now.AddDate(0, 0, -rule.Days)
		res, err := s.entries.PurgeExpired(dbc, rule.Category, cutoff)
		if err != nil {
			return out, fmt.Errorf("purge category %s: %w", rule.Category, err)
		}
		summary := CategoryPurge{
			Category: rule.Category,
			Days:     rule.Days,
			Removed:  res.Removed,
			MinSeq:   res.MinSeq,
			MaxSeq:   res.MaxSeq,
		}
		out = append(out, summary)
		if res.Removed == 0 {
			continue
		}
		entry := &types.AuditEntry{
			ActorID:  "system:retention",
			Action:   "audit.retention.purge",
			Target:   rule.Category,
			Category: AuditCategoryGeneral,
			Result:   AuditResultSuccess,
		}
		if err := entry.SetDetails(map[string]any{
			"category": rule.Category,
			"days":     rule.Days,
			"removed":  res.Removed,
			"min_seq":  res.MinSeq,
			"max_seq":  res.MaxSeq,
			"cutoff":   cutoff.Format(time.RFC3339),
		}); err != nil {
			s.log.Warn("purge details encode failed", "category", rule.Category, "error", err)
		}
		if _, err := s.entries.Append(dbc, entry); err != nil {
			return out, fmt.Errorf("record purge of category %s: %w", rule.Category, err)
		}
		s.log.Info("audit retention purge",
			"category", rule.Category,
			"removed", res.Removed,
			"min_seq", res.MinSeq,
			"max_seq", res.MaxSeq)
	}
	return out, nil
}
