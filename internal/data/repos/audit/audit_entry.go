package audit

import (
	"strings"
	"time"

	"gorm.io/gorm"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

// EntryQuery filters List and Count. Action accepts an exact name, a prefix
// wildcard such as "policy.*", or "*" for everything.
type EntryQuery struct {
	ActorID           string
	Action            string
	Category          string
	Result            string
	SessionID         string
	CulturalSensitive *bool
	From              *time.Time
	To                *time.Time
	Limit             int
	Offset            int
}

// PurgeResult summarizes one retention purge, including the seq range it
// removed so the purge itself can be audited.
type PurgeResult struct {
	Removed int64
	MinSeq  int64
	MaxSeq  int64
}

type EntryRepo interface {
	Append(dbc dbctx.Context, e *types.AuditEntry) (*types.AuditEntry, error)
	List(dbc dbctx.Context, q EntryQuery) ([]*types.AuditEntry, error)
	Count(dbc dbctx.Context, q EntryQuery) (int64, error)
	ListChain(dbc dbctx.Context, afterSeq int64, limit int) ([]*types.AuditEntry, error)
	Latest(dbc dbctx.Context) (*types.AuditEntry, error)
	PurgeExpired(dbc dbctx.Context, category string, before time.Time) (PurgeResult, error)
}

type entryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEntryRepo(db *gorm.DB, baseLog *logger.Logger) EntryRepo {
	return &entryRepo{
		db:  db,
		log: baseLog.With("repo", "AuditEntryRepo"),
	}
}

// Append assigns the next chain position and hash, then inserts. Writers are
// serialized with an advisory lock; FOR UPDATE on the newest row cannot cover
// the empty-table case.
func (r *entryRepo) Append(dbc dbctx.Context, e *types.AuditEntry) (*types.AuditEntry, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if e == nil {
		return nil, nil
	}
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Exec(`SELECT pg_advisory_xact_lock(hashtext('audit_entry_chain'));`).Error; err != nil {
			return err
		}
		var last types.AuditEntry
		if err := txx.Order("seq DESC").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		e.Seq = last.Seq + 1
		e.PrevHash = last.Hash
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
		}
		e.Hash = types.ComputeAuditHash(e)
		return txx.Create(e).Error
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *entryRepo) List(dbc dbctx.Context, q EntryQuery) ([]*types.AuditEntry, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	tx := applyEntryQuery(transaction.WithContext(dbc.Ctx).Model(&types.AuditEntry{}), q).
		Order("seq DESC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	var rows []*types.AuditEntry
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *entryRepo) Count(dbc dbctx.Context, q EntryQuery) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := applyEntryQuery(transaction.WithContext(dbc.Ctx).Model(&types.AuditEntry{}), q).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *entryRepo) ListChain(dbc dbctx.Context, afterSeq int64, limit int) ([]*types.AuditEntry, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("seq > ?", afterSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []*types.AuditEntry
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *entryRepo) Latest(dbc dbctx.Context) (*types.AuditEntry, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.AuditEntry
	err := transaction.WithContext(dbc.Ctx).
		Order("seq DESC").
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.Seq == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *entryRepo) PurgeExpired(dbc dbctx.Context, category string, before time.Time) (PurgeResult, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out PurgeResult
	if category == "" || before.IsZero() {
		return out, nil
	}
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var agg struct {
			N   int64
			Min int64
			Max int64
		}
		err := txx.Model(&types.AuditEntry{}).
			Select("COUNT(*) AS n, COALESCE(MIN(seq), 0) AS min, COALESCE(MAX(seq), 0) AS max").
			Where("category = ? AND created_at < ? AND cultural_sensitive = false", category, before).
			Scan(&agg).Error
		if err != nil {
			return err
		}
		if agg.N == 0 {
			return nil
		}
		res := txx.
			Where("category = ? AND created_at < ? AND cultural_sensitive = false", category, before).
			Delete(&types.AuditEntry{})
		if res.Error != nil {
			return res.Error
		}
		out = PurgeResult{Removed: res.RowsAffected, MinSeq: agg.Min, MaxSeq: agg.Max}
		return nil
	})
	if err != nil {
		return PurgeResult{}, err
	}
	return out, nil
}

func applyEntryQuery(tx *gorm.DB, q EntryQuery) *gorm.DB {
	if q.ActorID != "" {
		tx = tx.Where("actor_id = ?", q.ActorID)
	}
	if q.Action != "" && q.Action != "*" {
		if prefix, ok := strings.CutSuffix(q.Action, "*"); ok {
			tx = tx.Where("action LIKE ?", escapeLike(prefix)+"%")
		} else {
			tx = tx.Where("action = ?", q.Action)
		}
	}
	if q.Category != "" {
		tx = tx.Where("category = ?", q.Category)
	}
	if q.Result != "" {
		tx = tx.Where("result = ?", q.Result)
	}
	if q.SessionID != "" {
		tx = tx.Where("session_id = ?", q.SessionID)
	}
	if q.CulturalSensitive != nil {
		tx = tx.Where("cultural_sensitive = ?", *q.CulturalSensitive)
	}
	if q.From != nil {
		tx = tx.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		tx = tx.Where("created_at < ?", *q.To)
	}
	return tx
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
