package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
)

// TxRunner runs a function inside one database transaction and hands it the
// dbctx repos expect. Services that need multi-repo atomicity take one of
// these instead of opening transactions ad hoc.
type TxRunner interface {
	InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error
}

type gormTxRunner struct {
	db *gorm.DB
}

func NewTxRunner(db *gorm.DB) TxRunner {
	return &gormTxRunner{db: db}
}

func (r *gormTxRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: ctx, Tx: tx})
	})
}
