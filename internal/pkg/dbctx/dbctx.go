package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// New wraps a bare context with no transaction attached.
func New(ctx context.Context) Context {
	return Context{Ctx: ctx}
}

// DB picks the transaction when one is attached, the fallback handle
// otherwise.
func (c Context) DB(fallback *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx
	}
	return fallback
}
