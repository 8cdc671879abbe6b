package db

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type txKey struct{}

// WithTx returns a context carrying tx. Repositories reached through Conn
// will run their statements on it.
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok && tx != nil
}

// Conn returns the transaction in ctx or fallback bound to ctx.
func Conn(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx.WithContext(ctx)
	}
	return fallback.WithContext(ctx)
}

// Transaction runs fn inside a transaction. When ctx already carries one, fn
// joins it and the outermost caller decides commit or rollback.
func Transaction(ctx context.Context, conn *gorm.DB, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	return conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(WithTx(ctx, tx))
	})
}

// ForUpdate adds a row lock to the next query. SQLite locks the whole
// database for writers and has no row locking syntax, so it is skipped there.
func ForUpdate(conn *gorm.DB) *gorm.DB {
	if conn.Dialector.Name() == TypeSQLite {
		return conn
	}
	return conn.Clauses(clause.Locking{Strength: "UPDATE"})
}
