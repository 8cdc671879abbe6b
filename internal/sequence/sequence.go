// Package sequence hands out human readable document numbers such as
// INV-2026-0001 from an atomic per-scope, per-year counter.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/pkg/db"
	"gorm.io/gorm"
)

type Scope string

const (
	ScopeInvoice      Scope = "invoice"
	ScopePayment      Scope = "payment"
	ScopeSubscription Scope = "subscription"
)

var prefixes = map[Scope]string{
	ScopeInvoice:      "INV",
	ScopePayment:      "PAY",
	ScopeSubscription: "SUB",
}

// Sequence is one counter row.
type Sequence struct {
	Scope     string    `gorm:"primaryKey;type:varchar(32)"`
	Year      int       `gorm:"primaryKey;autoIncrement:false"`
	LastValue int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Sequence) TableName() string { return "sequences" }

// Allocator issues the next number of a scope.
type Allocator interface {
	Next(ctx context.Context, scope Scope, year int) (int64, error)
	NextCode(ctx context.Context, scope Scope, at time.Time) (string, error)
}

type allocator struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewAllocator(conn *gorm.DB, clk clock.Clock) Allocator {
	return &allocator{db: conn, clock: clk}
}

// Next increments the counter in a single statement so concurrent callers
// never observe the same value. It joins the transaction carried by ctx.
func (a *allocator) Next(ctx context.Context, scope Scope, year int) (int64, error) {
	if _, ok := prefixes[scope]; !ok {
		return 0, fmt.Errorf("unknown sequence scope %q", scope)
	}

	var value int64
	err := db.Transaction(ctx, a.db, func(ctx context.Context) error {
		tx := db.Conn(ctx, a.db)
		now := a.clock.Now().UTC()

		if tx.Dialector.Name() == db.TypeMySQL {
			if err := tx.Exec(
				`INSERT INTO sequences (scope, year, last_value, updated_at)
				 VALUES (?, ?, LAST_INSERT_ID(1), ?)
				 ON DUPLICATE KEY UPDATE last_value = LAST_INSERT_ID(last_value + 1), updated_at = VALUES(updated_at)`,
				string(scope), year, now,
			).Error; err != nil {
				return err
			}
			return tx.Raw(`SELECT LAST_INSERT_ID()`).Scan(&value).Error
		}

		return tx.Raw(
			`INSERT INTO sequences (scope, year, last_value, updated_at)
			 VALUES (?, ?, 1, ?)
			 ON CONFLICT (scope, year) DO UPDATE
			 SET last_value = sequences.last_value + 1, updated_at = excluded.updated_at
			 RETURNING last_value`,
			string(scope), year, now,
		).Scan(&value).Error
	})
	if err != nil {
		return 0, fmt.Errorf("next %s sequence: %w", scope, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("next %s sequence: counter returned %d", scope, value)
	}
	return value, nil
}

func (a *allocator) NextCode(ctx context.Context, scope Scope, at time.Time) (string, error) {
	year := at.UTC().Year()
	value, err := a.Next(ctx, scope, year)
	if err != nil {
		return "", err
	}
	return Code(prefixes[scope], year, value), nil
}

// Code renders PREFIX-YYYY-NNNN.
func Code(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, year, seq)
}
