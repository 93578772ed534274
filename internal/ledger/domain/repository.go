package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *LedgerEntry) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*LedgerEntry, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, customerID snowflake.ID, reason Reason, externalID string) (*LedgerEntry, error)
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*LedgerEntry, error)
	Totals(ctx context.Context, db *gorm.DB, filter ListFilter) (Totals, error)

	// SumByCustomer is the authoritative balance of a customer.
	SumByCustomer(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (int64, error)
	// Amounts returns entries of a shop created in [from, to).
	Amounts(ctx context.Context, db *gorm.DB, shopID string, from, to time.Time) ([]AmountPoint, error)
	// Aggregate sums a shop's entries in [from, to). Zero bounds are open.
	Aggregate(ctx context.Context, db *gorm.DB, shopID string, from, to time.Time) (Aggregate, error)
}
