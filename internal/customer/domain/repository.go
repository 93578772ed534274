package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the customer balance store. Every method takes the handle to
// run on so callers can pass a transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, customer *Customer) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Customer, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, shopID, externalID string) (*Customer, error)
	UpdateProfile(ctx context.Context, db *gorm.DB, customer *Customer) error
	List(ctx context.Context, db *gorm.DB, shopID string, filter ListCustomerFilter) ([]*Customer, error)
	ListIDs(ctx context.Context, db *gorm.DB, shopID string, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
	DeleteCascade(ctx context.Context, db *gorm.DB, id snowflake.ID) error

	// AddToBalance adds delta to the stored balance and reports whether the row exists.
	AddToBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64, now time.Time) (bool, error)
	// DebitIfSufficient subtracts amount only when the committed balance covers it.
	DebitIfSufficient(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error)
	// FindByIDForUpdate reads the customer and holds its row lock until db's
	// transaction ends. Balance writers queue behind the lock.
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Customer, error)
	// ResetBalanceToLedger sets the stored balance to the ledger sum in one
	// statement and returns the new balance.
	ResetBalanceToLedger(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)
	// TopByBalance returns the customers of a shop with the highest balances.
	TopByBalance(ctx context.Context, db *gorm.DB, shopID string, limit int) ([]*Customer, error)
	Count(ctx context.Context, db *gorm.DB, shopID string) (int64, error)
	Balance(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)
}
