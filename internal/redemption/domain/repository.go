package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, redemption *Redemption) error
	FindByID(ctx context.Context, db *gorm.DB, shopID string, id snowflake.ID) (*Redemption, error)
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Redemption, error)
	Totals(ctx context.Context, db *gorm.DB, filter ListFilter) (Totals, error)
	// ListPendingDiscounts returns unexpired redemptions without an external
	// discount, oldest first. An empty shopID matches every shop.
	ListPendingDiscounts(ctx context.Context, db *gorm.DB, shopID string, now time.Time, limit int) ([]PendingDiscount, error)
	MarkDiscountCreated(ctx context.Context, db *gorm.DB, id snowflake.ID, externalID *string, now time.Time) error
}
