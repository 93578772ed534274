package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, reward *Reward) error
	Update(ctx context.Context, db *gorm.DB, reward *Reward) error
	Delete(ctx context.Context, db *gorm.DB, shopID string, id snowflake.ID) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, shopID string, id snowflake.ID) (*Reward, error)
	List(ctx context.Context, db *gorm.DB, shopID string, activeOnly bool) ([]*Reward, error)
}
