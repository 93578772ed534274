package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/discount"
)

type CreateRequest struct {
	ShopID           string
	Name             string
	Description      string
	ImageURL         string
	PointsCost       int64
	DiscountType     discount.Type
	DiscountValue    int64
	MinimumCartValue *int64
	IsActive         *bool
}

// UpdateRequest applies only the fields that are set.
type UpdateRequest struct {
	Name             *string
	Description      *string
	ImageURL         *string
	PointsCost       *int64
	DiscountType     *discount.Type
	DiscountValue    *int64
	MinimumCartValue *int64
	ClearMinimum     bool
	IsActive         *bool
}

type ListRequest struct {
	ShopID     string
	ActiveOnly bool
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (Reward, error)
	Update(ctx context.Context, shopID string, id snowflake.ID, req UpdateRequest) (Reward, error)
	Delete(ctx context.Context, shopID string, id snowflake.ID) error
	Get(ctx context.Context, shopID string, id snowflake.ID) (Reward, error)
	// ListActive returns redeemable rewards, cheapest first.
	ListActive(ctx context.Context, shopID string) ([]Reward, error)
	List(ctx context.Context, req ListRequest) ([]Reward, error)
}

var (
	ErrInvalidShop          = errors.New("invalid_shop")
	ErrInvalidID            = errors.New("invalid_reward_id")
	ErrInvalidName          = errors.New("invalid_name")
	ErrInvalidPointsCost    = errors.New("invalid_points_cost")
	ErrInvalidDiscountType  = discount.ErrInvalidType
	ErrInvalidDiscountValue = discount.ErrInvalidValue
	ErrNotFound             = errors.New("reward_not_found")
)
