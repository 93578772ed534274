package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/discount"
)

// Reward is a redeemable catalog item of a shop.
type Reward struct {
	ID               snowflake.ID  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ShopID           string        `gorm:"column:shop_id;type:varchar(255);not null;index" json:"shop_id"`
	Name             string        `gorm:"type:varchar(255);not null" json:"name"`
	Description      string        `gorm:"type:text" json:"description,omitempty"`
	ImageURL         string        `gorm:"column:image_url;type:text" json:"image_url,omitempty"`
	PointsCost       int64         `gorm:"not null" json:"points_cost"`
	DiscountType     discount.Type `gorm:"type:varchar(32);not null" json:"discount_type"`
	DiscountValue    int64         `gorm:"not null;default:0" json:"discount_value"`
	MinimumCartValue *int64        `json:"minimum_cart_value,omitempty"`
	IsActive         bool          `gorm:"not null;default:true" json:"is_active"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (Reward) TableName() string { return "rewards" }

func (r Reward) Shape() discount.Shape {
	return discount.Shape{
		Title:            r.Name,
		Type:             r.DiscountType,
		Value:            r.DiscountValue,
		MinimumCartValue: r.MinimumCartValue,
	}
}
