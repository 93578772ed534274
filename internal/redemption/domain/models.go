package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/discount"
)

// Redemption records points converted into a discount code. The reward's
// name and discount shape are copied at creation so history survives catalog
// edits and deletion.
type Redemption struct {
	ID                 snowflake.ID  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ShopID             string        `gorm:"column:shop_id;type:varchar(255);not null;index:ix_redemptions_shop_created,priority:1" json:"shop_id"`
	CustomerID         snowflake.ID  `gorm:"not null;index" json:"customer_id"`
	RewardID           *snowflake.ID `gorm:"index" json:"reward_id,omitempty"`
	RewardName         string        `gorm:"type:varchar(255);not null" json:"reward_name"`
	DiscountType       discount.Type `gorm:"type:varchar(32);not null" json:"discount_type"`
	DiscountValue      int64         `gorm:"not null;default:0" json:"discount_value"`
	MinimumCartValue   *int64        `json:"minimum_cart_value,omitempty"`
	PointsSpent        int64         `gorm:"not null" json:"points_spent"`
	DiscountCode       string        `gorm:"type:varchar(64);not null;uniqueIndex" json:"discount_code"`
	DiscountCreated    bool          `gorm:"not null;default:false;index" json:"discount_created"`
	ExternalDiscountID *string       `gorm:"type:varchar(255)" json:"external_discount_id,omitempty"`
	ExpiresAt          time.Time     `json:"expires_at"`
	CreatedAt          time.Time     `gorm:"index:ix_redemptions_shop_created,priority:2" json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

func (Redemption) TableName() string { return "redemptions" }

func (r Redemption) Shape() discount.Shape {
	return discount.Shape{
		Title:            r.RewardName,
		Type:             r.DiscountType,
		Value:            r.DiscountValue,
		MinimumCartValue: r.MinimumCartValue,
	}
}

type Totals struct {
	PointsSpent int64 `gorm:"column:points_total" json:"points_spent"`
	Count       int64 `gorm:"column:redemption_count" json:"count"`
}
