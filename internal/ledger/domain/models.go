package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Reason categorises a point movement.
type Reason string

const (
	ReasonPurchase         Reason = "purchase"
	ReasonSignupBonus      Reason = "signup_bonus"
	ReasonBirthdayBonus    Reason = "birthday_bonus"
	ReasonReferralBonus    Reason = "referral_bonus"
	ReasonRedemption       Reason = "redemption"
	ReasonRedemptionRefund Reason = "redemption_refund"
	ReasonManualAdjustment Reason = "manual_adjustment"
	ReasonExpiration       Reason = "expiration"
)

var reasons = map[Reason]struct{}{
	ReasonPurchase:         {},
	ReasonSignupBonus:      {},
	ReasonBirthdayBonus:    {},
	ReasonReferralBonus:    {},
	ReasonRedemption:       {},
	ReasonRedemptionRefund: {},
	ReasonManualAdjustment: {},
	ReasonExpiration:       {},
}

func (r Reason) Valid() bool {
	_, ok := reasons[r]
	return ok
}

// LedgerEntry is an immutable point movement. Amount is positive for
// credits and negative for debits.
type LedgerEntry struct {
	ID              snowflake.ID      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ShopID          string            `gorm:"column:shop_id;type:varchar(255);not null;index:ix_ledger_shop_created,priority:1" json:"shop_id"`
	CustomerID      snowflake.ID      `gorm:"not null;index:ix_ledger_customer_created,priority:1;uniqueIndex:ux_ledger_idempotency,priority:1" json:"customer_id"`
	Amount          int64             `gorm:"not null" json:"amount"`
	Reason          Reason            `gorm:"type:varchar(64);not null;uniqueIndex:ux_ledger_idempotency,priority:2" json:"reason"`
	ExternalID      *string           `gorm:"type:varchar(255);uniqueIndex:ux_ledger_idempotency,priority:3" json:"external_id,omitempty"`
	ExternalOrderID *string           `gorm:"type:varchar(255)" json:"external_order_id,omitempty"`
	Metadata        datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt       time.Time         `gorm:"not null;index:ix_ledger_shop_created,priority:2;index:ix_ledger_customer_created,priority:2" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Totals aggregates the entries matched by a filter.
type Totals struct {
	Sum   int64 `gorm:"column:total_amount" json:"sum"`
	Count int64 `gorm:"column:entry_count" json:"count"`
}

// AmountPoint is the projection used by time-bucketed statistics.
type AmountPoint struct {
	CreatedAt time.Time
	Amount    int64
}

// Aggregate splits the movements of a window into credits and debits.
// Debited is reported as a positive number.
type Aggregate struct {
	Credited int64 `gorm:"column:credited"`
	Debited  int64 `gorm:"column:debited"`
	Count    int64 `gorm:"column:entry_count"`
}
