package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
)

type RedeemRequest struct {
	ShopID             string
	CustomerExternalID string
	RewardID           snowflake.ID
	// CartTotal is informational; the issued code carries the minimum
	// purchase condition that checkout enforces.
	CartTotal *int64
}

type RedeemResult struct {
	Redemption          Redemption `json:"redemption"`
	DiscountCode        string     `json:"discount_code"`
	DiscountCreated     bool       `json:"discount_created"`
	NewBalance          int64      `json:"new_balance"`
	CustomerProvisioned bool       `json:"customer_provisioned"`
}

type DeleteResult struct {
	Redemption Redemption `json:"redemption"`
	Refunded   bool       `json:"refunded"`
	NewBalance int64      `json:"new_balance"`
}

type ListRequest struct {
	ShopID     string
	CustomerID snowflake.ID
	From       *time.Time
	To         *time.Time
	PageToken  string
	Limit      int
}

type ListFilter struct {
	ShopID     string
	CustomerID snowflake.ID
	From       *time.Time
	To         *time.Time
	BeforeID   snowflake.ID
	Limit      int
}

type ListResponse struct {
	pagination.PageInfo
	Redemptions []Redemption `json:"redemptions"`
	Totals      Totals       `json:"totals"`
}

const (
	ReconcileCreated       = "created"
	ReconcileAlreadyExists = "already_exists"
	ReconcileFailed        = "failed"
)

type ReconcileItem struct {
	RedemptionID snowflake.ID `json:"redemption_id"`
	ShopID       string       `json:"shop_id"`
	DiscountCode string       `json:"discount_code"`
	Status       string       `json:"status"`
	Error        string       `json:"error,omitempty"`
}

type ReconcileResult struct {
	Attempted int             `json:"attempted"`
	Created   int             `json:"created"`
	Failed    int             `json:"failed"`
	Items     []ReconcileItem `json:"items"`
}

// PendingDiscount is a redemption whose external code still has to be created.
type PendingDiscount struct {
	Redemption
	CustomerExternalID string `gorm:"column:customer_external_id"`
}

type Service interface {
	Redeem(ctx context.Context, req RedeemRequest) (RedeemResult, error)
	// DeleteRedemption removes a redemption. With refund the spent points are
	// credited back as a redemption_refund entry in the same transaction.
	DeleteRedemption(ctx context.Context, shopID string, id snowflake.ID, refund bool) (DeleteResult, error)
	Get(ctx context.Context, shopID string, id snowflake.ID) (Redemption, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	// ReconcileDiscounts retries external issuance for degraded redemptions.
	// An empty shopID covers every shop.
	ReconcileDiscounts(ctx context.Context, shopID string, limit int) (ReconcileResult, error)
}

var (
	ErrInvalidShop       = errors.New("invalid_shop")
	ErrInvalidCustomer   = errors.New("invalid_customer_external_id")
	ErrInvalidReward     = errors.New("invalid_reward_id")
	ErrInvalidID         = errors.New("invalid_redemption_id")
	ErrInvalidRange      = errors.New("invalid_range")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
	ErrRewardInactive    = errors.New("reward_inactive")
	ErrNotFound          = errors.New("redemption_not_found")
	ErrIssuerUnavailable = errors.New("discount_issuer_unavailable")

	ErrInsufficientPoints = errors.New("insufficient_points")
)

// InsufficientPointsError matches ErrInsufficientPoints and carries the
// amounts the caller needs to explain the rejection.
type InsufficientPointsError struct {
	Required int64
	Current  int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient_points: required %d, current %d", e.Required, e.Current)
}

func (e *InsufficientPointsError) Is(target error) bool {
	return target == ErrInsufficientPoints
}
