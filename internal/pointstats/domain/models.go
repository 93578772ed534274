package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

const DefaultRange = "30d"

// Bucket holds the points moved in [Start, Start+granularity). Debited is
// a positive number.
type Bucket struct {
	Start    time.Time `json:"start"`
	Label    string    `json:"name"`
	Credited int64     `json:"credited"`
	Debited  int64     `json:"debited"`
}

type SeriesRequest struct {
	ShopID string
	// Range is one of 1d, 7d, 14d or 30d. From and To override it.
	Range string
	From  *time.Time
	To    *time.Time
}

type Series struct {
	Range            string      `json:"range"`
	Granularity      Granularity `json:"granularity"`
	From             time.Time   `json:"from"`
	To               time.Time   `json:"to"`
	Buckets          []Bucket    `json:"data"`
	CreditedTotal    int64       `json:"credited_total"`
	DebitedTotal     int64       `json:"debited_total"`
	PreviousCredited int64       `json:"previous_credited"`
	Percentage       string      `json:"percentage"`
}

type TopCustomer struct {
	CustomerID snowflake.ID `json:"customer_id"`
	ExternalID string       `json:"external_id"`
	Email      string       `json:"email,omitempty"`
	Balance    int64        `json:"balance"`
}

type Summary struct {
	Customers      int64         `json:"customers"`
	LedgerEntries  int64         `json:"ledger_entries"`
	Redemptions    int64         `json:"redemptions"`
	PointsIssued   int64         `json:"points_issued"`
	PointsRedeemed int64         `json:"points_redeemed"`
	NetPoints      int64         `json:"net_points"`
	TopCustomers   []TopCustomer `json:"top_customers"`
}

type Service interface {
	Series(ctx context.Context, req SeriesRequest) (Series, error)
	Summary(ctx context.Context, shopID string) (Summary, error)
}

var (
	ErrInvalidShop  = errors.New("invalid_shop")
	ErrInvalidRange = errors.New("invalid_range")
)
