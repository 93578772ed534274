package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// VerifyResult compares the cached balance with the ledger sum.
type VerifyResult struct {
	CustomerID        snowflake.ID `json:"customer_id"`
	ShopID            string       `json:"shop_id"`
	Verified          bool         `json:"verified"`
	StoredBalance     int64        `json:"stored_balance"`
	CalculatedBalance int64        `json:"calculated_balance"`
	Corrected         bool         `json:"corrected"`
}

type Discrepancy struct {
	CustomerID snowflake.ID `json:"customer_id"`
	ShopID     string       `json:"shop_id"`
	Stored     int64        `json:"stored"`
	Calculated int64        `json:"calculated"`
	Difference int64        `json:"difference"`
}

type ItemError struct {
	CustomerID snowflake.ID `json:"customer_id"`
	Error      string       `json:"error"`
}

type VerifyAllResult struct {
	Total         int           `json:"total"`
	Verified      int           `json:"verified"`
	Corrected     int           `json:"corrected"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Errors        []ItemError   `json:"errors,omitempty"`
}

type SyncRequest struct {
	ShopID     string
	CustomerID snowflake.ID
	// Verify runs VerifyAll before the mirrors are refreshed.
	Verify bool
}

type SyncResult struct {
	Enqueued     int              `json:"enqueued"`
	Skipped      int              `json:"skipped"`
	Verification *VerifyAllResult `json:"verification,omitempty"`
}

type Service interface {
	VerifyCustomer(ctx context.Context, customerID snowflake.ID) (VerifyResult, error)
	// VerifyAll verifies every customer of a shop, or of every shop when
	// shopID is empty. Drift is corrected and reported, never returned as an error.
	VerifyAll(ctx context.Context, shopID string) (VerifyAllResult, error)
	SyncBalances(ctx context.Context, req SyncRequest) (SyncResult, error)
}

var (
	ErrInvalidCustomer = errors.New("invalid_customer")
	ErrMirrorDisabled  = errors.New("balance_mirror_disabled")
)
