package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type PostRequest struct {
	CustomerID      snowflake.ID
	Amount          int64
	Reason          Reason
	ExternalID      string
	ExternalOrderID string
	Metadata        map[string]any
}

// PostResult carries the entry and the balance after the post. Posted is
// false when an entry with the same external id was already recorded.
type PostResult struct {
	Entry      LedgerEntry `json:"entry"`
	NewBalance int64       `json:"new_balance"`
	Posted     bool        `json:"posted"`
}

type ReverseResult struct {
	Entry      LedgerEntry `json:"entry"`
	NewBalance int64       `json:"new_balance"`
}

type ListRequest struct {
	ShopID     string
	CustomerID snowflake.ID
	Reason     Reason
	From       *time.Time
	To         *time.Time
	PageToken  string
	Limit      int
}

type ListFilter struct {
	ShopID     string
	CustomerID snowflake.ID
	Reason     Reason
	From       *time.Time
	To         *time.Time
	BeforeID   snowflake.ID
	Limit      int
}

type ListResponse struct {
	pagination.PageInfo
	Entries []LedgerEntry `json:"entries"`
	Totals  Totals        `json:"totals"`
}

type Service interface {
	Post(ctx context.Context, req PostRequest) (PostResult, error)
	Reverse(ctx context.Context, id snowflake.ID) (ReverseResult, error)
	Get(ctx context.Context, id snowflake.ID) (LedgerEntry, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidCustomer  = errors.New("invalid_customer")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidReason    = errors.New("invalid_reason")
	ErrInvalidID        = errors.New("invalid_ledger_entry_id")
	ErrInvalidRange     = errors.New("invalid_range")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrNotFound         = errors.New("ledger_entry_not_found")
)
