package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
)

type UpsertCustomerRequest struct {
	ShopID     string
	ExternalID string
	Email      string
	FirstName  string
	LastName   string
	Tags       []string
}

type ListCustomerRequest struct {
	ShopID    string
	PageToken string
	PageSize  int
	Search    string
}

type ListCustomerFilter struct {
	Search  string
	AfterID snowflake.ID
	Limit   int
}

type ListCustomerResponse struct {
	pagination.PageInfo
	Customers []Customer `json:"customers"`
}

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (Customer, error)
	GetByExternalID(ctx context.Context, shopID, externalID string) (Customer, error)
	// FindOrProvision returns the customer or creates it with a zero balance.
	// The boolean reports whether this call created the record.
	FindOrProvision(ctx context.Context, shopID, externalID string) (Customer, bool, error)
	Upsert(ctx context.Context, req UpsertCustomerRequest) (Customer, error)
	DeleteByExternalID(ctx context.Context, shopID, externalID string) error
	List(ctx context.Context, req ListCustomerRequest) (ListCustomerResponse, error)
}

var (
	ErrInvalidShop       = errors.New("invalid_shop")
	ErrInvalidExternalID = errors.New("invalid_external_id")
	ErrInvalidID         = errors.New("invalid_id")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
	ErrNotFound          = errors.New("customer_not_found")
)
