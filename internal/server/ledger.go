package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
)

type postLedgerEntryRequest struct {
	CustomerID      string         `json:"customer_id"`
	Amount          int64          `json:"amount"`
	Reason          string         `json:"reason"`
	ExternalID      string         `json:"external_id"`
	ExternalOrderID string         `json:"external_order_id"`
	Metadata        map[string]any `json:"metadata"`
}

func (s *Server) ListLedgerEntries(c *gin.Context) {
	customerID, err := parseOptionalSnowflakeID(c.Query("customer_id"))
	if err != nil {
		AbortWithError(c, newValidationError("customer_id", "invalid_customer_id", "invalid customer_id"))
		return
	}
	limit, err := parseOptionalInt64(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	from, to, err := parseTimeRange(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req := ledgerdomain.ListRequest{
		ShopID:    shopFromGin(c),
		Reason:    ledgerdomain.Reason(strings.TrimSpace(c.Query("reason"))),
		From:      from,
		To:        to,
		PageToken: strings.TrimSpace(c.Query("page_token")),
	}
	if customerID != nil {
		req.CustomerID = *customerID
	}
	if limit != nil {
		req.Limit = int(*limit)
	}

	resp, err := s.ledgerSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Entries,
		"totals":    resp.Totals,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) PostLedgerEntry(c *gin.Context) {
	var req postLedgerEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	customerID, err := parseOptionalSnowflakeID(req.CustomerID)
	if err != nil || customerID == nil {
		AbortWithError(c, ledgerdomain.ErrInvalidCustomer)
		return
	}

	ctx := c.Request.Context()
	if _, err := s.customerInShop(ctx, shopFromGin(c), *customerID); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ledgerSvc.Post(ctx, ledgerdomain.PostRequest{
		CustomerID:      *customerID,
		Amount:          req.Amount,
		Reason:          ledgerdomain.Reason(strings.TrimSpace(req.Reason)),
		ExternalID:      strings.TrimSpace(req.ExternalID),
		ExternalOrderID: strings.TrimSpace(req.ExternalOrderID),
		Metadata:        req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if !resp.Posted {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": resp})
}

func (s *Server) GetLedgerEntry(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, ledgerdomain.ErrInvalidID)
		return
	}

	entry, err := s.ledgerSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if entry.ShopID != shopFromGin(c) {
		AbortWithError(c, ledgerdomain.ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (s *Server) ReverseLedgerEntry(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, ledgerdomain.ErrInvalidID)
		return
	}

	ctx := c.Request.Context()
	entry, err := s.ledgerSvc.Get(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if entry.ShopID != shopFromGin(c) {
		AbortWithError(c, ledgerdomain.ErrNotFound)
		return
	}

	resp, err := s.ledgerSvc.Reverse(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
