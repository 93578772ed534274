package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	verificationdomain "github.com/smallbiznis/loyalty/internal/verification/domain"
)

type syncBalancesRequest struct {
	CustomerID string `json:"customer_id"`
	Verify     bool   `json:"verify"`
}

func (s *Server) VerifyCustomer(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, verificationdomain.ErrInvalidCustomer)
		return
	}

	ctx := c.Request.Context()
	if _, err := s.customerInShop(ctx, shopFromGin(c), id); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.verificationSvc.VerifyCustomer(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) VerifyBalances(c *gin.Context) {
	resp, err := s.verificationSvc.VerifyAll(c.Request.Context(), shopFromGin(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// SyncBalances refreshes the storefront balance mirror for one customer or
// the whole shop.
func (s *Server) SyncBalances(c *gin.Context) {
	var req syncBalancesRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	customerID, err := parseOptionalSnowflakeID(req.CustomerID)
	if err != nil {
		AbortWithError(c, verificationdomain.ErrInvalidCustomer)
		return
	}

	ctx := c.Request.Context()
	syncReq := verificationdomain.SyncRequest{
		ShopID: shopFromGin(c),
		Verify: req.Verify,
	}
	if customerID != nil {
		if _, err := s.customerInShop(ctx, syncReq.ShopID, *customerID); err != nil {
			AbortWithError(c, err)
			return
		}
		syncReq.CustomerID = *customerID
	}

	resp, err := s.verificationSvc.SyncBalances(ctx, syncReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": resp})
}
