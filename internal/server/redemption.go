package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	redemptiondomain "github.com/smallbiznis/loyalty/internal/redemption/domain"
)

const defaultReconcileLimit = 100

type createRedemptionRequest struct {
	CustomerExternalID string `json:"customer_external_id"`
	RewardID           string `json:"reward_id"`
	CartTotal          *int64 `json:"cart_total"`
}

func (s *Server) ListRedemptions(c *gin.Context) {
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

	req := redemptiondomain.ListRequest{
		ShopID:    shopFromGin(c),
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

	resp, err := s.redemptionSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Redemptions,
		"totals":    resp.Totals,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) CreateRedemption(c *gin.Context) {
	var req createRedemptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.redeem(c, strings.TrimSpace(req.CustomerExternalID), req.RewardID, req.CartTotal)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) redeem(c *gin.Context, customerExternalID, rewardID string, cartTotal *int64) (redemptiondomain.RedeemResult, error) {
	id, err := parseOptionalSnowflakeID(rewardID)
	if err != nil || id == nil {
		return redemptiondomain.RedeemResult{}, redemptiondomain.ErrInvalidReward
	}

	return s.redemptionSvc.Redeem(c.Request.Context(), redemptiondomain.RedeemRequest{
		ShopID:             shopFromGin(c),
		CustomerExternalID: customerExternalID,
		RewardID:           *id,
		CartTotal:          cartTotal,
	})
}

func (s *Server) GetRedemption(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, redemptiondomain.ErrInvalidID)
		return
	}

	resp, err := s.redemptionSvc.Get(c.Request.Context(), shopFromGin(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteRedemption(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, redemptiondomain.ErrInvalidID)
		return
	}
	refund, err := parseOptionalBool(c.Query("refund"))
	if err != nil {
		AbortWithError(c, newValidationError("refund", "invalid_refund", "invalid refund"))
		return
	}

	resp, err := s.redemptionSvc.DeleteRedemption(c.Request.Context(), shopFromGin(c), id, refund != nil && *refund)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// ReconcileDiscounts retries external issuance for this shop's degraded
// redemptions.
func (s *Server) ReconcileDiscounts(c *gin.Context) {
	limit, err := parseOptionalInt64(c.Query("limit"))
	if err != nil || (limit != nil && *limit <= 0) {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	batch := defaultReconcileLimit
	if limit != nil {
		batch = int(*limit)
	}

	resp, err := s.redemptionSvc.ReconcileDiscounts(c.Request.Context(), shopFromGin(c), batch)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
