package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/loyalty/internal/discount"
	rewarddomain "github.com/smallbiznis/loyalty/internal/reward/domain"
)

type createRewardRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	ImageURL         string `json:"image_url"`
	PointsCost       int64  `json:"points_cost"`
	DiscountType     string `json:"discount_type"`
	DiscountValue    int64  `json:"discount_value"`
	MinimumCartValue *int64 `json:"minimum_cart_value"`
	IsActive         *bool  `json:"is_active"`
}

type updateRewardRequest struct {
	Name             *string `json:"name"`
	Description      *string `json:"description"`
	ImageURL         *string `json:"image_url"`
	PointsCost       *int64  `json:"points_cost"`
	DiscountType     *string `json:"discount_type"`
	DiscountValue    *int64  `json:"discount_value"`
	MinimumCartValue *int64  `json:"minimum_cart_value"`
	ClearMinimum     bool    `json:"clear_minimum_cart_value"`
	IsActive         *bool   `json:"is_active"`
}

func (s *Server) ListRewards(c *gin.Context) {
	activeOnly, err := parseOptionalBool(c.Query("active"))
	if err != nil {
		AbortWithError(c, newValidationError("active", "invalid_active", "invalid active"))
		return
	}

	req := rewarddomain.ListRequest{ShopID: shopFromGin(c)}
	if activeOnly != nil {
		req.ActiveOnly = *activeOnly
	}

	resp, err := s.rewardSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateReward(c *gin.Context) {
	var req createRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.rewardSvc.Create(c.Request.Context(), rewarddomain.CreateRequest{
		ShopID:           shopFromGin(c),
		Name:             req.Name,
		Description:      strings.TrimSpace(req.Description),
		ImageURL:         strings.TrimSpace(req.ImageURL),
		PointsCost:       req.PointsCost,
		DiscountType:     discount.Type(strings.TrimSpace(req.DiscountType)),
		DiscountValue:    req.DiscountValue,
		MinimumCartValue: req.MinimumCartValue,
		IsActive:         req.IsActive,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetReward(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, rewarddomain.ErrInvalidID)
		return
	}

	resp, err := s.rewardSvc.Get(c.Request.Context(), shopFromGin(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateReward(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, rewarddomain.ErrInvalidID)
		return
	}

	var req updateRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	update := rewarddomain.UpdateRequest{
		Name:             req.Name,
		Description:      req.Description,
		ImageURL:         req.ImageURL,
		PointsCost:       req.PointsCost,
		DiscountValue:    req.DiscountValue,
		MinimumCartValue: req.MinimumCartValue,
		ClearMinimum:     req.ClearMinimum,
		IsActive:         req.IsActive,
	}
	if req.DiscountType != nil {
		discountType := discount.Type(strings.TrimSpace(*req.DiscountType))
		update.DiscountType = &discountType
	}

	resp, err := s.rewardSvc.Update(c.Request.Context(), shopFromGin(c), id, update)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteReward(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, rewarddomain.ErrInvalidID)
		return
	}

	if err := s.rewardSvc.Delete(c.Request.Context(), shopFromGin(c), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
