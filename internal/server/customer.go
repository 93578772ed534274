package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	customerdomain "github.com/smallbiznis/loyalty/internal/customer/domain"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
)

type upsertCustomerRequest struct {
	ExternalID string   `json:"external_id"`
	Email      string   `json:"email"`
	FirstName  string   `json:"first_name"`
	LastName   string   `json:"last_name"`
	Tags       []string `json:"tags"`
}

func (s *Server) ListCustomers(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Search string `form:"search"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.customerSvc.List(c.Request.Context(), customerdomain.ListCustomerRequest{
		ShopID:    shopFromGin(c),
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
		Search:    strings.TrimSpace(query.Search),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Customers, "page_info": resp.PageInfo})
}

func (s *Server) GetCustomerByID(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	resp, err := s.customerInShop(c.Request.Context(), shopFromGin(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// UpsertCustomer backs the customer create and update webhooks.
func (s *Server) UpsertCustomer(c *gin.Context) {
	var req upsertCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.customerSvc.Upsert(c.Request.Context(), customerdomain.UpsertCustomerRequest{
		ShopID:     shopFromGin(c),
		ExternalID: strings.TrimSpace(req.ExternalID),
		Email:      strings.TrimSpace(req.Email),
		FirstName:  strings.TrimSpace(req.FirstName),
		LastName:   strings.TrimSpace(req.LastName),
		Tags:       req.Tags,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteCustomerByExternalID(c *gin.Context) {
	externalID := strings.TrimSpace(c.Param("external_id"))
	if err := s.customerSvc.DeleteByExternalID(c.Request.Context(), shopFromGin(c), externalID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// customerInShop hides customers of other shops behind not found.
func (s *Server) customerInShop(ctx context.Context, shop string, id snowflake.ID) (customerdomain.Customer, error) {
	customer, err := s.customerSvc.GetByID(ctx, id)
	if err != nil {
		return customerdomain.Customer{}, err
	}
	if customer.ShopID != shop {
		return customerdomain.Customer{}, customerdomain.ErrNotFound
	}
	return customer, nil
}
