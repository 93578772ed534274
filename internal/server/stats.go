package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	pointstatsdomain "github.com/smallbiznis/loyalty/internal/pointstats/domain"
)

func (s *Server) GetPointsSeries(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.statsSvc.Series(c.Request.Context(), pointstatsdomain.SeriesRequest{
		ShopID: shopFromGin(c),
		Range:  strings.TrimSpace(c.Query("range")),
		From:   from,
		To:     to,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetSummary(c *gin.Context) {
	resp, err := s.statsSvc.Summary(c.Request.Context(), shopFromGin(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
