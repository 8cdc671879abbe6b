package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
)

func (s *Server) ListActivity(c *gin.Context) {
	var query struct {
		pagination.Pagination
		SubscriptionID string `form:"subscription_id"`
		Action         string `form:"action"`
		Unreviewed     string `form:"unreviewed"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	subscriptionID, err := parseOptionalSnowflakeID(query.SubscriptionID)
	if err != nil {
		AbortWithError(c, invalidField("subscription_id", "invalid id"))
		return
	}
	unreviewed, err := parseOptionalBool(query.Unreviewed)
	if err != nil {
		AbortWithError(c, invalidField("unreviewed", "must be a boolean"))
		return
	}

	resp, err := s.activitySvc.List(c.Request.Context(), activitydomain.ListRequest{
		Pagination:     query.Pagination,
		SubscriptionID: subscriptionID,
		Action:         activitydomain.Action(strings.TrimSpace(query.Action)),
		UnreviewedOnly: unreviewed != nil && *unreviewed,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ReviewActivity(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	entry, err := s.activitySvc.MarkReviewed(c.Request.Context(), id, actor(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}
