package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
)

type transitionRequest struct {
	Reason string `json:"reason"`
}

type autoRenewRequest struct {
	AutoRenew *bool `json:"auto_renew"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var req subscriptiondomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.PerformedBy = actor(c)

	sub, err := s.subscriptionSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status   string `form:"status"`
		ClientID string `form:"client_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	status := subscriptiondomain.Status(strings.TrimSpace(query.Status))
	if status != "" && !status.Valid() {
		AbortWithError(c, invalidField("status", "unknown subscription status"))
		return
	}
	clientID, err := parseOptionalSnowflakeID(query.ClientID)
	if err != nil {
		AbortWithError(c, invalidField("client_id", "invalid id"))
		return
	}

	resp, err := s.subscriptionSvc.List(c.Request.Context(), subscriptiondomain.ListRequest{
		Pagination: query.Pagination,
		Status:     status,
		ClientID:   clientID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetSubscription(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) RenewSubscription(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	res, err := s.subscriptionSvc.Renew(c.Request.Context(), subscriptiondomain.TransitionRequest{
		ID:          id,
		PerformedBy: actor(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"subscription":      res.Subscription,
		"previous_end_date": res.PreviousEndDate,
	}})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	s.transition(c, s.subscriptionSvc.Cancel)
}

func (s *Server) SuspendSubscription(c *gin.Context) {
	s.transition(c, s.subscriptionSvc.Suspend)
}

func (s *Server) ReactivateSubscription(c *gin.Context) {
	s.transition(c, s.subscriptionSvc.Reactivate)
}

type transitionFunc func(ctx context.Context, req subscriptiondomain.TransitionRequest) (*subscriptiondomain.Subscription, error)

// transition runs a reason-carrying status change. Reason requirements are
// enforced by the service.
func (s *Server) transition(c *gin.Context, fn transitionFunc) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req transitionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	sub, err := fn(c.Request.Context(), subscriptiondomain.TransitionRequest{
		ID:          id,
		Reason:      strings.TrimSpace(req.Reason),
		PerformedBy: actor(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) UpdateAutoRenew(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req autoRenewRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AutoRenew == nil {
		AbortWithError(c, invalidField("auto_renew", "required"))
		return
	}

	sub, err := s.subscriptionSvc.UpdateAutoRenew(c.Request.Context(), id, *req.AutoRenew, actor(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ListSubscriptionActivity(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var query struct {
		pagination.Pagination
		Action     string `form:"action"`
		Unreviewed string `form:"unreviewed"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	unreviewed, err := parseOptionalBool(query.Unreviewed)
	if err != nil {
		AbortWithError(c, invalidField("unreviewed", "must be a boolean"))
		return
	}

	resp, err := s.activitySvc.List(c.Request.Context(), activitydomain.ListRequest{
		Pagination:     query.Pagination,
		SubscriptionID: &id,
		Action:         activitydomain.Action(strings.TrimSpace(query.Action)),
		UnreviewedOnly: unreviewed != nil && *unreviewed,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GenerateInvoice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req invoicedomain.GenerateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}
	req.SubscriptionID = id
	req.PerformedBy = actor(c)

	res, err := s.invoiceSvc.Generate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": res.Invoice})
}

func (s *Server) ListSubscriptionInvoices(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.invoiceSvc.List(c.Request.Context(), invoicedomain.ListRequest{
		Pagination:     query,
		SubscriptionID: &id,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
