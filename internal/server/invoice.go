package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/billingcore/internal/payment/domain"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
)

type cancelInvoiceRequest struct {
	Reason string `json:"reason"`
}

type recordPaymentRequest struct {
	paymentdomain.CreateRequest
	// Record completes the payment in the same call.
	Record bool `json:"record"`
}

func (s *Server) ListInvoices(c *gin.Context) {
	var query struct {
		pagination.Pagination
		SubscriptionID string `form:"subscription_id"`
		Status         string `form:"status"`
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

	resp, err := s.invoiceSvc.List(c.Request.Context(), invoicedomain.ListRequest{
		Pagination:     query.Pagination,
		SubscriptionID: subscriptionID,
		Status:         invoicedomain.Status(strings.TrimSpace(query.Status)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetInvoice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	inv, err := s.invoiceSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": inv})
}

func (s *Server) SendInvoice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	inv, err := s.invoiceSvc.MarkSent(c.Request.Context(), id, actor(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": inv})
}

func (s *Server) CancelInvoice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req cancelInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	inv, err := s.invoiceSvc.Cancel(c.Request.Context(), id, strings.TrimSpace(req.Reason), actor(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": inv})
}

func (s *Server) AdjustInvoice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req invoicedomain.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.ID = id
	req.Reason = strings.TrimSpace(req.Reason)
	req.PerformedBy = actor(c)

	inv, err := s.invoiceSvc.Adjust(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": inv})
}

func (s *Server) RecordPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	create := req.CreateRequest
	create.InvoiceID = id
	create.PerformedBy = actor(c)

	var (
		p   *paymentdomain.Payment
		err error
	)
	if req.Record {
		p, err = s.paymentSvc.RecordPayment(c.Request.Context(), create)
	} else {
		p, err = s.paymentSvc.Create(c.Request.Context(), create)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": p})
}

func (s *Server) ListInvoicePayments(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	payments, err := s.paymentSvc.ListByInvoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payments})
}
