package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/billingcore/internal/payment/domain"
)

type cancelPaymentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) GetPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	p, err := s.paymentSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (s *Server) MarkPaymentProcessing(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	p, err := s.paymentSvc.MarkProcessing(c.Request.Context(), id, actor(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (s *Server) CompletePayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req paymentdomain.CompleteRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}
	req.ID = id
	req.PerformedBy = actor(c)

	p, err := s.paymentSvc.MarkCompleted(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (s *Server) FailPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req paymentdomain.FailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.ID = id
	req.Reason = strings.TrimSpace(req.Reason)
	req.PerformedBy = actor(c)

	p, err := s.paymentSvc.MarkFailed(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (s *Server) CancelPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req cancelPaymentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	p, err := s.paymentSvc.Cancel(c.Request.Context(), id, strings.TrimSpace(req.Reason), actor(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (s *Server) RefundPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req paymentdomain.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.ID = id
	req.Reason = strings.TrimSpace(req.Reason)
	req.PerformedBy = actor(c)

	p, err := s.paymentSvc.ProcessRefund(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (s *Server) VerifyPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	p, err := s.paymentSvc.Verify(c.Request.Context(), id, actor(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (s *Server) ReconcilePayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	p, err := s.paymentSvc.Reconcile(c.Request.Context(), id, actor(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": p})
}
