package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billingcore/pkg/apperror"
)

var errAutomationDisabled = apperror.New(apperror.KindInvalidState, "automation_disabled", "automation engine is not configured")

// RunAutomation triggers the daily run synchronously and returns its report.
// A run already holding the lock yields 409.
func (s *Server) RunAutomation(c *gin.Context) {
	if s.automation == nil {
		AbortWithError(c, errAutomationDisabled)
		return
	}

	report, err := s.automation.RunDailyAutomation(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}
