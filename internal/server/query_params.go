package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const headerActor = "X-Actor"

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed == 0 {
		return nil, errors.New("invalid_snowflake_id")
	}
	return &parsed, nil
}

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// pathID reads the :id path parameter and aborts the request when it is not
// a valid id.
func pathID(c *gin.Context) (snowflake.ID, bool) {
	id, err := parseOptionalSnowflakeID(c.Param("id"))
	if err != nil || id == nil {
		AbortWithError(c, invalidField("id", "invalid id"))
		return 0, false
	}
	return *id, true
}

// actor is the identity recorded on activity entries. Authentication happens
// in front of this service and forwards the caller in X-Actor.
func actor(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader(headerActor)); v != "" {
		return v
	}
	return "api"
}
