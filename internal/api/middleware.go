package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/citeline/internal/chat"
	"github.com/zulandar/citeline/internal/observability"
)

// Identity headers set by the trusted gateway in front of the service.
const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
	HeaderRequestID      = "X-Request-ID"
)

const ownerKey = "citeline.owner"

// requestID tags every request with an id, reusing the caller's when given.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(observability.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		observability.LoggerFromContext(c.Request.Context()).Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// identity requires both identity headers and stores the caller.
func identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := chat.Owner{
			UserID:         c.GetHeader(HeaderUserID),
			OrganizationID: c.GetHeader(HeaderOrganizationID),
		}
		if owner.UserID == "" || owner.OrganizationID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user or organization identity"})
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

func ownerFrom(c *gin.Context) chat.Owner {
	owner, _ := c.MustGet(ownerKey).(chat.Owner)
	return owner
}
