package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/citeline/internal/chat"
	"github.com/zulandar/citeline/internal/generation"
	"github.com/zulandar/citeline/internal/models"
	"github.com/zulandar/citeline/internal/observability"
	"github.com/zulandar/citeline/internal/ratelimit"
)

// registerRoutes sets up the session and message routes.
func registerRoutes(rg *gin.RouterGroup, svc ChatService) {
	rg.GET("/sessions/active", handleActiveSession(svc))
	rg.POST("/sessions", handleCreateSession(svc))
	rg.GET("/sessions", handleListSessions(svc))
	rg.GET("/sessions/:id", handleGetSession(svc))
	rg.DELETE("/sessions/:id", handleDeleteSession(svc))
	rg.POST("/sessions/:id/archive", handleArchiveSession(svc))
	rg.GET("/sessions/:id/messages", handleListMessages(svc))
	rg.POST("/sessions/:id/messages", handleSendMessage(svc))
}

type createSessionRequest struct {
	Title        string         `json:"title"`
	ResponseMode string         `json:"response_mode"`
	ModelName    string         `json:"model_name"`
	Settings     map[string]any `json:"settings"`
}

type sendMessageRequest struct {
	Question string `json:"question" binding:"required"`
	Mode     string `json:"mode"`
	Model    string `json:"model"`
}

func handleActiveSession(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := svc.GetOrCreateActiveSession(c.Request.Context(), ownerFrom(c))
		if err != nil {
			writeError(c, err, nil)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

func handleCreateSession(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSessionRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		sess, err := svc.CreateSession(c.Request.Context(), ownerFrom(c), chat.SessionOpts{
			Title:        req.Title,
			ResponseMode: req.ResponseMode,
			ModelName:    req.ModelName,
			Settings:     req.Settings,
		})
		if err != nil {
			writeError(c, err, nil)
			return
		}
		c.JSON(http.StatusCreated, sess)
	}
}

func handleListSessions(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		includeArchived, _ := strconv.ParseBool(c.Query("include_archived"))
		sessions, err := svc.ListSessions(c.Request.Context(), ownerFrom(c), includeArchived)
		if err != nil {
			writeError(c, err, nil)
			return
		}
		if sessions == nil {
			sessions = []models.Session{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

func handleGetSession(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := svc.GetSession(c.Request.Context(), ownerFrom(c), c.Param("id"))
		if err != nil {
			writeError(c, err, nil)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

func handleDeleteSession(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.DeleteSession(c.Request.Context(), ownerFrom(c), c.Param("id")); err != nil {
			writeError(c, err, nil)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleArchiveSession(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.ArchiveSession(c.Request.Context(), ownerFrom(c), c.Param("id")); err != nil {
			writeError(c, err, nil)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleListMessages(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := svc.ListMessages(c.Request.Context(), ownerFrom(c), c.Param("id"))
		if err != nil {
			writeError(c, err, nil)
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

func handleSendMessage(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		msg, err := svc.SendMessage(c.Request.Context(), ownerFrom(c), c.Param("id"), chat.SendRequest{
			Question: req.Question,
			Mode:     req.Mode,
			Model:    req.Model,
		})
		if err != nil {
			writeError(c, err, msg)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": msg})
	}
}

// writeError maps a service error to a status code. msg is the failed
// assistant message, when one was persisted.
func writeError(c *gin.Context, err error, msg *models.Message) {
	body := gin.H{}
	if msg != nil {
		body["message"] = msg
	}

	if ee, ok := ratelimit.IsExceeded(err); ok {
		retry := int(math.Ceil(ee.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(retry))
		body["error"] = "rate limit exceeded"
		body["scope"] = ee.Scope
		body["limit"] = ee.Limit
		body["retry_after_seconds"] = retry
		c.JSON(http.StatusTooManyRequests, body)
		return
	}

	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		body["error"] = "session not found"
		c.JSON(http.StatusNotFound, body)
	case errors.Is(err, chat.ErrSessionArchived):
		body["error"] = "session is archived"
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, chat.ErrInvalidInput), errors.Is(err, generation.ErrInvalidMode):
		body["error"] = err.Error()
		c.JSON(http.StatusBadRequest, body)
	default:
		observability.LoggerFromContext(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		body["error"] = "message processing failed"
		if !errors.Is(err, chat.ErrProcessingFailed) {
			body["error"] = "internal error"
		}
		c.JSON(http.StatusInternalServerError, body)
	}
}
