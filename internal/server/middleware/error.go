package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nulzo/model-publisher/internal/core/domain"
)

// ErrorHandler serializes handler errors into RFC 9457 problem documents.
// Handlers attach errors with c.Error and return; this middleware owns the
// response shape.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		// Rich validation problems carry their own document
		var problem *domain.Problem
		if errors.As(err, &problem) {
			if problem.Log != nil {
				logger.Error("request failed", zap.Error(problem.Log))
			}
			c.JSON(problem.Status, problem)
			c.Abort()
			return
		}

		var de *domain.Error
		if errors.As(err, &de) {
			if de.Log != nil {
				logger.Error("request failed",
					zap.String("kind", string(de.Kind)),
					zap.Error(de.Log),
				)
			}
			c.JSON(de.Code, &domain.Problem{
				Type:   "about:blank",
				Title:  titleFor(de.Kind),
				Status: de.Code,
				Detail: de.Message,
			})
			c.Abort()
			return
		}

		logger.Error("unhandled error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, &domain.Problem{
			Type:   "about:blank",
			Title:  "Internal Server Error",
			Status: http.StatusInternalServerError,
			Detail: "An unexpected error occurred.",
		})
		c.Abort()
	}
}

func titleFor(kind domain.ErrorKind) string {
	switch kind {
	case domain.KindValidation:
		return "Validation Error"
	case domain.KindAuthorization:
		return "Forbidden"
	case domain.KindNotFound:
		return "Not Found"
	case domain.KindConflict:
		return "Conflict"
	case domain.KindControlPlane:
		return "Control Plane Unavailable"
	case domain.KindStore:
		return "Storage Error"
	}
	return "Internal Server Error"
}
