package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"product-import-service/internal/models"
)

// developmentUserID is attributed to requests without a user outside production
const developmentUserID = "00000000-0000-0000-0000-000000000001"

// UserContextMiddleware records the acting user, taken from the X-User-ID
// header set by the gateway. When requireUser is false (development) a fixed
// user is assumed instead of rejecting the request.
func UserContextMiddleware(requireUser bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(userIDKey)
		if userID == "" {
			userID = c.GetHeader("X-User-ID")
		}
		if userID == "" {
			if requireUser {
				c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
					Success: false,
					Error: models.Error{
						Code:    "USER_REQUIRED",
						Message: "User ID is required. Include the X-User-ID header.",
					},
				})
				return
			}
			userID = developmentUserID
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// GetUserID retrieves the acting user's ID from gin context
func GetUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
