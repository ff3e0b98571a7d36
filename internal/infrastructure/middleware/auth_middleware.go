package middleware

import (
	"net/http"
	"strings"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "ticket_claims"

// TicketAuthMiddleware requires a room ticket as a bearer token. The ticket
// must be for the room named by the :id path parameter.
func TicketAuthMiddleware(tickets ports.TicketService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, errors.NewUnauthorizedError("authorization header required"))
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || token == "" {
			abort(c, errors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		claims, err := tickets.Verify(token)
		if err != nil {
			abort(c, errors.FromDomain(err))
			return
		}
		if room := c.Param("id"); room != "" && domain.RoomID(room) != claims.RoomID {
			abort(c, errors.NewAppError(errors.ErrCodePermissionDenied, "ticket is for another room", http.StatusForbidden).
				WithContext("room_id", room))
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// Claims returns the verified ticket of the request.
func Claims(c *gin.Context) (*ports.TicketClaims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*ports.TicketClaims)
	return claims, ok
}

// abort records err for ErrorHandlerMiddleware and stops the chain.
func abort(c *gin.Context, err *errors.AppError) {
	_ = c.Error(err)
	c.Status(err.HTTPStatus)
	c.Abort()
}
