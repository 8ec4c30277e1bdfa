package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const sessionContextKey = "session"

// Middleware parses the Authorization bearer token and stores the resolved
// Session in the echo context. Requests without a valid token get 401.
func Middleware(gate *Gate) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			sess, err := gate.Parse(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}
			c.Set(sessionContextKey, sess)
			return next(c)
		}
	}
}

// RequireRole rejects requests whose session role is not in the allowed set.
// Must run after Middleware.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess, ok := SessionFromContext(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "no session")
			}
			if _, ok := allowed[sess.Role]; !ok {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
			}
			return next(c)
		}
	}
}

// SessionFromContext retrieves the Session stored by Middleware.
func SessionFromContext(c echo.Context) (Session, bool) {
	sess, ok := c.Get(sessionContextKey).(Session)
	return sess, ok
}
