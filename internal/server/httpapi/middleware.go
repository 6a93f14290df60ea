package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/logging"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const ctxUserID = "user_id"

// requestID reuses a well-formed inbound X-Request-ID or mints one, and
// binds it to the request context for logging.
func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(common.RequestIDHeaderName)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Response().Header().Set(common.RequestIDHeaderName, id)

		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		return next(c)
	}
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info(c.Request().Context(), "http request",
			"method", c.Request().Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}
}

// bearerToken takes the assertion from the Authorization header, falling
// back to the cookie set by the OAuth callback.
func bearerToken(c echo.Context) string {
	h := c.Request().Header.Get(common.AuthorizationHeaderName)
	if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if cookie, err := c.Cookie(common.AuthCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := bearerToken(c)
		if token == "" {
			return s.writeError(c, common.ErrorUnauthorized)
		}
		claims, err := s.deps.Sessions.Verify(token)
		if err != nil {
			return s.writeError(c, err)
		}

		c.Set(ctxUserID, claims.UserID)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithUserID(req.Context(), claims.UserID)))
		return next(c)
	}
}

func currentUserID(c echo.Context) string {
	id, _ := c.Get(ctxUserID).(string)
	return id
}

// throttle applies the login budget per client address. Limiter failures
// let the request through.
func (s *Server) throttle(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.Limiter == nil {
			return next(c)
		}
		ctx := c.Request().Context()

		ip := c.RealIP()
		if ip == "" {
			ip = "unknown"
		}
		d, err := s.deps.Limiter.Allow(ctx, ip)
		if err != nil {
			s.logger.Warn(ctx, "rate limiter unavailable", "error", err)
			return next(c)
		}

		h := c.Response().Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(s.deps.Limiter.Limit()))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		if !d.Allowed {
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			h.Set("Retry-After", strconv.Itoa(secs))
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error":       "too_many_requests",
				"message":     "rate limit exceeded",
				"retry_after": secs,
			})
		}
		return next(c)
	}
}
