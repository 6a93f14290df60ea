// Package httpapi is the JSON-over-HTTP surface of the server, built on
// echo. Handlers decode requests, call the core services and map their
// errors onto status codes; no business rule lives here.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/schedkeeper/internal/logging"
	"github.com/dmitrijs2005/schedkeeper/internal/server/auth"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/dmitrijs2005/schedkeeper/internal/server/oauth"
	"github.com/dmitrijs2005/schedkeeper/internal/server/ratelimit"
	"github.com/dmitrijs2005/schedkeeper/internal/server/services"
	"github.com/labstack/echo/v4"
)

const (
	requestTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

type Credentials interface {
	Register(ctx context.Context, in services.RegisterInput) (*models.User, error)
	VerifyCredentials(ctx context.Context, login, password string) (*models.User, error)
	ChangePassword(ctx context.Context, userID, current, newPassword string) error
	GetProfile(ctx context.Context, userID string) (*models.User, error)
	UpdateProfile(ctx context.Context, userID string, upd models.ProfileUpdate) (*models.User, error)
}

type Sessions interface {
	Issue(user *models.User, provider *models.ProviderTokens) (*models.Session, error)
	Verify(token string) (*auth.Claims, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, claim models.ExternalIdentity) (*models.User, error)
}

type Associations interface {
	Request(ctx context.Context, fromUserID, toUserID string, relType models.RelationshipType, notes string) (*models.Association, error)
	Accept(ctx context.Context, associationID, actingUserID string) (*models.Association, error)
	Remove(ctx context.Context, associationID, actingUserID string) (bool, error)
	Update(ctx context.Context, associationID, actingUserID string, upd models.AssociationUpdate) (*models.Association, error)
	List(ctx context.Context, userID, status string) ([]*models.Association, error)
	ListPending(ctx context.Context, userID string) ([]*models.Association, error)
}

type Searcher interface {
	Search(ctx context.Context, currentUserID, term string) ([]*models.UserMatch, error)
}

type Avatars interface {
	UploadURL(ctx context.Context, userID string) (*models.AvatarUpload, error)
	Confirm(ctx context.Context, userID, key string) (*models.User, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators of the HTTP layer. OAuth and Limiter are
// optional: a nil OAuth disables the Google routes, a nil Limiter disables
// login throttling.
type Deps struct {
	Users        Credentials
	Sessions     Sessions
	Reconciler   Reconciler
	Associations Associations
	Search       Searcher
	Avatars      Avatars
	OAuth        oauth.Provider
	Limiter      ratelimit.Limiter
	DB           Pinger
}

type Server struct {
	address string
	baseURL string
	deps    Deps
	echo    *echo.Echo
	logger  logging.Logger
}

func NewServer(address, baseURL string, d Deps, l logging.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		address: address,
		baseURL: baseURL,
		deps:    d,
		echo:    e,
		logger:  l.With("module", "http_server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.Use(s.requestID, s.accessLog)

	e.GET("/healthz", s.health)

	a := e.Group("/api/auth")
	a.POST("/register", s.register, s.throttle)
	a.POST("/login", s.login, s.throttle)
	a.POST("/logout", s.logout)
	a.GET("/me", s.me, s.requireAuth)
	if s.deps.OAuth != nil {
		a.GET("/google", s.oauthBegin)
		a.GET("/google/callback", s.oauthCallback)
	}

	u := e.Group("/api/user", s.requireAuth)
	u.GET("/profile", s.getProfile)
	u.PUT("/profile", s.updateProfile)
	u.PUT("/password", s.changePassword)
	u.POST("/avatar", s.avatarUploadURL)
	u.PUT("/avatar", s.confirmAvatar)

	g := e.Group("/api/associations", s.requireAuth)
	g.GET("", s.listAssociations)
	g.POST("", s.requestAssociation)
	g.GET("/pending", s.listPending)
	g.GET("/search", s.search)
	g.POST("/:id/accept", s.acceptAssociation)
	g.PATCH("/:id", s.updateAssociation)
	g.DELETE("/:id", s.removeAssociation)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "HTTP shutdown failed", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			s.logger.Warn(ctx, "health check failed", "error", err)
			return c.String(http.StatusServiceUnavailable, "unavailable")
		}
	}
	return c.String(http.StatusOK, "ok")
}
