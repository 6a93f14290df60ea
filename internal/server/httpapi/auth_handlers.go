package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/dmitrijs2005/schedkeeper/internal/server/oauth"
	"github.com/dmitrijs2005/schedkeeper/internal/server/services"
	"github.com/labstack/echo/v4"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateTTL    = 10 * time.Minute
)

type registerReq struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Timezone    string `json:"timezone"`
}

type loginReq struct {
	// Login is a username or an email.
	Login    string `json:"login"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResp struct {
	User      *models.User `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

func (s *Server) register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	user, err := s.deps.Users.Register(ctx, services.RegisterInput{
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Timezone:    req.Timezone,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return s.issue(c, http.StatusCreated, user, nil)
}

func (s *Server) login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	login := req.Login
	if login == "" {
		login = req.Username
	}
	if login == "" {
		login = req.Email
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	user, err := s.deps.Users.VerifyCredentials(ctx, login, req.Password)
	if err != nil {
		return s.writeError(c, err)
	}
	s.logger.Info(ctx, "user logged in", "user_id", user.ID)
	return s.issue(c, http.StatusOK, user, nil)
}

func (s *Server) issue(c echo.Context, status int, user *models.User, provider *models.ProviderTokens) error {
	sess, err := s.deps.Sessions.Issue(user, provider)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(status, authResp{User: user, Token: sess.Token, ExpiresAt: sess.ExpiresAt})
}

// logout only clears the cookie; assertions stay valid until they expire.
func (s *Server) logout(c echo.Context) error {
	c.SetCookie(s.cookie(common.AuthCookieName, "", -1))
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (s *Server) me(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	user, err := s.deps.Users.GetProfile(ctx, currentUserID(c))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user": user})
}

func (s *Server) oauthBegin(c echo.Context) error {
	state, err := oauth.NewState()
	if err != nil {
		return s.writeError(c, err)
	}
	c.SetCookie(s.cookie(oauthStateCookie, state, int(oauthStateTTL.Seconds())))
	return c.Redirect(http.StatusTemporaryRedirect, s.deps.OAuth.AuthCodeURL(state))
}

// oauthCallback finishes the provider flow. The browser always ends up on
// the front end, with either the session cookie or an error code.
func (s *Server) oauthCallback(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*requestTimeout)
	defer cancel()

	cookie, err := c.Cookie(oauthStateCookie)
	c.SetCookie(s.cookie(oauthStateCookie, "", -1))
	if err != nil || cookie.Value == "" || cookie.Value != c.QueryParam("state") {
		s.logger.Warn(ctx, "oauth state mismatch")
		return s.loginRedirect(c, "invalid_state")
	}
	if c.QueryParam("error") != "" {
		return s.loginRedirect(c, "access_denied")
	}
	code := c.QueryParam("code")
	if code == "" {
		return s.loginRedirect(c, "missing_code")
	}

	identity, tokens, err := s.deps.OAuth.Exchange(ctx, code)
	if err != nil {
		s.logger.Warn(ctx, "oauth exchange failed", "provider", s.deps.OAuth.Name(), "error", err)
		return s.loginRedirect(c, "exchange_failed")
	}

	user, err := s.deps.Reconciler.Reconcile(ctx, *identity)
	if err != nil {
		s.logger.Error(ctx, "identity reconciliation failed", "error", err)
		return s.loginRedirect(c, common.KindOf(err).String())
	}

	sess, err := s.deps.Sessions.Issue(user, tokens)
	if err != nil {
		s.logger.Error(ctx, "issuing session failed", "error", err)
		return s.loginRedirect(c, "internal")
	}

	s.logger.Info(ctx, "user logged in", "user_id", user.ID, "provider", s.deps.OAuth.Name())
	c.SetCookie(s.cookie(common.AuthCookieName, sess.Token, int(time.Until(sess.ExpiresAt).Seconds())))
	return c.Redirect(http.StatusFound, s.baseURL+"/?auth=success")
}

func (s *Server) loginRedirect(c echo.Context, code string) error {
	return c.Redirect(http.StatusFound, s.baseURL+"/auth/login?error="+url.QueryEscape(code))
}

func (s *Server) cookie(name, value string, maxAge int) *http.Cookie {
	u, _ := url.Parse(s.baseURL)
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   u != nil && u.Scheme == "https",
		SameSite: http.SameSiteLaxMode,
	}
}
