package httpapi

import (
	"context"
	"net/http"

	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/labstack/echo/v4"
)

type profileReq struct {
	Email       *string `json:"email"`
	DisplayName *string `json:"displayName"`
	Timezone    *string `json:"timezone"`
}

type passwordReq struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type avatarConfirmReq struct {
	Key string `json:"key"`
}

func (s *Server) getProfile(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	user, err := s.deps.Users.GetProfile(ctx, currentUserID(c))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (s *Server) updateProfile(c echo.Context) error {
	var req profileReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	user, err := s.deps.Users.UpdateProfile(ctx, currentUserID(c), models.ProfileUpdate{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Timezone:    req.Timezone,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (s *Server) changePassword(c echo.Context) error {
	var req passwordReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if err := s.deps.Users.ChangePassword(ctx, currentUserID(c), req.CurrentPassword, req.NewPassword); err != nil {
		return s.writeError(c, err)
	}
	s.logger.Info(ctx, "password changed")
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (s *Server) avatarUploadURL(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	up, err := s.deps.Avatars.UploadURL(ctx, currentUserID(c))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, up)
}

func (s *Server) confirmAvatar(c echo.Context) error {
	var req avatarConfirmReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	user, err := s.deps.Avatars.Confirm(ctx, currentUserID(c), req.Key)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, user)
}
