package httpapi

import (
	"context"
	"net/http"

	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/labstack/echo/v4"
)

type associationReq struct {
	UserID           string `json:"userId"`
	RelationshipType string `json:"relationshipType"`
	Notes            string `json:"notes"`
}

type associationUpdateReq struct {
	RelationshipType *string `json:"relationshipType"`
	Notes            *string `json:"notes"`
}

type associationsResp struct {
	Associations []*models.Association `json:"associations"`
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func (s *Server) listAssociations(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	list, err := s.deps.Associations.List(ctx, currentUserID(c), c.QueryParam("status"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, associationsResp{Associations: nonNil(list)})
}

func (s *Server) listPending(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	list, err := s.deps.Associations.ListPending(ctx, currentUserID(c))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, associationsResp{Associations: nonNil(list)})
}

func (s *Server) search(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	users, err := s.deps.Search.Search(ctx, currentUserID(c), c.QueryParam("q"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"users": nonNil(users)})
}

func (s *Server) requestAssociation(c echo.Context) error {
	var req associationReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	a, err := s.deps.Associations.Request(ctx, currentUserID(c), req.UserID, models.RelationshipType(req.RelationshipType), req.Notes)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (s *Server) acceptAssociation(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	a, err := s.deps.Associations.Accept(ctx, c.Param("id"), currentUserID(c))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) updateAssociation(c echo.Context) error {
	var req associationUpdateReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	upd := models.AssociationUpdate{Notes: req.Notes}
	if req.RelationshipType != nil {
		rt := models.RelationshipType(*req.RelationshipType)
		upd.RelationshipType = &rt
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	a, err := s.deps.Associations.Update(ctx, c.Param("id"), currentUserID(c), upd)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) removeAssociation(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	removed, err := s.deps.Associations.Remove(ctx, c.Param("id"), currentUserID(c))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": removed})
}
