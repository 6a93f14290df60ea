package services

import (
	"context"
	"database/sql"
	"strings"
	"unicode/utf8"

	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/repomanager"
)

// MaxSearchResults caps a single search.
const MaxSearchResults = 20

// SearchService finds users to associate with.
type SearchService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
}

func NewSearchService(db *sql.DB, m repomanager.RepositoryManager) *SearchService {
	return &SearchService{db: db, repomanager: m}
}

// Search matches term case-insensitively as a substring of username, email
// or display name, never returning the searcher. Each hit carries the
// status of any edge between the searcher and that user.
func (s *SearchService) Search(ctx context.Context, currentUserID, term string) ([]*models.UserMatch, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, invalidArgument("search term is required")
	}
	if utf8.RuneCountInString(term) > MaxSearchTerm {
		return nil, invalidArgument("search term longer than %d characters", MaxSearchTerm)
	}

	matches, err := s.repomanager.Users(s.db).Search(ctx, currentUserID, term, MaxSearchResults)
	if err != nil {
		return nil, passThrough("searching users", err)
	}
	return matches, nil
}
