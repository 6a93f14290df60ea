// Package repomanager vends repositories bound to either the connection pool
// or an open transaction, so services can compose multi-repository writes
// inside dbx.WithTx.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/schedkeeper/internal/dbx"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/associations"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	Associations(db dbx.DBTX) associations.Repository
}
