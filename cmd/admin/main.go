package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/schedkeeper/internal/admin"
	"github.com/dmitrijs2005/schedkeeper/internal/buildinfo"
	"github.com/dmitrijs2005/schedkeeper/internal/flagx"
	"github.com/dmitrijs2005/schedkeeper/internal/server/config"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/schedkeeper/internal/server/services"
)

func main() {

	buildinfo.PrintBuildData(os.Stderr)

	ctx := context.Background()
	cfg := config.LoadConfig()

	db, err := repomanager.OpenDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer db.Close()

	rm := repomanager.NewPostgresRepositoryManager()
	app := admin.NewApp(
		services.NewUserService(db, rm, cfg),
		services.NewAvatarService(db, rm, cfg),
		os.Stdin, os.Stdout,
	)

	if err := app.Run(ctx, flagx.Positional(os.Args[1:])); err != nil {
		log.Printf("%v", err)
		db.Close()
		os.Exit(1)
	}

}
