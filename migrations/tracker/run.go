package main

import (
	"embed"

	"github.com/mediacloud/story-fetcher/pkg/config"
	"github.com/mediacloud/story-fetcher/pkg/migrator"
)

//go:embed *.sql
var MigrationsFS embed.FS

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := migrator.RunMigrations(cfg.TrackerDatabaseURL, MigrationsFS); err != nil {
		panic(err)
	}
}
