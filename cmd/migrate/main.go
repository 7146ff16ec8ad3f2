// The migrate binary applies pending SQL migrations.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/db"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dir := flag.String("dir", "./migrations", "migrations directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	conn, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer conn.Close()

	if err := db.NewMigrator(conn, *dir).Up(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}
