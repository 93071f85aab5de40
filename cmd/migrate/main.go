package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/hackgods/outpatient-queue/internal/db"
	"github.com/hackgods/outpatient-queue/internal/logging"
)

func main() {
	_ = godotenv.Load()
	logger := logging.Component(logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("APP_ENV")), "migrate")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: migrate [up|down|version|force <version>]\n")
	}
	flag.Parse()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	m, err := db.NewMigrator(dsn, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init migrator")
	}
	defer m.Close()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "version":
		v, dirty, verr := m.Version()
		if verr == nil {
			fmt.Printf("version=%d dirty=%t\n", v, dirty)
		}
		err = verr
	case "force":
		var v int
		if _, serr := fmt.Sscanf(flag.Arg(1), "%d", &v); serr != nil {
			flag.Usage()
			os.Exit(2)
		}
		err = m.Force(v)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("migration failed")
	}
}
