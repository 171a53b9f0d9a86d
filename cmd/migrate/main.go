package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"unicontrol_bot/migrations"
)

func main() {
	_ = godotenv.Load()

	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/bot.db"), "path to sqlite database")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Setup(); err != nil {
		log.Fatalf("setup: %v", err)
	}

	cmd := args[0]
	switch cmd {
	case "up":
		err = goose.Up(db, ".")
	case "up-one":
		err = goose.UpByOne(db, ".")
	case "up-to", "down-to":
		if len(args) < 2 {
			log.Fatalf("%s requires a version", cmd)
		}
		version, perr := strconv.ParseInt(args[1], 10, 64)
		if perr != nil {
			log.Fatalf("invalid version %q: %v", args[1], perr)
		}
		if cmd == "up-to" {
			err = goose.UpTo(db, ".", version)
		} else {
			err = goose.DownTo(db, ".", version)
		}
	case "down":
		err = goose.Down(db, ".")
	case "status":
		err = goose.Status(db, ".")
	case "version":
		err = goose.Version(db, ".")
	case "reset":
		err = goose.Reset(db, ".")
	default:
		log.Fatalf("unknown command: %s", cmd)
	}

	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-db path] <command> [version]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  up            Migrate to the latest version")
	fmt.Fprintln(os.Stderr, "  up-one        Migrate one version up")
	fmt.Fprintln(os.Stderr, "  up-to <v>     Migrate up to version v")
	fmt.Fprintln(os.Stderr, "  down          Roll back one version")
	fmt.Fprintln(os.Stderr, "  down-to <v>   Roll back to version v")
	fmt.Fprintln(os.Stderr, "  status        Show migration status")
	fmt.Fprintln(os.Stderr, "  version       Show current version")
	fmt.Fprintln(os.Stderr, "  reset         Roll back all migrations")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
