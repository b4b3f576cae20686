package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"authsvc/internal/config"
	"authsvc/internal/storage/mongodb"
	"authsvc/internal/storage/postgres"
	"authsvc/internal/storage/sqlite"
)

type schema interface {
	Migrate() (bool, error)
	MigrateDown() error
	Close() error
}

func main() {
	var configPath string
	var down bool
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.BoolVar(&down, "down", false, "roll every migration back")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		log.Fatal("config path is required")
	}

	cfg := config.MustLoadPath(configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		log.Println("Opening SQLite database...")
		db, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open sqlite: %v", err)
		}
		run(db, down)

	case config.DriverPostgres:
		log.Println("Connecting to PostgreSQL...")
		db, err := postgres.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		run(db, down)

	case config.DriverMongo:
		if down {
			log.Fatal("mongodb has no migrations to roll back")
		}

		log.Println("Connecting to MongoDB...")
		storage, err := mongodb.New(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database)
		if err != nil {
			log.Fatalf("failed to connect to mongodb: %v", err)
		}
		defer storage.Close(ctx)

		log.Println("MongoDB connected, indexes created successfully")

	default:
		log.Fatalf("unknown storage driver %q", cfg.Storage.Driver)
	}

	fmt.Println("Database initialization completed successfully")
}

func run(db schema, down bool) {
	defer db.Close()

	if down {
		if err := db.MigrateDown(); err != nil {
			log.Fatalf("failed to roll migrations back: %v", err)
		}
		log.Println("Migrations rolled back")
		return
	}

	applied, err := db.Migrate()
	if err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
	if !applied {
		log.Println("No migrations to apply")
		return
	}
	log.Println("Migrations applied")
}
