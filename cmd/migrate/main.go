package main

import (
	"livedata-service/config"
	"livedata-service/database"
	"livedata-service/logger"
)

func main() {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		logger.Fatalf("DATABASE_URL environment variable is not set")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	logger.Println("Connected to database successfully")

	if err := database.Migrate(db); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}

	logger.Printf("✅ %d migrations completed successfully", len(database.Migrations))
}
