package main

import (
	"context"
	"fmt"
	"os"

	"github.com/socialdeskhq/socialdesk/internal/config"
	"github.com/socialdeskhq/socialdesk/internal/db"
	"github.com/socialdeskhq/socialdesk/internal/logger"
	"github.com/socialdeskhq/socialdesk/internal/operators"
)

func runMigrate() error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := db.Migrate(cfg.Postgres); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}

func runSeedAdmin(username, password string) error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer conn.Close()

	svc := operators.NewService(logger.L, conn)
	if err := svc.EnsureAdmin(ctx, username, password); err != nil {
		return err
	}
	fmt.Printf("admin account %q is present\n", username)
	return nil
}
