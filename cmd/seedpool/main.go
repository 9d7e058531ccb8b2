// Package main provides a CLI tool for seeding the account and proxy
// inventory from a YAML manifest. Safe to re-run: credentials and proxy
// endpoints are refreshed, health state is left alone.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/harvest-pool/internal/config"
	"github.com/harvest-pool/internal/logging"
	"github.com/harvest-pool/internal/seed"
	"github.com/harvest-pool/internal/storage"
)

func main() {
	var (
		manifestPath = flag.String("manifest", "pool.yaml", "Path to the seed manifest")
		dryRun       = flag.Bool("dry-run", false, "Validate the manifest without applying it")
	)
	flag.Parse()

	fmt.Println("Harvest Pool Seeder")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)
	logger := logging.GetGlobalLogger()

	manifest, err := seed.Load(*manifestPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load manifest")
	}

	logger.WithFields(map[string]interface{}{
		"manifest": *manifestPath,
		"proxies":  len(manifest.Proxies),
		"accounts": len(manifest.Accounts),
	}).Info("Manifest loaded")

	if *dryRun {
		logger.Info("Dry run requested, manifest is valid")
		return
	}

	// Connect to the row store
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	accountRepo := storage.NewAccountRepository(postgres)
	proxyRepo := storage.NewProxyRepository(postgres)
	seeder := seed.NewSeeder(accountRepo, proxyRepo)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := seeder.Apply(ctx, manifest)
	if err != nil {
		logger.WithError(err).Fatal("Failed to apply manifest")
	}

	logger.WithFields(map[string]interface{}{
		"proxies":  result.ProxiesApplied,
		"accounts": result.AccountsApplied,
	}).Info("Pool seeded")
}
