// Command openfsd runs the FSD relay server.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/openfsd/openfsd/pkg/auth"
	"github.com/openfsd/openfsd/pkg/database"
	"github.com/openfsd/openfsd/pkg/server"
)

func main() {
	// .env is optional; real environment variables win either way
	_ = godotenv.Load()

	configPath := flag.String("config", "openfsd.toml", "path to the config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config := tomlConfig.ToServerConfig()

	db, err := database.Open(tomlConfig.Server.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.SeedDefaultClients(); err != nil {
		log.Fatalf("Failed to seed client whitelist: %v", err)
	}

	validator := auth.NewValidator(db)

	srv, err := server.NewServer(config, validator, validator)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug || tomlConfig.Logging.Debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
}
