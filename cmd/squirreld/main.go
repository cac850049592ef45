package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/squirreldb/squirreldb/internal/config"
	"github.com/squirreldb/squirreldb/internal/daemon"
	"github.com/squirreldb/squirreldb/internal/logger"
)

func main() {
	configPath := flag.String("config", "squirreldb.yaml", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "squirreldb: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "squirreldb: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	defer log.Sync()

	svc, err := daemon.New(cfg, log)
	if err != nil {
		log.Errorf("squirreldb: failed to initialize service: %v", err)
		os.Exit(1)
	}

	if err := svc.Run(); err != nil {
		log.Errorf("squirreldb: run failed: %v", err)
		os.Exit(1)
	}
}

// loadConfig reads path if it exists, falling back to built-in defaults
// so the daemon can run with zero configuration for local development.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}

	return config.Load(path)
}
