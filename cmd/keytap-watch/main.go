package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tls-keytap/keylog"
	"tls-keytap/keywatch"
	"tls-keytap/shared"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	// The daemon is a foreground service, so it logs by default;
	// KEYTAP_QUIET=true still silences it.
	logger, err := shared.NewLogger(shared.LoggerConfig{
		ServiceName: "keytap-watch",
		QuietMode:   shared.GetEnvOrDefault(shared.EnvQuiet, "false") == "true",
		Development: shared.GetEnvOrDefault(shared.EnvDevelopment, "false") == "true",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	path := os.Getenv(keylog.EnvFile)
	if path == "" {
		logger.Fatal("Required environment variable not set",
			zap.String("variable", keylog.EnvFile))
	}

	addr := shared.GetEnvOrDefault(shared.EnvWatchAddr, ":8089")

	server := keywatch.NewServer(path, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down watch server...")
		cancel()
	}()

	logger.Info("Watch server starting",
		zap.String("addr", addr),
		zap.String("keylog", path))

	if err := server.Run(ctx, addr); err != nil {
		logger.Fatal("Watch server failed", zap.Error(err))
	}

	logger.Info("Watch server shutdown complete")
}
