// testserver starts the function service emulator with the stub functions for
// local development and manual testing of the client.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/seantiz/remotefn/internal/devserver"
	"github.com/seantiz/remotefn/internal/store"
)

const (
	defaultAddr      = ":8080"
	defaultMasterKey = "dev-master-key"
	defaultAPIKey    = "dev-api-key"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := getenv("REMOTEFN_LISTEN_ADDR", defaultAddr)
	master := getenv("REMOTEFN_MASTER_KEY", defaultMasterKey)
	apiKey := getenv("REMOTEFN_API_KEY", defaultAPIKey)

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := devserver.NewRegistry()
	devserver.RegisterDefaults(reg, devserver.DefaultAuthor)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	eng := devserver.NewEngine(reg, db, logger)
	srv := devserver.NewServer(addr, eng, devserver.NewKeyStore(master, apiKey), db, logger)

	if v := os.Getenv("REMOTEFN_INJECT_UNAVAILABLE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("invalid REMOTEFN_INJECT_UNAVAILABLE: %v", err)
		}
		srv.InjectUnavailable(n)
	}

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(context.Background()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
