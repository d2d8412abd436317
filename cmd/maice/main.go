// Maicé is a companion chatbot for Matrix.
//
// Tunables come from an optional YAML config file (MAICE_CONFIG); secrets
// come from the environment only.
//
// Required environment variables:
//
//	MATRIX_HOMESERVER     - Matrix homeserver URL (e.g. "https://matrix.org")
//	MATRIX_USER_ID        - bot's Matrix ID (e.g. "@maice:matrix.org")
//	MATRIX_ACCESS_TOKEN   - bot's Matrix access token
//	LLM_API_KEY           - API key for the OpenAI-compatible provider
//
// Optional environment variables:
//
//	MAICE_CONFIG          - path to the YAML config file
//	MAICE_DB_PATH         - path to the SQLite database (default: ./maice.db)
//	MAICE_WORKERS         - consumer worker count (default: 2)
//	MAICE_EMBEDDING_DIM   - embedding dimensionality (default: 1536)
//	MAICE_INTAKE_WINDOW   - debounce window (default: 300ms)
//	MAICE_DECAY_RATE      - mood decay rate per second (default: 1/300)
//	MAICE_HEALTH_ADDR     - health endpoint listen address (disabled if empty)
//	LLM_BASE_URL          - override LLM API base URL (e.g. for Ollama)
//	LLM_MODEL             - chat model name (default: gpt-4o-mini)
//	LLM_EMBEDDING_MODEL   - embedding model name (default: text-embedding-3-small)
//	LOG_LEVEL             - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT            - "text" or "json" (default: "text")
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/maice/common/version"
	"github.com/bdobrica/maice/internal/maice/app"
	"github.com/bdobrica/maice/internal/maice/config"
)

func main() {
	fmt.Printf("Maicé %s\n", version.Info())

	cfg, err := config.Load(os.Getenv("MAICE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	maice, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Maicé: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := maice.Run(ctx); err != nil {
		slog.Error("maice exited with error", "err", err)
		os.Exit(1)
	}
}
