package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kgrag/hybridrag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := goreason.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}

	envCfg, err := goreason.LoadEnvConfig()
	if err != nil {
		slog.Error("parsing environment config", "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(envCfg)

	if envCfg.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(envCfg.LogLevel)); err == nil {
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
		}
	}

	// Fallback: check well-known provider env vars for API keys.
	if cfg.Chat.APIKey == "" {
		switch cfg.Chat.Provider {
		case "openai":
			cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			cfg.Chat.APIKey = os.Getenv("GROQ_API_KEY")
		case "gemini":
			cfg.Chat.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if cfg.Embedding.APIKey == "" {
		switch cfg.Embedding.Provider {
		case "openai":
			cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			cfg.Embedding.APIKey = os.Getenv("GROQ_API_KEY")
		case "gemini":
			cfg.Embedding.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}

	apiKey := envCfg.APIKey
	corsOrigins := envCfg.CORSOrigins

	engine, err := goreason.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	h := newHandler(engine)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingest", h.handleIngest)
	mux.HandleFunc("POST /ingest-documents", h.handleIngest)
	mux.HandleFunc("POST /query", h.handleQuery)
	mux.HandleFunc("POST /search", h.handleSearch)
	mux.HandleFunc("POST /search-advanced", h.handleSearchAdvanced)
	mux.HandleFunc("POST /enhanced-query", h.handleEnhancedQuery)
	mux.HandleFunc("POST /update", h.handleUpdate)
	mux.HandleFunc("POST /update-all", h.handleUpdateAll)
	mux.HandleFunc("DELETE /documents/{id}", h.handleDeleteDocument)
	mux.HandleFunc("DELETE /clear-all", h.handleClearAll)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("GET /documents/list", h.handleListDocuments)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /analyze-query-intent", h.handleAnalyzeQueryIntent)
	mux.HandleFunc("POST /advanced-reasoning", h.handleAdvancedReasoning)
	mux.HandleFunc("POST /causal-reasoning", h.handleCausalReasoning)
	mux.HandleFunc("POST /comparative-reasoning", h.handleComparativeReasoning)
	mux.HandleFunc("POST /multi-hop-reasoning", h.handleMultiHopReasoning)
	mux.HandleFunc("GET /knowledge-graph/top-entities", h.handleTopEntities)
	mux.HandleFunc("GET /knowledge-graph/top-relations", h.handleTopRelations)
	mux.HandleFunc("GET /knowledge-graph/stats", h.handleGraphStats)
	mux.HandleFunc("GET /knowledge-graph/domains", h.handleDomains)
	mux.HandleFunc("POST /knowledge-graph/filtered", h.handleGraphProjection)
	mux.HandleFunc("GET /knowledge-graph/export", h.handleGraphExport)
	mux.HandleFunc("GET /supported-formats", h.handleSupportedFormats)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (ingest can be long)
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
