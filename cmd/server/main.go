// Command server runs the DeGuild backend: the job registry, submission
// exchange, profile scoring, and investigation endpoints behind the shared
// Web3-token gate. All outbound clients (document store, object store, chain
// RPC) are built once at startup and shared across requests.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/DeGuild/deguild-back/internal/guild"
	"github.com/DeGuild/deguild-back/internal/storage"
	"github.com/DeGuild/deguild-back/internal/store"
	"github.com/DeGuild/deguild-back/pkg/chain"
	"github.com/DeGuild/deguild-back/pkg/db"
)

type config struct {
	ListenAddr  string
	ChainRPCURL string

	S3Endpoint string
	S3Access   string
	S3Secret   string
	S3UseSSL   bool
	S3Bucket   string
}

func loadConfig() config {
	return config{
		ListenAddr:  getenv("LISTEN_ADDR", ":8080"),
		ChainRPCURL: getenv("CHAIN_RPC_URL", "http://localhost:8545"),
		S3Endpoint:  getenv("S3_ENDPOINT", "http://localhost:9000"),
		S3Access:    getenv("S3_ACCESS_KEY", "minio"),
		S3Secret:    getenv("S3_SECRET_KEY", "minio123"),
		S3UseSSL:    os.Getenv("S3_USE_SSL") == "1",
		S3Bucket:    getenv("S3_BUCKET_NAME", "deguild-submissions"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := loadConfig()

	pool := db.MustConnect()
	defer pool.Close()
	st := store.New(pool)
	if err := st.EnsureSchema(context.Background()); err != nil {
		log.Error("schema setup failed", "err", err)
		os.Exit(1)
	}

	files, err := storage.New(storage.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3Access,
		SecretKey: cfg.S3Secret,
		UseSSL:    cfg.S3UseSSL,
		Bucket:    cfg.S3Bucket,
	})
	if err != nil {
		log.Error("object store client failed", "err", err)
		os.Exit(1)
	}

	chainClient, err := chain.Dial(cfg.ChainRPCURL)
	if err != nil {
		log.Error("chain rpc dial failed", "err", err)
		os.Exit(1)
	}
	defer chainClient.Close()

	h := guild.NewHandler(st, files, chainClient, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(func(next http.Handler) http.Handler {
		return httplogger.LoggingMiddlewareSlog(log, next)
	})
	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"alive"}`))
	})
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", "listenAddress", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		log.Info("HTTP server gracefully stopped")
	}
}
