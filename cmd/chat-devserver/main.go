package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/binhbb2204/chatsync/internal/devserver"
	"github.com/binhbb2204/chatsync/pkg/database"
	"github.com/binhbb2204/chatsync/pkg/logger"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load environment variables from .env if present (optional)
	_ = godotenv.Load()

	jsonFormat := os.Getenv("LOG_FORMAT") == "json"
	logger.Init(logger.ParseLevel(os.Getenv("LOG_LEVEL")), jsonFormat, os.Stdout)

	log := logger.GetLogger().WithContext("component", "chat_devserver")
	log.Info("starting_chat_devserver")

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "./data/chatsync.db"
	}
	if err := database.InitDatabase(dbPath); err != nil {
		log.Error("failed_to_initialize_database", "error", err.Error(), "path", dbPath)
		os.Exit(1)
	}

	cfg := devserver.DefaultConfig()
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	} else {
		log.Warn("using_default_jwt_secret", "message", "Set JWT_SECRET outside local development")
	}
	if dir := os.Getenv("UPLOAD_DIR"); dir != "" {
		cfg.UploadDir = dir
	}
	if origins := os.Getenv("FRONTEND_URL"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := devserver.NewServer(database.DB, cfg)
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http_server_listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http_server_failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				log.Info("shutting_down_http_server")
				// the hub goes first so open sockets are released
				srv.Close()
				return httpServer.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	if err := database.Close(); err != nil {
		log.Error("failed_to_close_database", "error", err.Error())
	}
	log.Info("chat_devserver_stopped", "exit_code", exitCode)
	os.Exit(exitCode)
}
