package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/gbtami/fairyfishnet/internal/devserver"
	"github.com/gbtami/fairyfishnet/shared/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultAddr := os.Getenv("DEVSERVER_ADDR")
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:9670"
	}
	addr := flag.String("addr", defaultAddr, "Address to listen on")
	key := flag.String("key", "", "Only accept this api key (default: accept any)")
	jobsFile := flag.String("jobs", "", "Path to a JSON file with jobs to hand out")
	verbose := flag.Bool("verbose", false, "Log at debug level")
	flag.Parse()

	// Initialize logger
	level := "info"
	if *verbose {
		level = "debug"
	}
	appLogger, err := logger.New(&logger.Config{
		Level:  level,
		Format: "console",
		Output: "stdout",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Fill the queue, from a job file or the built in samples
	jobs := devserver.SampleJobs()
	if *jobsFile != "" {
		jobs, err = devserver.LoadJobs(*jobsFile)
		if err != nil {
			return err
		}
	}
	queue := devserver.NewQueue()
	for _, job := range jobs {
		if err := queue.Add(job); err != nil {
			return fmt.Errorf("invalid job: %w", err)
		}
	}

	appLogger.Info("Starting dev coordinator",
		slog.String("address", *addr),
		slog.Int("jobs", len(jobs)),
	)

	if *verbose {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := devserver.SetupRouter(&devserver.Dependencies{
		Logger: appLogger.Logger,
		Queue:  queue,
		Key:    *key,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:    *addr,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Dev coordinator is running",
		slog.String("endpoint", fmt.Sprintf("http://%s/fishnet/", *addr)),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}
