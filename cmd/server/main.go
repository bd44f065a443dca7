package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cortexrt/assistant/internal/application"
	"github.com/cortexrt/assistant/internal/infrastructure/config"
	"github.com/cortexrt/assistant/internal/infrastructure/logger"
)

const (
	appName    = "personalassistant-server"
	appVersion = "0.3.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "server",
		Short: "Distributed personal-assistant gateway",
		Long:  "Boots the gateway: the websocket device bridge, the full Intake -> Routing -> Recruiter -> Planner -> Step-Executor pipeline, and the scheduler/heartbeat background services.",
		RunE:  runServer,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	rootCmd.AddCommand(newSchedulerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{
		Level:      "info",
		Format:     "json",
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	log.Info("starting personal-assistant gateway", zap.String("version", appVersion))

	if err := config.Bootstrap(log); err != nil {
		log.Fatal("failed to bootstrap configuration", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize application", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatal("failed to start application", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("application stopped successfully")
	return nil
}
