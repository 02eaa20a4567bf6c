package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/qcut/export-agent/internal/api"
	"github.com/qcut/export-agent/internal/db"
	"github.com/qcut/export-agent/internal/export"
	"github.com/qcut/export-agent/internal/jobs"
	"github.com/qcut/export-agent/internal/ui"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the localhost export API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}
	cmd.Flags().Int("port", 0, "HTTP port (overrides QCUT_PORT)")
	cmd.Flags().Bool("tray", false, "Show the system tray menu")
	return cmd
}

func serve(cmd *cobra.Command) error {
	startTime := time.Now()

	a, err := newAgent(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		a.cfg.SetPort(port)
	}
	if tray, _ := cmd.Flags().GetBool("tray"); tray {
		a.cfg.SetHeadless(false)
	}

	logger := a.logger
	logger.Info("starting qcut export agent", "version", Version, "data_dir", a.cfg.DataDir())

	database, err := db.New(a.cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := jobs.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.handles.Start(ctx)
	orch := a.orchestrator(ctx)
	service := jobs.NewService(repo, export.NewAnalyzer(a.library, logger), jobs.Orchestrated(orch), logger)

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║ %-57s ║\n", "QCUT EXPORT AGENT v"+Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", a.cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Handle TTL: %-45s ║\n", strings.TrimSpace(humanize.RelTime(startTime, startTime.Add(a.cfg.HandleMaxAge()), "", "")))
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	apiServer := api.NewServer(api.ServerConfig{
		Port:      a.cfg.Port(),
		Jobs:      service,
		Tokens:    repo,
		Library:   a.library,
		Handles:   a.handles,
		Doctor:    a.doctor,
		Logger:    logger,
		StartTime: startTime,
		Version:   Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	quitCh := make(chan struct{})
	var runErr error

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
		case err := <-serverErr:
			if err != nil {
				logger.Error("HTTP server error", "error", err)
				runErr = err
			}
		}
		close(quitCh)
	}()

	if a.cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
		<-quitCh
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Jobs:    service,
			Handles: a.handles,
			Logger:  logger,
			OnQuit: func() {
				select {
				case sigCh <- syscall.SIGTERM:
				default:
				}
			},
		})
		go func() {
			<-quitCh
			tray.Quit()
		}()
		// The platform event loop must own the main goroutine.
		tray.Run()
		<-quitCh
	}

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	service.Shutdown()
	cancel()
	a.handles.Shutdown()

	logger.Info("shutdown complete")
	return runErr
}

func ensureAuthToken(repo jobs.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}
