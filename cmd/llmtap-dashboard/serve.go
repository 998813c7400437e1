package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ngoyal88/llmtap/pkg/api"
	"github.com/ngoyal88/llmtap/pkg/hub"
	"github.com/ngoyal88/llmtap/pkg/tail"
	"github.com/ngoyal88/llmtap/pkg/viewer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveLogPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Follow the log and serve the live dashboard",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveLogPath, "log", "", "log file to follow (overrides dashboard.log_path)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dc := cfg.Dashboard
	if serveLogPath != "" {
		dc.LogPath = serveLogPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New(dc.MaxHistory)
	watcher := tail.New(dc.LogPath, h.Publish, tail.Options{PollInterval: dc.PollInterval})

	// Load what is already on disk before accepting viewers.
	n, err := watcher.Scan()
	if err != nil {
		return fmt.Errorf("initial scan of %s: %w", dc.LogPath, err)
	}
	fmt.Printf("✅ Loaded %d calls (%s) from %s\n", n, humanize.Bytes(uint64(watcher.KnownSize())), dc.LogPath)

	mux := http.NewServeMux()
	mux.Handle("/", viewer.Page())
	mux.Handle("/ws", viewer.NewHandler(h, viewer.SessionOptions{
		QueueSize:    dc.QueueSize,
		WriteTimeout: dc.WriteTimeout,
		PingInterval: dc.PingInterval,
	}))
	mux.Handle("/metrics", promhttp.Handler())
	api.NewDashboardAPI(h, watcher.KnownSize, dc.AdminKey).RegisterRoutes(mux)
	if dc.AdminKey != "" {
		fmt.Println("✅ Dashboard API requires X-Admin-Key")
	}

	srv := &http.Server{
		Addr:              dc.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	watchErr := make(chan error, 1)
	go func() { watchErr <- watcher.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	fmt.Println("\n🚀 llmtap dashboard active:")
	fmt.Println("   - Dashboard:       http://localhost" + dc.Address)
	fmt.Println("   - Live updates:    ws://localhost" + dc.Address + "/ws")
	fmt.Println("   - API:             http://localhost" + dc.Address + "/api/entries")
	fmt.Println("   - Metrics:         http://localhost" + dc.Address + "/metrics")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-watchErr:
		if err != nil {
			runErr = fmt.Errorf("watcher stopped: %w", err)
		}
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	h.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[VIEWER] shutdown: %v", err)
	}
	return runErr
}
