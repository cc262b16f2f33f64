// Package main is the entry point for the SafeTrail sync agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/safetrail/client/internal/api"
	"github.com/safetrail/client/internal/config"
	"github.com/safetrail/client/internal/connectivity"
	"github.com/safetrail/client/internal/diag"
	"github.com/safetrail/client/internal/feed"
	"github.com/safetrail/client/internal/ipc"
	"github.com/safetrail/client/internal/live"
	"github.com/safetrail/client/internal/replay"
	"github.com/safetrail/client/internal/sched"
	"github.com/safetrail/client/internal/storage"
	"github.com/safetrail/client/internal/storage/models"
	"github.com/safetrail/client/internal/trip"
	"github.com/safetrail/client/internal/widget"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

func main() {
	dataDir := flag.String("data", "/data", "Data directory for the local store and shared surfaces")
	diagAddr := flag.String("diag", "127.0.0.1:8477", "Diagnostics HTTP listen address")
	healthCheck := flag.Bool("health-check", false, "Run health check and exit")
	flag.Parse()

	// Health check mode for Docker HEALTHCHECK
	if *healthCheck {
		if err := runHealthCheck(*diagAddr); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
		os.Exit(0)
	}

	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}

	log.Printf("Starting SafeTrail agent (version: %s)...", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Initialize database
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory %q: %v", *dataDir, err)
	}
	db, err := storage.NewDB(filepath.Join(*dataDir, "safetrail.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations complete")

	// Initialize repositories
	tripRepo := storage.NewTripRepository(db)
	actionRepo := storage.NewActionRepository(db)
	activityRepo := storage.NewActivityRepository(db)

	// Server API client
	apiClient := api.NewClient(api.Config{
		BaseURL:   cfg.APIBaseURL,
		AuthToken: cfg.AuthToken,
	})

	// Background display surface and token plumbing
	surface, err := live.NewFileSurface(filepath.Join(*dataDir, "overlay"))
	if err != nil {
		log.Fatalf("Failed to open overlay surface: %v", err)
	}
	registrar := live.NewRegistrar(apiClient)
	go registrar.Run()
	sessions := live.NewManager(surface, registrar, apiClient)

	// Trip state authority
	widgetWriter := widget.NewWriter(filepath.Join(*dataDir, "widget", "snapshot.json"))
	authority := trip.NewAuthority(tripRepo, sessions, widgetWriter, apiClient)
	go authority.Run()

	// Connectivity monitor and offline-queue replayer
	monitor := connectivity.NewMonitor(connectivity.ProberFunc(apiClient.Ping), cfg.ProbeInterval)
	go monitor.Run()
	replayer := replay.NewReplayer(actionRepo, apiClient, authority)
	checkins := trip.NewCheckinService(authority, actionRepo, apiClient, monitor)

	// Change feed subscriptions
	dispatcher := feed.NewDispatcher(cfg.SubjectID, authority)
	feedClient := feed.NewClient(cfg.FeedBaseURL, cfg.AuthToken, []string{"trips", "trip_checkins"}, dispatcher.Handle)

	// On reconnect: re-subscribe the feed, then drain the offline queue.
	go func() {
		for range monitor.Reconnected() {
			feedClient.Reconnect()
			if err := replayer.Drain(context.Background()); err != nil {
				log.Printf("Replay after reconnect stopped: %v", err)
			}
		}
	}()

	// Periodic reconciliation jobs
	scheduler := sched.NewScheduler(authority, sessions, replayer, tripRepo, monitor)
	scheduler.Start()

	// Extension wakeup channel
	listener := ipc.NewListener(
		filepath.Join(*dataDir, "ipc"),
		filepath.Join(*dataDir, "ipc", "wake.sock"),
		authority, sessions,
	)
	if err := listener.Start(); err != nil {
		log.Fatalf("Failed to start IPC listener: %v", err)
	}

	// Initial state: ask the server, fall back to the local cache offline.
	bootstrap(authority, tripRepo, activityRepo, apiClient)

	feedClient.Start(cfg.SubjectID)

	// Local HTTP surface: diagnostics plus the UI's check-in commands
	diagServer := diag.NewServer(db, authority, feedClient, sessions, actionRepo, checkins)
	server := &http.Server{
		Addr:         *diagAddr,
		Handler:      diagServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("Diagnostics listening on %s", *diagAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Diagnostics server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down agent...")

	scheduler.Stop()
	feedClient.Stop()
	listener.Stop()
	monitor.Stop()
	sessions.Stop()
	registrar.Stop()
	authority.Stop()
	surface.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Diagnostics shutdown error: %v", err)
	}

	log.Println("Agent stopped")
}

// bootstrap seeds in-memory state on launch: activity metadata and the
// active trip from the server when reachable, otherwise the most recent
// cached trip so the overlay and widget come back after a relaunch.
func bootstrap(authority *trip.Authority, tripRepo *storage.TripRepository, activityRepo *storage.ActivityRepository, apiClient *api.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if activities, err := apiClient.ListActivities(ctx); err != nil {
		log.Printf("Activity metadata fetch failed: %v", err)
	} else if err := activityRepo.ReplaceAll(ctx, activitiesToModels(activities)); err != nil {
		log.Printf("Failed to cache activities: %v", err)
	}

	err := authority.Refresh(ctx)
	if err == nil {
		return
	}
	log.Printf("Initial refresh failed, falling back to cache: %v", err)

	cached, err := tripRepo.CachedTrips(ctx)
	if err != nil || len(cached) == 0 {
		return
	}
	if latest := cached[0]; !latest.IsFinished() {
		authority.StartTrip(latest.Trip, latest.CheckinCount)
	}
}

func activitiesToModels(payloads []api.ActivityPayload) []models.Activity {
	activities := make([]models.Activity, 0, len(payloads))
	for _, p := range payloads {
		activities = append(activities, models.Activity{
			ID:   p.ID,
			Name: p.Name,
			Icon: p.Icon,
		})
	}
	return activities
}

// runHealthCheck performs a health check against the running agent.
func runHealthCheck(addr string) error {
	url := "http://" + addr + "/api/health"
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy status %d", resp.StatusCode)
	}
	return nil
}
