package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ritzau/incident-trees/pkg/config"
	"github.com/ritzau/incident-trees/pkg/feed"
	"github.com/ritzau/incident-trees/pkg/logging"
	"github.com/spf13/pflag"
)

func main() {
	// Parse command-line flags
	f := pflag.NewFlagSet("alert-feed", pflag.ExitOnError)
	f.Int("feed-port", 8090, "Port to serve the feed on (/ws)")
	f.String("feed-dir", "", "Directory of *.json group messages to publish")
	f.Bool("feed-watch", true, "Republish group files when they change")
	f.Bool("feed-sample", true, "Play the built-in sample sequence")
	f.Duration("feed-interval", 2*time.Second, "Delay between sample steps")
	f.Bool("json-logs", false, "Log as JSON")
	f.String("verbosity", "", "Log level (error, warn, info, debug, trace)")
	f.CountP("verbose", "v", "Increase verbosity (-v debug, -vv trace)")
	f.Parse(os.Args[1:])

	cfg, err := config.Load(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logging.Configure(os.Stderr, logging.ParseLevel(cfg.Verbosity, cfg.VerboseCnt), cfg.JSONLogs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Feed); err != nil {
		logging.Error("alert-feed failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FeedConfig) error {
	hub := feed.NewHub()
	defer hub.Close()

	if cfg.Dir != "" {
		src := feed.NewDirSource(cfg.Dir, hub)
		if _, err := src.LoadAll(); err != nil {
			return err
		}
		if cfg.Watch {
			go func() {
				if err := src.Watch(ctx); err != nil {
					logging.Error("feed directory watch stopped", "path", cfg.Dir, "error", err)
				}
			}()
		}
	}

	if cfg.Sample {
		player := feed.NewSamplePlayer(hub, nil, cfg.Interval)
		player.Start()
		defer player.Stop()
	}

	router := mux.NewRouter()
	router.Handle("/ws", hub).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           logging.RequestIDMiddleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("feed server shutdown", "error", err)
		}
	}()

	logging.Info("serving alert feed", "url", fmt.Sprintf("ws://localhost%s/ws", addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("feed server: %w", err)
	}
	return nil
}
