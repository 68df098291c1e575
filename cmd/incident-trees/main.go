package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ritzau/incident-trees/pkg/config"
	"github.com/ritzau/incident-trees/pkg/coordinator"
	"github.com/ritzau/incident-trees/pkg/logging"
	"github.com/ritzau/incident-trees/pkg/model"
	"github.com/ritzau/incident-trees/pkg/output"
	"github.com/ritzau/incident-trees/pkg/pubsub"
	"github.com/ritzau/incident-trees/pkg/session"
	"github.com/ritzau/incident-trees/pkg/store"
	"github.com/ritzau/incident-trees/pkg/web"
	"github.com/spf13/pflag"
)

func main() {
	// Parse command-line flags
	f := pflag.NewFlagSet("incident-trees", pflag.ExitOnError)
	f.String("endpoint", "ws://localhost:8090/ws", "WebSocket endpoint of the alert feed")
	f.Int("port", 8080, "Port for the web server")
	f.Bool("console", false, "Print incident trees to the console as they change")
	f.Bool("json-logs", false, "Log as JSON")
	f.Duration("handshake-timeout", session.DefaultHandshakeTimeout, "WebSocket handshake timeout")
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

	if err := run(ctx, cfg); err != nil {
		logging.Error("incident-trees failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	publisher := web.NewPublisher()
	defer publisher.Close()

	sess := session.New(session.Options{HandshakeTimeout: cfg.HandshakeTimeout})
	c := coordinator.New(sess, store.New(nil), publisher, coordinator.Options{})

	if cfg.Console {
		if err := startConsole(ctx, c, publisher); err != nil {
			return err
		}
	}

	c.Start(cfg.Endpoint)
	defer c.Stop()

	server := web.NewServer(c, publisher)
	if err := server.Start(ctx, cfg.Port); err != nil {
		return err
	}
	logging.Info("shutting down")
	return nil
}

// startConsole re-renders a group on every change and reports connection
// state transitions
func startConsole(ctx context.Context, c *coordinator.Coordinator, publisher pubsub.Publisher) error {
	graphs, err := publisher.Subscribe(ctx, pubsub.TopicGraphs)
	if err != nil {
		return fmt.Errorf("console subscription: %w", err)
	}
	states, err := publisher.Subscribe(ctx, pubsub.TopicConnectionState)
	if err != nil {
		graphs.Close()
		return fmt.Errorf("console subscription: %w", err)
	}

	go func() {
		defer graphs.Close()
		defer states.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-states.Events():
				if !ok {
					return
				}
				var status pubsub.ConnectionStatus
				if err := json.Unmarshal(event.Data, &status); err != nil {
					continue
				}
				output.PrintConnectionState(os.Stdout, model.ConnectionState(status.State), status.Endpoint)

			case event, ok := <-graphs.Events():
				if !ok {
					return
				}
				if err := printChange(c, event); err != nil {
					logging.Debug("console skipped event", "type", event.Type, "error", err)
				}
			}
		}
	}()
	return nil
}

func printChange(c *coordinator.Coordinator, event pubsub.Event) error {
	var change pubsub.GraphChange
	if err := json.Unmarshal(event.Data, &change); err != nil {
		return err
	}

	if change.Kind == string(store.ChangeDeleted) {
		fmt.Fprintf(os.Stdout, "Incident group %s deleted\n", change.GroupID)
		return nil
	}

	g, ok := c.Graph(change.GroupID)
	if !ok {
		return errors.New("group no longer held")
	}
	output.PrintGraph(os.Stdout, change.GroupID, g)
	fmt.Fprintln(os.Stdout)
	return nil
}
