package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/astro-dash/backend/internal/config"
	"github.com/astro-dash/backend/internal/engine"
	"github.com/astro-dash/backend/internal/mock"
	"github.com/astro-dash/backend/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Run against a built-in mock equipment application")
	mockTick := flag.Duration("mock-tick", 2*time.Second, "Interval between mock events")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	if err := run(cfg, *mockMode, *mockTick); err != nil {
		log.Fatalf("Engine error: %v", err)
	}
}

func run(cfg *config.Config, mockMode bool, mockTick time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if mockMode {
		log.Println("Starting in mock mode")
		app := mock.NewApp(cfg.Feed)
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Feed.Port))
		cfg.Feed.Host = "127.0.0.1"
		go func() {
			if err := app.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[mock] server error: %v", err)
				cancel()
			}
		}()
		go app.RunNight(ctx, mockTick)
	} else {
		log.Printf("Starting in real mode (feed %s)", cfg.Feed.SocketURL())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)
	publisher := engine.NewPublisher(cfg.Engine.SubscriberBuffer, metrics)
	defer publisher.Close()

	sup := engine.NewSupervisor(func() (*engine.Engine, error) {
		return engine.New(cfg, engine.WithPublisher(publisher), engine.WithMetrics(metrics))
	}, cfg.Engine.RestartDelay)

	broadcaster := ws.NewBroadcaster(sup, cfg.Server.BroadcastThrottle, cfg.Server.StatusInterval, cfg.Server.MaxConnections)
	defer broadcaster.Stop()
	detach := broadcaster.Attach(publisher)
	defer detach()

	supErr := make(chan error, 1)
	go func() {
		supErr <- sup.Run(ctx)
		cancel()
	}()

	server := ws.NewServer(cfg, sup, broadcaster, reg)
	if err := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Server error: %v", err)
		cancel()
	}

	log.Println("Shutting down...")
	return <-supErr
}
