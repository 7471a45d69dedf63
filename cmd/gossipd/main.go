package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gossipnet/config"
	"gossipnet/observability/logging"
	telemetry "gossipnet/observability/otel"
	"gossipnet/p2p"
	"gossipnet/peerqueue"
	"gossipnet/subscription"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("GOSSIPNET_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var logOpts []logging.Option
	if cfg.LogFile != "" {
		logOpts = append(logOpts, logging.WithRotatingFile(cfg.LogFile))
	}
	logger := logging.Setup("gossipd", env, logOpts...)

	shutdownTelemetry, err := initTelemetry(env)
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	identity, err := p2p.LoadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		logger.Error("Failed to load node identity", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Node identity ready", slog.String("node_id", string(identity.NodeID)))

	params := p2p.NetParams{
		NetworkID:        cfg.NetworkID,
		NetworkName:      cfg.NetworkName,
		ClientVersion:    cfg.ClientVersion,
		NodeType:         p2p.NodeType(cfg.NodeType),
		HandshakeTimeout: cfg.HandshakeTimeout(),
		ReadTimeout:      cfg.ReadTimeout(),
		WriteTimeout:     cfg.WriteTimeout(),
		MaxMessageBytes:  cfg.MaxMessageBytes,
		RateMsgsPerSec:   cfg.RateMsgsPerSec,
		RateBurst:        cfg.RateBurst,
	}

	store, err := p2p.NewPeerstore(cfg.DataDir+"/peerstore", 0, 0)
	if err != nil {
		logger.Error("Failed to open peerstore", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	queue := peerqueue.New()
	table := subscription.NewStatusTable()
	durations := subscription.NewDurationRecord()

	server := p2p.NewServer(identity, params, logger.With(slog.String("component", "p2p_server")))
	listener := subscription.NewListener(subscription.ListenerConfig{
		Queue:  queue,
		Bucket: peerqueue.BucketSubscribers,
		Logger: logger.With(slog.String("component", "subscription_listener")),
	})
	listener.Register(server)

	if err := server.Start(cfg.ListenAddress); err != nil {
		logger.Error("Failed to start listener", slog.Any("error", err))
		os.Exit(1)
	}
	defer server.Stop()

	targets := make([]subscription.Target, 0, len(cfg.Subscriptions))
	for _, raw := range cfg.Subscriptions {
		target, err := subscription.ParseTarget(raw)
		if err != nil {
			logger.Error("Invalid subscription target",
				logging.MaskField("target", raw),
				slog.Any("error", err))
			os.Exit(1)
		}
		targets = append(targets, target)
	}

	dialer := p2p.NewDialer(identity, params, logger.With(slog.String("component", "p2p_dialer")))
	subscriber := subscription.NewSubscriber(subscription.SubscriberConfig{
		Connector:         dialer,
		Table:             table,
		Durations:         durations,
		Logger:            logger.With(slog.String("component", "subscriber")),
		StartInterval:     cfg.StartInterval(),
		KeepaliveInterval: cfg.Keepalive(),
	})
	worker := subscription.NewWorker(subscription.WorkerConfig{
		Subscriber:  subscriber,
		Targets:     targets,
		Peerstore:   store,
		Logger:      logger.With(slog.String("component", "subscription_worker")),
		RedialDelay: cfg.RedialDelay(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)
	defer worker.Stop()

	diag := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           diagRouter(table, durations, queue),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := diag.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Diagnostics server failed", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = diag.Shutdown(shutdownCtx)
	}()

	logger.Info("gossipd running",
		slog.String("listen", cfg.ListenAddress),
		slog.String("diagnostics", cfg.MetricsAddress),
		slog.Int("subscription_targets", len(targets)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down")
	cancel()
}

func initTelemetry(env string) (func(context.Context) error, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return nil, nil
	}
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	return telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "gossipd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
}

func diagRouter(table *subscription.StatusTable, durations *subscription.DurationRecord, queue *peerqueue.Queue) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/subscriptions", func(w http.ResponseWriter, _ *http.Request) {
		statuses := make(map[string]string)
		for peer, status := range table.Snapshot() {
			statuses[string(peer)] = status.String()
		}
		subscribers := make(map[string]string)
		for peer, nodeType := range queue.Snapshot(peerqueue.BucketSubscribers) {
			subscribers[string(peer)] = string(nodeType)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"subscriptions":      statuses,
			"subscribers":        subscribers,
			"maxDurationSeconds": durations.Max().Seconds(),
		})
	})
	return r
}
